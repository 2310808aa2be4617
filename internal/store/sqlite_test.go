package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kudzu-systems/kudzu/internal/trace"
)

func testRecord(t *testing.T, hologramID, purpose, host string) Record {
	t.Helper()
	tr := trace.New(hologramID, purpose, nil, trace.ImportanceNormal)
	body, err := json.Marshal(tr)
	require.NoError(t, err)
	return Record{
		TraceID:    tr.ID,
		HostID:     host,
		HologramID: hologramID,
		Purpose:    purpose,
		Origin:     hologramID,
		Importance: tr.Importance,
		Fragment:   0,
		Body:       body,
		CreatedAt:  tr.CreatedAt,
	}
}

func TestSQLitePutGet(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	rec := testRecord(t, "holo-1", "decision", "node-a")
	require.NoError(t, s.Put(rec))

	got, found, err := s.Get(rec.TraceID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.TraceID, got.TraceID)
	assert.Equal(t, rec.Body, got.Body)
	assert.Equal(t, trace.ImportanceNormal, got.Importance)

	_, found, err = s.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLiteReplicaRowsCollapseOnSelect(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	rec := testRecord(t, "holo-1", "decision", "node-a")
	require.NoError(t, s.Put(rec))
	rec.HostID = "node-b"
	require.NoError(t, s.Put(rec))
	rec.HostID = "node-c"
	require.NoError(t, s.Put(rec))

	rows, err := s.CountRows()
	require.NoError(t, err)
	assert.Equal(t, 3, rows)

	traces, err := s.CountTraces()
	require.NoError(t, err)
	assert.Equal(t, 1, traces)

	recs, err := s.Select(Selector{Purpose: "decision"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLiteSelectFilters(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(testRecord(t, "holo-1", "decision", "node-a")))
	require.NoError(t, s.Put(testRecord(t, "holo-1", "observation", "node-a")))
	require.NoError(t, s.Put(testRecord(t, "holo-2", "decision", "node-a")))

	recs, err := s.Select(Selector{Purpose: "decision"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = s.Select(Selector{Purpose: "decision", HologramID: "holo-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "holo-1", recs[0].HologramID)

	recs, err = s.Select(Selector{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSQLiteHosts(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AddHost("node-a"))
	require.NoError(t, s.AddHost("node-b"))
	require.NoError(t, s.AddHost("node-a")) // idempotent

	hosts, err := s.Hosts()
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a", "node-b"}, hosts)
}

func TestSQLiteUpdateFragmentAndDelete(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	rec := testRecord(t, "holo-1", "decision", "node-a")
	require.NoError(t, s.Put(rec))
	require.NoError(t, s.UpdateFragment(rec.TraceID, 7))

	got, found, err := s.Get(rec.TraceID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 7, got.Fragment)

	require.NoError(t, s.Delete(rec.TraceID))
	_, found, err = s.Get(rec.TraceID)
	require.NoError(t, err)
	assert.False(t, found)
}
