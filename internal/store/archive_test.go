package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveAndRestoreHint(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	hosts := []string{"node-a", "node-b", "node-c"}
	hint := map[string]any{
		"content": strings.Repeat("observed state of the deploy pipeline. ", 50),
		"source":  "ci-logs",
	}
	require.NoError(t, archiveHint(s, hosts, "trace-1", hint))

	got, err := restoreHint(s, "trace-1")
	require.NoError(t, err)
	assert.Equal(t, hint["content"], got["content"])
	assert.Equal(t, hint["source"], got["source"])
}

func TestRestoreHintSurvivesTwoLostShards(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	hint := map[string]any{"content": strings.Repeat("x", 1000)}
	require.NoError(t, archiveHint(s, []string{"node-a"}, "trace-1", hint))

	// Parity is 2: losing two shards is survivable.
	require.NoError(t, s.DropShard("trace-1", 0))
	require.NoError(t, s.DropShard("trace-1", 4))

	got, err := restoreHint(s, "trace-1")
	require.NoError(t, err)
	assert.Equal(t, hint["content"], got["content"])
}

func TestRestoreHintFailsBeyondParity(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	hint := map[string]any{"content": strings.Repeat("x", 1000)}
	require.NoError(t, archiveHint(s, []string{"node-a"}, "trace-1", hint))

	for _, idx := range []int{0, 1, 2} {
		require.NoError(t, s.DropShard("trace-1", idx))
	}

	_, err = restoreHint(s, "trace-1")
	assert.Error(t, err)
}

func TestRestoreHintUnknownTrace(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = restoreHint(s, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
