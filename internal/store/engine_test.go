package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kudzu-systems/kudzu/internal/trace"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	table, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { table.Close() })

	e, err := NewEngine(table, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	require.NoError(t, e.AttachNode("node-a"))
	return e
}

// backdate pushes a hot entry's last access into the past so aging picks it up.
func backdate(e *Engine, hologramID, traceID string, age time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.hot[hologramID][traceID]; ok {
		ent.lastAccessed = time.Now().Add(-age)
		return
	}
	if ent, ok := e.warm[traceID]; ok {
		ent.lastAccessed = time.Now().Add(-age)
	}
}

func TestStoreAndRetrieveHot(t *testing.T) {
	e := newTestEngine(t, Config{})

	tr := trace.New("holo-1", "decision", map[string]any{"content": "x"}, trace.ImportanceNormal)
	require.NoError(t, e.Store(tr, "holo-1", trace.ImportanceNormal))

	got, err := e.Retrieve(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, got.ID)
	assert.Equal(t, 1, got.AccessCount)
}

func TestRetrieveUnknownIsNotFound(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.Retrieve("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestColdTierRoundTrip(t *testing.T) {
	e := newTestEngine(t, Config{HotWindow: time.Minute, WarmWindow: time.Minute})

	tr := trace.New("holo-1", "decision", map[string]any{"content": "survives"}, trace.ImportanceCritical)
	tr = tr.WithHop("holo-2")
	require.NoError(t, e.Store(tr, "holo-1", trace.ImportanceCritical))

	// Push it past both windows (critical multiplier is 4x).
	backdate(e, "holo-1", tr.ID, 24*time.Hour)
	require.NoError(t, e.AgeTraces())

	st, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, st.HotCount)
	assert.Equal(t, 0, st.WarmCount)
	assert.Equal(t, 1, st.ColdCount)

	got, err := e.Retrieve(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, got.ID)
	assert.Equal(t, tr.Origin, got.Origin)
	assert.Equal(t, tr.Purpose, got.Purpose)
	assert.Equal(t, []string{"holo-1", "holo-2"}, got.Path)
	assert.Equal(t, tr.Clock, got.Clock)
	assert.Equal(t, trace.ImportanceCritical, got.Importance)
	assert.Equal(t, map[string]any{"content": "survives"}, got.ReconstructionHint)
}

func TestCriticalTraceIsReplicated(t *testing.T) {
	e := newTestEngine(t, Config{HotWindow: time.Minute, WarmWindow: time.Minute, CriticalReplicas: 3})
	require.NoError(t, e.AttachNode("node-b"))
	require.NoError(t, e.AttachNode("node-c"))

	crit := trace.New("holo-1", "decision", nil, trace.ImportanceCritical)
	norm := trace.New("holo-1", "decision", nil, trace.ImportanceNormal)
	require.NoError(t, e.Store(crit, "holo-1", trace.ImportanceCritical))
	require.NoError(t, e.Store(norm, "holo-1", trace.ImportanceNormal))

	backdate(e, "holo-1", crit.ID, 24*time.Hour)
	backdate(e, "holo-1", norm.ID, 24*time.Hour)
	require.NoError(t, e.AgeTraces())

	st, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.ColdCount)
	// 3 replica rows for critical + 1 for normal.
	assert.Equal(t, 4, st.ColdRows)
}

func TestAgeTracesIdempotent(t *testing.T) {
	e := newTestEngine(t, Config{HotLimit: 2, HotWindow: time.Minute, WarmWindow: time.Minute})

	for i := 0; i < 5; i++ {
		tr := trace.New("holo-1", "observation", nil, trace.ImportanceNormal)
		require.NoError(t, e.Store(tr, "holo-1", trace.ImportanceNormal))
	}

	require.NoError(t, e.AgeTraces())
	first, err := e.Stats()
	require.NoError(t, err)

	require.NoError(t, e.AgeTraces())
	second, err := e.Stats()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// The bound is enforced: 2 stay hot, 3 were demoted.
	assert.Equal(t, 2, second.HotCount)
	assert.Equal(t, 3, second.WarmCount)
}

func TestImportanceDrivenRetention(t *testing.T) {
	e := newTestEngine(t, Config{HotWindow: time.Minute, WarmWindow: time.Minute})

	crit := trace.New("holo-1", "observation", nil, trace.ImportanceCritical)
	low := trace.New("holo-1", "observation", nil, trace.ImportanceLow)
	require.NoError(t, e.Store(crit, "holo-1", trace.ImportanceCritical))
	require.NoError(t, e.Store(low, "holo-1", trace.ImportanceLow))

	// 3 minutes idle: past the low windows (15s) on both tiers, inside the
	// critical window (4m).
	backdate(e, "holo-1", crit.ID, 3*time.Minute)
	backdate(e, "holo-1", low.ID, 3*time.Minute)
	require.NoError(t, e.AgeTraces())

	st, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.HotCount, "critical should still be hot")
	assert.Equal(t, 1, st.ColdCount, "low should have fallen to cold")

	_, found, err := e.table.Get(crit.ID)
	require.NoError(t, err)
	assert.False(t, found, "critical must not reach cold before low")
}

func TestQuerySpansTiersWithoutDuplicates(t *testing.T) {
	e := newTestEngine(t, Config{HotWindow: time.Minute, WarmWindow: 10 * time.Minute})

	hotTr := trace.New("holo-1", "decision", nil, trace.ImportanceNormal)
	warmTr := trace.New("holo-1", "decision", nil, trace.ImportanceNormal)
	coldTr := trace.New("holo-1", "decision", nil, trace.ImportanceNormal)
	other := trace.New("holo-1", "observation", nil, trace.ImportanceNormal)

	for _, tr := range []trace.Trace{hotTr, warmTr, coldTr, other} {
		require.NoError(t, e.Store(tr, "holo-1", tr.Importance))
	}

	// Send coldTr to cold and warmTr to warm.
	backdate(e, "holo-1", coldTr.ID, 24*time.Hour)
	require.NoError(t, e.AgeTraces())
	backdate(e, "holo-1", warmTr.ID, 2*time.Minute)
	require.NoError(t, e.AgeTraces())

	st, err := e.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, st.WarmCount)
	require.Equal(t, 1, st.ColdCount)

	got, err := e.Query("decision", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 3)

	seen := map[string]bool{}
	for _, tr := range got {
		assert.False(t, seen[tr.ID], "duplicate id %s", tr.ID)
		seen[tr.ID] = true
		assert.Equal(t, "decision", tr.Purpose)
	}
}

func TestQueryRespectsLimit(t *testing.T) {
	e := newTestEngine(t, Config{})

	for i := 0; i < 10; i++ {
		tr := trace.New("holo-1", "observation", nil, trace.ImportanceNormal)
		require.NoError(t, e.Store(tr, "holo-1", trace.ImportanceNormal))
	}

	got, err := e.Query("observation", QueryOptions{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestQueryScopedToHologram(t *testing.T) {
	e := newTestEngine(t, Config{})

	mine := trace.New("holo-1", "observation", nil, trace.ImportanceNormal)
	theirs := trace.New("holo-2", "observation", nil, trace.ImportanceNormal)
	require.NoError(t, e.Store(mine, "holo-1", trace.ImportanceNormal))
	require.NoError(t, e.Store(theirs, "holo-2", trace.ImportanceNormal))

	got, err := e.Query("observation", QueryOptions{HologramID: "holo-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID, got[0].ID)
}

func TestAttachNodeGrowsFragmentsAndRebalances(t *testing.T) {
	e := newTestEngine(t, Config{HotWindow: time.Minute, WarmWindow: time.Minute})
	assert.Equal(t, minFragments, e.part.Fragments())

	// Park some traces in cold.
	var ids []string
	for i := 0; i < 8; i++ {
		tr := trace.New("holo-1", "observation", nil, trace.ImportanceNormal)
		ids = append(ids, tr.ID)
		require.NoError(t, e.Store(tr, "holo-1", trace.ImportanceNormal))
		backdate(e, "holo-1", tr.ID, 24*time.Hour)
	}
	require.NoError(t, e.AgeTraces())

	for _, n := range []string{"node-b", "node-c", "node-d"} {
		require.NoError(t, e.AttachNode(n))
	}
	assert.Equal(t, 8, e.part.Fragments())

	// Every record sits in the fragment the new topology assigns it.
	recs, err := e.table.Select(Selector{})
	require.NoError(t, err)
	require.Len(t, recs, len(ids))
	for _, rec := range recs {
		assert.Equal(t, fragmentOf(rec.TraceID, 8), rec.Fragment)
	}
}

func TestReleaseHotKeepsTracesReachable(t *testing.T) {
	e := newTestEngine(t, Config{})

	tr := trace.New("holo-1", "observation", nil, trace.ImportanceNormal)
	require.NoError(t, e.Store(tr, "holo-1", trace.ImportanceNormal))

	e.ReleaseHot("holo-1")

	got, err := e.Retrieve(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, got.ID)

	st, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, st.HotCount)
	assert.Equal(t, 1, st.WarmCount)
}

func TestStoreUnavailableSurfacedForCritical(t *testing.T) {
	table, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)

	e, err := NewEngine(table, Config{HotWindow: time.Minute, WarmWindow: time.Minute}, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	require.NoError(t, e.AttachNode("node-a"))

	tr := trace.New("holo-1", "decision", nil, trace.ImportanceCritical)
	require.NoError(t, e.Store(tr, "holo-1", trace.ImportanceCritical))
	backdate(e, "holo-1", tr.ID, 24*time.Hour)

	// Kill the table store under the engine.
	require.NoError(t, table.Close())

	err = e.AgeTraces()
	assert.True(t, errors.Is(err, ErrUnavailable), "err = %v, want ErrUnavailable", err)
}
