// Package store implements the tiered trace storage engine: per-hologram hot
// sets in memory, a shared warm set for demoted traces, and a cluster-wide
// cold tier of flattened rows hash-partitioned across mesh nodes with
// importance-driven replication.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/kudzu-systems/kudzu/internal/trace"
)

var (
	// ErrNotFound means no tier holds the requested trace.
	ErrNotFound = errors.New("store: trace not found")
	// ErrUnavailable means the partitioned table store could not complete a
	// transaction. For critical traces this is surfaced hard, since it
	// implies possible data loss.
	ErrUnavailable = errors.New("store: table store unavailable")
)

// Config tunes the tiering policy.
type Config struct {
	// HotLimit is the soft bound on each hologram's hot set.
	HotLimit int
	// HotWindow is how long an untouched trace stays hot, before the
	// importance multiplier is applied.
	HotWindow time.Duration
	// WarmWindow is how long an untouched trace stays warm, before the
	// importance multiplier is applied.
	WarmWindow time.Duration
	// CriticalReplicas is the cold-tier replica target for critical traces.
	// Normal and low traces get a single owning shard; they are expected to
	// be reconstructible from path and hint rather than redundantly stored.
	CriticalReplicas int
	// ArchiveThreshold is the hint size in bytes above which a critical
	// trace's hint is additionally erasure-coded across hosts. 0 disables.
	ArchiveThreshold int
}

func (c Config) withDefaults() Config {
	if c.HotLimit <= 0 {
		c.HotLimit = 100
	}
	if c.HotWindow <= 0 {
		c.HotWindow = 5 * time.Minute
	}
	if c.WarmWindow <= 0 {
		c.WarmWindow = 30 * time.Minute
	}
	if c.CriticalReplicas <= 0 {
		c.CriticalReplicas = 3
	}
	return c
}

// retentionMultiplier scales the aging windows per importance: critical
// traces linger, low-importance traces fall through fastest.
func retentionMultiplier(imp trace.Importance) float64 {
	switch imp {
	case trace.ImportanceCritical:
		return 4.0
	case trace.ImportanceLow:
		return 0.25
	}
	return 1.0
}

// entry is a live trace in the hot or warm tier.
type entry struct {
	tr           trace.Trace
	hologramID   string
	lastAccessed time.Time
}

// Stats summarizes tier and partition state.
type Stats struct {
	HotCount    int `json:"hot_count"`
	WarmCount   int `json:"warm_count"`
	ColdCount   int `json:"cold_count"`
	ColdRows    int `json:"cold_rows"` // includes replicas
	Fragments   int `json:"fragments"`
	Hosts       int `json:"hosts"`
	HologramIDs int `json:"hologram_sets"`
}

// QueryOptions bound and scope a cross-tier query.
type QueryOptions struct {
	// HologramID restricts matches to traces stored by one hologram.
	HologramID string
	// Limit caps the result count; 0 means unbounded.
	Limit int
}

// Engine is the tiered storage engine. New writes land hot; aging passes
// demote hot to warm and warm to cold according to access recency and
// importance. Cold reads are served in place through a read cache — tier
// placement only ever changes during an aging pass.
type Engine struct {
	table   TableStore
	archive HintArchive // nil when the table store can't host shards
	part    *Partitioner
	cache   *ristretto.Cache
	log     *zap.Logger

	mu   sync.Mutex
	hot  map[string]map[string]*entry
	warm map[string]*entry
	cfg  Config
}

// NewEngine creates an engine over the given table store. If the store also
// implements HintArchive, hint archiving is enabled.
func NewEngine(table TableStore, cfg Config, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 14,
		MaxCost:     8 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create read cache: %w", err)
	}

	e := &Engine{
		table: table,
		part:  NewPartitioner(),
		cache: cache,
		log:   log,
		hot:   make(map[string]map[string]*entry),
		warm:  make(map[string]*entry),
		cfg:   cfg.withDefaults(),
	}
	if a, ok := table.(HintArchive); ok {
		e.archive = a
	}
	return e, nil
}

// AttachNode initializes this engine's participation for a mesh node: the
// node becomes a schema replica and fragment host, the fragment count is
// re-derived from the new cluster size, and existing cold records are
// rehashed onto the grown fragment set before the attach returns. Topology
// changes are serialized against reads and writes.
func (e *Engine) AttachNode(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.table.AddHost(nodeID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	before := e.part.Fragments()
	after := e.part.AddHost(nodeID)
	if after == before {
		return nil
	}

	// Rehash every stored trace onto the new fragment set.
	recs, err := e.table.Select(Selector{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	moved := 0
	for _, rec := range recs {
		frag := fragmentOf(rec.TraceID, after)
		if frag == rec.Fragment {
			continue
		}
		if err := e.table.UpdateFragment(rec.TraceID, frag); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		moved++
	}
	e.log.Info("fragment set grown",
		zap.String("node", nodeID),
		zap.Int("fragments", after),
		zap.Int("rebalanced", moved))
	return nil
}

// Store writes a trace into the owning hologram's hot set at the given
// importance. The engine keeps its own copy and stamps the access metadata.
func (e *Engine) Store(tr trace.Trace, hologramID string, imp trace.Importance) error {
	if tr.ID == "" {
		return fmt.Errorf("store: trace has no id")
	}
	if !imp.Valid() {
		imp = trace.ImportanceNormal
	}

	now := time.Now()
	cp := tr.Clone()
	cp.Importance = imp
	if cp.CreatedAt == 0 {
		cp.CreatedAt = now.UnixMilli()
	}
	cp.LastAccessed = now.UnixMilli()

	e.mu.Lock()
	defer e.mu.Unlock()

	set, ok := e.hot[hologramID]
	if !ok {
		set = make(map[string]*entry)
		e.hot[hologramID] = set
	}
	set[cp.ID] = &entry{tr: cp, hologramID: hologramID, lastAccessed: now}
	// A re-stored trace no longer belongs in warm.
	delete(e.warm, cp.ID)
	return nil
}

// Retrieve returns a trace by ID from whichever tier holds it. Hot and warm
// hits refresh the access metadata; cold hits are served in place.
func (e *Engine) Retrieve(traceID string) (trace.Trace, error) {
	now := time.Now()

	e.mu.Lock()
	for _, set := range e.hot {
		if ent, ok := set[traceID]; ok {
			ent.lastAccessed = now
			ent.tr.LastAccessed = now.UnixMilli()
			ent.tr.AccessCount++
			out := ent.tr.Clone()
			e.mu.Unlock()
			return out, nil
		}
	}
	if ent, ok := e.warm[traceID]; ok {
		ent.lastAccessed = now
		ent.tr.LastAccessed = now.UnixMilli()
		ent.tr.AccessCount++
		out := ent.tr.Clone()
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	if v, ok := e.cache.Get(traceID); ok {
		if tr, ok := v.(trace.Trace); ok {
			return tr.Clone(), nil
		}
	}

	rec, found, err := e.table.Get(traceID)
	if err != nil {
		return trace.Trace{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !found {
		return trace.Trace{}, ErrNotFound
	}
	tr, err := decodeBody(rec.Body)
	if err != nil {
		return trace.Trace{}, err
	}
	e.cache.Set(traceID, tr.Clone(), int64(len(rec.Body)))
	return tr, nil
}

// Query returns the union, without duplicate IDs, of matches across the hot,
// warm, and cold tiers, bounded by opts.Limit. Hot matches come first.
func (e *Engine) Query(purpose string, opts QueryOptions) ([]trace.Trace, error) {
	limit := opts.Limit

	var out []trace.Trace
	seen := make(map[string]bool)
	add := func(tr trace.Trace) bool {
		if seen[tr.ID] {
			return true
		}
		seen[tr.ID] = true
		out = append(out, tr)
		return limit <= 0 || len(out) < limit
	}

	e.mu.Lock()
	for hid, set := range e.hot {
		if opts.HologramID != "" && hid != opts.HologramID {
			continue
		}
		for _, ent := range sortedByRecency(set) {
			if ent.tr.Purpose != purpose {
				continue
			}
			if !add(ent.tr.Clone()) {
				e.mu.Unlock()
				return out, nil
			}
		}
	}
	for _, ent := range sortedByRecency(e.warm) {
		if ent.tr.Purpose != purpose {
			continue
		}
		if opts.HologramID != "" && ent.hologramID != opts.HologramID {
			continue
		}
		if !add(ent.tr.Clone()) {
			e.mu.Unlock()
			return out, nil
		}
	}
	e.mu.Unlock()

	recs, err := e.table.Select(Selector{Purpose: purpose, HologramID: opts.HologramID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, rec := range recs {
		tr, err := decodeBody(rec.Body)
		if err != nil {
			e.log.Warn("skipping undecodable cold record", zap.String("trace", rec.TraceID), zap.Error(err))
			continue
		}
		if !add(tr) {
			break
		}
	}
	return out, nil
}

// AgeTraces forces a tiering pass: hot sets shed entries that outlived their
// window or overflow the bound, and warm entries past their window fall to
// cold. Calling it twice with no intervening writes yields the same
// placement both times.
func (e *Engine) AgeTraces() error {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Hot -> warm: window expiry first, then bound overflow oldest-first.
	for hid, set := range e.hot {
		for id, ent := range set {
			window := time.Duration(float64(e.cfg.HotWindow) * retentionMultiplier(ent.tr.Importance))
			if now.Sub(ent.lastAccessed) > window {
				e.warm[id] = ent
				delete(set, id)
			}
		}
		if len(set) > e.cfg.HotLimit {
			for _, ent := range oldestFirst(set)[:len(set)-e.cfg.HotLimit] {
				e.warm[ent.tr.ID] = ent
				delete(set, ent.tr.ID)
			}
		}
		if len(set) == 0 {
			delete(e.hot, hid)
		}
	}

	// Warm -> cold: importance scales the window, so a critical trace never
	// reaches cold before a low one created at the same time.
	var firstErr error
	for id, ent := range e.warm {
		window := time.Duration(float64(e.cfg.WarmWindow) * retentionMultiplier(ent.tr.Importance))
		if now.Sub(ent.lastAccessed) <= window {
			continue
		}
		if err := e.writeCold(ent); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(e.warm, id)
	}
	return firstErr
}

// writeCold fans a trace out to its fragment's replica hosts. A failed write
// for a critical trace is surfaced as ErrUnavailable; for normal and low
// traces it is logged and the trace is treated as reconstructible from its
// path and hint. Caller holds the engine lock.
func (e *Engine) writeCold(ent *entry) error {
	body, err := json.Marshal(ent.tr)
	if err != nil {
		return fmt.Errorf("marshal trace %s: %w", ent.tr.ID, err)
	}

	replicas := 1
	if ent.tr.Importance == trace.ImportanceCritical {
		replicas = e.cfg.CriticalReplicas
	}
	fragment := e.part.FragmentFor(ent.tr.ID)
	hosts := e.part.HostsFor(fragment, replicas)
	if len(hosts) == 0 {
		hosts = []string{"local"}
	}

	for _, host := range hosts {
		rec := Record{
			TraceID:    ent.tr.ID,
			HostID:     host,
			HologramID: ent.hologramID,
			Purpose:    ent.tr.Purpose,
			Origin:     ent.tr.Origin,
			Importance: ent.tr.Importance,
			Fragment:   fragment,
			Body:       body,
			CreatedAt:  ent.tr.CreatedAt,
		}
		if err := e.table.Put(rec); err != nil {
			if ent.tr.Importance == trace.ImportanceCritical {
				return fmt.Errorf("%w: cold write for critical trace %s: %v", ErrUnavailable, ent.tr.ID, err)
			}
			e.log.Warn("cold write failed; trace remains reconstructible",
				zap.String("trace", ent.tr.ID),
				zap.String("importance", string(ent.tr.Importance)),
				zap.Error(err))
			return nil
		}
	}

	if e.archive != nil && e.cfg.ArchiveThreshold > 0 &&
		ent.tr.Importance == trace.ImportanceCritical && ent.tr.ReconstructionHint != nil {
		if hintJSON, err := json.Marshal(ent.tr.ReconstructionHint); err == nil &&
			len(hintJSON) >= e.cfg.ArchiveThreshold {
			if err := archiveHint(e.archive, e.part.Hosts(), ent.tr.ID, ent.tr.ReconstructionHint); err != nil {
				e.log.Warn("hint archive failed", zap.String("trace", ent.tr.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// RestoreHint rebuilds an archived reconstruction hint from surviving
// erasure shards.
func (e *Engine) RestoreHint(traceID string) (map[string]any, error) {
	if e.archive == nil {
		return nil, fmt.Errorf("restore hint: %w", ErrNotFound)
	}
	return restoreHint(e.archive, traceID)
}

// Stats reports tier occupancy and partition topology.
func (e *Engine) Stats() (Stats, error) {
	e.mu.Lock()
	hot := 0
	for _, set := range e.hot {
		hot += len(set)
	}
	st := Stats{
		HotCount:    hot,
		WarmCount:   len(e.warm),
		HologramIDs: len(e.hot),
	}
	e.mu.Unlock()

	cold, err := e.table.CountTraces()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	rows, err := e.table.CountRows()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	st.ColdCount = cold
	st.ColdRows = rows
	st.Fragments = e.part.Fragments()
	st.Hosts = len(e.part.Hosts())
	return st, nil
}

// ReleaseHot drops a stopped hologram's hot set. Warm and cold copies of its
// traces persist independently.
func (e *Engine) ReleaseHot(hologramID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ent := range e.hot[hologramID] {
		e.warm[id] = ent
	}
	delete(e.hot, hologramID)
}

// Close releases the read cache.
func (e *Engine) Close() {
	e.cache.Close()
}

func decodeBody(body []byte) (trace.Trace, error) {
	var tr trace.Trace
	if err := json.Unmarshal(body, &tr); err != nil {
		return trace.Trace{}, fmt.Errorf("decode trace body: %w", err)
	}
	return tr, nil
}

// sortedByRecency orders entries most recently accessed first, for stable
// query output.
func sortedByRecency(set map[string]*entry) []*entry {
	out := make([]*entry, 0, len(set))
	for _, ent := range set {
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].lastAccessed.Equal(out[j].lastAccessed) {
			return out[i].tr.ID < out[j].tr.ID
		}
		return out[i].lastAccessed.After(out[j].lastAccessed)
	})
	return out
}

// oldestFirst orders entries least recently accessed first, for bound
// overflow demotion.
func oldestFirst(set map[string]*entry) []*entry {
	out := sortedByRecency(set)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
