package mesh

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/kudzu-systems/kudzu/internal/hologram"
	"github.com/kudzu-systems/kudzu/internal/trace"
)

// queryFanout bounds how many peers a hologram consults per gossip hop,
// picked from the top of its score ranking.
const queryFanout = 5

// Coordinator builds hologram networks and runs mesh-wide operations over
// the local registry.
type Coordinator struct {
	registry *hologram.Registry
	log      *zap.Logger
}

// NewCoordinator creates a coordinator over a registry.
func NewCoordinator(registry *hologram.Registry, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{registry: registry, log: log}
}

// CreateNetwork spawns size holograms and introduces each to
// min(connectionsPerNode, size-1) distinct peers chosen uniformly at random.
// Introductions are one-directional, so the resulting topology is a random
// directed graph, not a symmetric one. Purposes are assigned round-robin;
// an empty list spawns every hologram as "general".
func (c *Coordinator) CreateNetwork(size, connectionsPerNode int, purposes []string) ([]*hologram.Hologram, error) {
	if size <= 0 {
		return nil, fmt.Errorf("network size must be positive, got %d", size)
	}
	if len(purposes) == 0 {
		purposes = []string{"general"}
	}

	spawned := make([]*hologram.Hologram, size)
	ids := make([]string, size)
	for i := 0; i < size; i++ {
		spawned[i] = c.registry.Spawn(purposes[i%len(purposes)])
		ids[i] = spawned[i].ID()
	}

	degree := connectionsPerNode
	if degree > size-1 {
		degree = size - 1
	}

	p := pool.New().WithMaxGoroutines(runtime.GOMAXPROCS(0)).WithErrors()
	for _, h := range spawned {
		h := h
		p.Go(func() error {
			candidates := make([]string, 0, size-1)
			for _, id := range ids {
				if id != h.ID() {
					candidates = append(candidates, id)
				}
			}
			rand.Shuffle(len(candidates), func(i, j int) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			})
			for _, peer := range candidates[:degree] {
				if err := h.IntroducePeer(peer); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("wiring network: %w", err)
	}

	c.log.Info("network created",
		zap.Int("holograms", size),
		zap.Int("connections_per_node", degree))
	return spawned, nil
}

// BroadcastTrace delivers a trace to every local hologram whose purpose
// matches, skipping holograms already on the trace's path. Deliveries run
// concurrently and failures are logged, not propagated; the return value is
// the number of holograms that accepted the trace.
func (c *Coordinator) BroadcastTrace(tr trace.Trace, purpose string) (int, error) {
	targets := c.registry.FindByPurpose(purpose)
	var delivered atomic.Int64

	p := pool.New().WithMaxGoroutines(runtime.GOMAXPROCS(0))
	for _, h := range targets {
		h := h
		if tr.Visited(h.ID()) {
			continue
		}
		p.Go(func() {
			if _, err := h.ReceiveTrace(tr, tr.Origin); err != nil {
				c.log.Warn("broadcast delivery failed",
					zap.String("hologram", h.ID()), zap.Error(err))
				return
			}
			delivered.Add(1)
		})
	}
	p.Wait()
	return int(delivered.Load()), nil
}

// NetworkQuery runs a hop-limited depth-first gossip query starting at a
// hologram. The start hologram recalls locally first; if that satisfies
// maxResults the query never leaves the node. Otherwise each hop consults up
// to queryFanout peers in score order with a decremented hop budget. A
// visited set per recursion path keeps cycles from looping; results are
// deduplicated by trace id and truncated to maxResults.
func (c *Coordinator) NetworkQuery(startID, purpose string, maxHops, maxResults int) ([]trace.Trace, error) {
	if _, err := c.registry.FindByID(startID); err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	visited := make(map[string]bool)
	results := c.query(startID, purpose, maxHops, maxResults, visited, seen)
	return results, nil
}

// query recurses depth-first. visited is the current recursion path and is
// unmarked on backtrack; seen holds trace ids already collected so branches
// never contribute duplicates.
func (c *Coordinator) query(id, purpose string, hops, budget int, visited, seen map[string]bool) []trace.Trace {
	if budget <= 0 || visited[id] {
		return nil
	}
	visited[id] = true
	defer delete(visited, id)

	h, err := c.registry.FindByID(id)
	if err != nil {
		// An unreachable hologram is an empty branch, not a failure.
		return nil
	}

	var out []trace.Trace
	local, err := h.Recall(purpose, budget)
	if err != nil {
		local = nil
	}
	for _, tr := range local {
		if seen[tr.ID] {
			continue
		}
		seen[tr.ID] = true
		out = append(out, tr)
		if len(out) == budget {
			return out
		}
	}
	if hops <= 0 {
		return out
	}

	peers, err := h.Peers()
	if err != nil {
		return out
	}
	if len(peers) > queryFanout {
		peers = peers[:queryFanout]
	}
	for _, peer := range peers {
		sub := c.query(peer.ID, purpose, hops-1, budget-len(out), visited, seen)
		out = append(out, sub...)
		if len(out) >= budget {
			return out[:budget]
		}
	}
	return out
}
