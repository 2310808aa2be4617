// Package hologram implements the agents that populate a Kudzu mesh. Each
// hologram is specialized by purpose, owns a vector clock and a scored peer
// table, and persists every trace it records or receives through the shared
// storage engine.
package hologram

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kudzu-systems/kudzu/internal/store"
	"github.com/kudzu-systems/kudzu/internal/trace"
)

var (
	// ErrStopped is returned by every operation on a stopped hologram.
	ErrStopped = errors.New("hologram stopped")
	// ErrNotFound is returned when a hologram id is not hosted locally.
	ErrNotFound = errors.New("hologram not found")
)

const (
	// neutralScore is the score a freshly introduced peer starts at.
	neutralScore = 1.0
	// maxScore caps reward accumulation so long-lived peers cannot become
	// unevictable from the gossip ranking.
	maxScore = 10.0
	// decayFactor halves a peer's score on timeout or delivery failure.
	decayFactor = 0.5
)

// Peer is one entry of a hologram's ranked peer table.
type Peer struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Hologram is a purpose-specialized agent. All mutable state (clock, peer
// table) is owned by a single goroutine; operations are request/reply over
// the mailbox, so per-agent serialization needs no lock discipline.
type Hologram struct {
	id      string
	purpose string
	engine  *store.Engine
	log     *zap.Logger

	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	// Owned by the run loop. Never touched from outside it.
	clock     trace.VectorClock
	peers     map[string]float64
	peerOrder []string
}

// Spawn creates a hologram and starts its goroutine. The id is assigned, not
// chosen: identity is internal to the mesh.
func Spawn(purpose string, engine *store.Engine, log *zap.Logger) *Hologram {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hologram{
		id:      uuid.NewString(),
		purpose: purpose,
		engine:  engine,
		log:     log,
		mailbox: make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		clock:   make(trace.VectorClock),
		peers:   make(map[string]float64),
	}
	go h.run()
	return h
}

func (h *Hologram) run() {
	defer close(h.done)
	for {
		select {
		case fn := <-h.mailbox:
			fn()
		case <-h.quit:
			return
		}
	}
}

// do runs fn on the hologram's goroutine and waits for it to finish.
func (h *Hologram) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case h.mailbox <- func() { fn(); close(ran) }:
	case <-h.done:
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// ID returns the hologram's mesh identity.
func (h *Hologram) ID() string { return h.id }

// Purpose returns the hologram's specialization tag.
func (h *Hologram) Purpose() string { return h.purpose }

// Stop terminates the hologram's goroutine. Idempotent; all subsequent
// operations return ErrStopped.
func (h *Hologram) Stop() {
	h.once.Do(func() { close(h.quit) })
	<-h.done
}

// Stopped reports whether the hologram has been stopped.
func (h *Hologram) Stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// IntroducePeer adds a peer at the neutral score. Introduction is one-way:
// the peer learns nothing about this hologram. Re-introducing a known peer
// does not reset its earned score.
func (h *Hologram) IntroducePeer(peerID string) error {
	if peerID == h.id {
		return nil
	}
	return h.do(func() {
		if _, ok := h.peers[peerID]; ok {
			return
		}
		h.peers[peerID] = neutralScore
		h.peerOrder = append(h.peerOrder, peerID)
	})
}

// RecordTrace creates and stores a trace originated by this hologram. The
// trace's clock is seeded from the hologram's clock, and the hologram's
// clock advances to match.
func (h *Hologram) RecordTrace(purpose string, hint map[string]any, imp trace.Importance) (trace.Trace, error) {
	if purpose == "" {
		purpose = h.purpose
	}
	var tr trace.Trace
	err := h.do(func() {
		tr = trace.NewFromClock(h.id, purpose, hint, imp, h.clock)
		h.clock = tr.Clock.Clone()
	})
	if err != nil {
		return trace.Trace{}, err
	}
	if err := h.engine.Store(tr, h.id, tr.Importance); err != nil {
		return trace.Trace{}, err
	}
	return tr, nil
}

// ReceiveTrace ingests a trace shared by another hologram: the local clock
// merges with the trace's clock and ticks, the local id is appended to the
// trace's path, and the stamped copy is stored. A non-empty senderID earns
// the sender a score reward.
func (h *Hologram) ReceiveTrace(tr trace.Trace, senderID string) (trace.Trace, error) {
	var stamped trace.Trace
	err := h.do(func() {
		h.clock = h.clock.Merge(tr.Clock)
		h.clock.Tick(h.id)
		stamped = tr.WithHop(h.id)
		if senderID != "" {
			h.rewardLocked(senderID)
		}
	})
	if err != nil {
		return trace.Trace{}, err
	}
	if err := h.engine.Store(stamped, h.id, stamped.Importance); err != nil {
		return trace.Trace{}, err
	}
	return stamped, nil
}

// Recall returns up to limit traces matching purpose from this hologram's
// slice of the store, newest first. limit <= 0 means no bound.
func (h *Hologram) Recall(purpose string, limit int) ([]trace.Trace, error) {
	if h.Stopped() {
		return nil, ErrStopped
	}
	return h.engine.Query(purpose, store.QueryOptions{HologramID: h.id, Limit: limit})
}

// RewardPeer bumps a peer's score by one, capped.
func (h *Hologram) RewardPeer(peerID string) error {
	return h.do(func() { h.rewardLocked(peerID) })
}

// rewardLocked must run on the hologram's goroutine.
func (h *Hologram) rewardLocked(peerID string) {
	score, ok := h.peers[peerID]
	if !ok {
		return
	}
	score += 1.0
	if score > maxScore {
		score = maxScore
	}
	h.peers[peerID] = score
}

// DecayPeer halves a peer's score after a timeout or delivery failure. The
// peer stays in the table: scoring ranks gossip candidates, it never severs
// connectivity.
func (h *Hologram) DecayPeer(peerID string) error {
	return h.do(func() {
		if score, ok := h.peers[peerID]; ok {
			h.peers[peerID] = score * decayFactor
		}
	})
}

// Peers returns the peer table ranked by score descending, introduction
// order breaking ties.
func (h *Hologram) Peers() ([]Peer, error) {
	var out []Peer
	err := h.do(func() {
		out = make([]Peer, 0, len(h.peerOrder))
		for _, id := range h.peerOrder {
			out = append(out, Peer{ID: id, Score: h.peers[id]})
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clock returns a snapshot of the hologram's vector clock.
func (h *Hologram) Clock() (trace.VectorClock, error) {
	var clk trace.VectorClock
	err := h.do(func() { clk = h.clock.Clone() })
	if err != nil {
		return nil, err
	}
	return clk, nil
}
