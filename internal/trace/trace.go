// Package trace defines the navigational memory record exchanged across the
// Kudzu hologram mesh. A trace does not carry the full observed context;
// it records what was observed, why, and how to find it again — the purpose
// tag, the provenance path, a reconstruction hint, and a vector clock for
// causal ordering.
package trace

import (
	"time"

	"github.com/google/uuid"
)

// Importance governs how aggressively a trace ages toward the cold tier and
// how many replicas its cold copy gets.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceNormal   Importance = "normal"
	ImportanceLow      Importance = "low"
)

// Valid reports whether imp is one of the three known levels.
func (imp Importance) Valid() bool {
	switch imp {
	case ImportanceCritical, ImportanceNormal, ImportanceLow:
		return true
	}
	return false
}

// Trace is an immutable record of an observation. ID and Origin never change
// after creation and Path grows by append only. A Trace is treated as a value
// type: propagation always hands off an independent copy, never a shared
// mutable reference.
//
// CreatedAt, LastAccessed, and AccessCount are owned by the storage engine
// and are the only fields it mutates.
type Trace struct {
	ID                 string         `json:"id"`
	Origin             string         `json:"origin"`
	Purpose            string         `json:"purpose"`
	Path               []string       `json:"path"`
	ReconstructionHint map[string]any `json:"reconstruction_hint,omitempty"`
	Clock              VectorClock    `json:"timestamp"`
	CreatedAt          int64          `json:"created_at"`
	LastAccessed       int64          `json:"last_accessed,omitempty"`
	AccessCount        int            `json:"access_count,omitempty"`
	Importance         Importance     `json:"importance"`
}

// New creates a trace originated by the given hologram: a fresh ID, a path
// seeded with the origin, and a clock with the origin's counter ticked once.
func New(origin, purpose string, hint map[string]any, imp Importance) Trace {
	return NewFromClock(origin, purpose, hint, imp, nil)
}

// NewFromClock is New with the clock seeded from base (typically the
// originating hologram's current clock). The base is cloned, never aliased.
func NewFromClock(origin, purpose string, hint map[string]any, imp Importance, base VectorClock) Trace {
	if !imp.Valid() {
		imp = ImportanceNormal
	}
	clk := base.Clone()
	clk.Tick(origin)
	return Trace{
		ID:                 uuid.NewString(),
		Origin:             origin,
		Purpose:            purpose,
		Path:               []string{origin},
		ReconstructionHint: hint,
		Clock:              clk,
		CreatedAt:          time.Now().UnixMilli(),
		Importance:         imp,
	}
}

// Clone returns a deep copy of the trace. Path, hint, and clock are all
// independent of the original.
func (t Trace) Clone() Trace {
	cp := t
	cp.Path = append([]string(nil), t.Path...)
	if t.ReconstructionHint != nil {
		hint := make(map[string]any, len(t.ReconstructionHint))
		for k, v := range t.ReconstructionHint {
			hint[k] = v
		}
		cp.ReconstructionHint = hint
	}
	cp.Clock = t.Clock.Clone()
	return cp
}

// WithHop returns a copy of the trace with id appended to its path. The
// original path is never modified in place.
func (t Trace) WithHop(id string) Trace {
	cp := t.Clone()
	cp.Path = append(cp.Path, id)
	return cp
}

// Visited reports whether id already appears on the trace's path.
func (t Trace) Visited(id string) bool {
	for _, hop := range t.Path {
		if hop == id {
			return true
		}
	}
	return false
}
