package trace

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	// Equal means both clocks have identical components.
	Equal Ordering = iota
	// Before means the receiver causally precedes the other clock.
	Before
	// After means the receiver causally follows the other clock.
	After
	// Concurrent means neither clock precedes the other.
	Concurrent
)

// String returns a human-readable name for the ordering.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return "unknown"
}

// VectorClock maps a hologram ID to a monotonically increasing counter.
// Only the owning hologram ever increments its own component; everyone else
// merges. On the wire the clock is serialized under the "timestamp" field,
// which external consumers read as a recency signal.
type VectorClock map[string]uint64

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Tick increments the component owned by id and returns the new value.
func (vc VectorClock) Tick(id string) uint64 {
	vc[id]++
	return vc[id]
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, n := range vc {
		out[id] = n
	}
	return out
}

// Merge returns the pointwise maximum of vc and other. The operation is
// commutative, associative, and idempotent; neither input is modified.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for id, n := range other {
		if n > out[id] {
			out[id] = n
		}
	}
	return out
}

// Compare establishes the causal relationship between vc and other.
// vc happens-before other iff every component of vc is <= the matching
// component of other and at least one is strictly less.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	vcLess := false    // some component of vc < other
	otherLess := false // some component of other < vc

	for id, n := range vc {
		m := other[id]
		if n < m {
			vcLess = true
		} else if n > m {
			otherLess = true
		}
	}
	for id, m := range other {
		if _, ok := vc[id]; !ok && m > 0 {
			vcLess = true
		}
	}

	switch {
	case vcLess && otherLess:
		return Concurrent
	case vcLess:
		return Before
	case otherLess:
		return After
	}
	return Equal
}
