package store

import (
	"github.com/kudzu-systems/kudzu/internal/trace"
)

// Record is the flattened, row-shaped form a trace takes in the cold tier.
// Replicated traces appear as multiple rows with distinct host IDs.
type Record struct {
	TraceID    string
	HostID     string
	HologramID string
	Purpose    string
	Origin     string
	Importance trace.Importance
	Fragment   int
	Body       []byte // full trace JSON
	CreatedAt  int64
}

// Selector is the predicate shape for Select. Zero-value fields match
// everything; Limit of 0 means unbounded.
type Selector struct {
	Purpose    string
	HologramID string
	Limit      int
}

// TableStore is the narrow interface the tiering policy needs from the
// distributed, hash-partitioned table store backing the cold tier. Keeping it
// this small lets the tiering and replication policy be tested independent of
// which concrete store backs it.
type TableStore interface {
	// Put writes one record atomically, replacing any existing row with the
	// same (trace, host) key.
	Put(rec Record) error
	// Get returns a record for the trace ID, from any hosting replica.
	Get(traceID string) (Record, bool, error)
	// Select returns records matching the selector, one row per trace.
	Select(sel Selector) ([]Record, error)
	// Delete removes all replica rows for a trace.
	Delete(traceID string) error
	// UpdateFragment reassigns a trace's fragment after the fragment set grows.
	UpdateFragment(traceID string, fragment int) error
	// AddHost registers a node as a partition host.
	AddHost(hostID string) error
	// Hosts lists registered partition hosts in join order.
	Hosts() ([]string, error)
	// CountTraces returns the number of distinct traces stored.
	CountTraces() (int, error)
	// CountRows returns the total row count including replicas.
	CountRows() (int, error)
	Close() error
}

// HintArchive persists erasure-coded shards of large reconstruction hints.
// Implemented by stores that can spread shards across hosts.
type HintArchive interface {
	PutShard(traceID string, index, originalSize int, hostID string, data []byte) error
	// Shards returns the shard slice padded with nils at missing indexes,
	// plus the original payload size.
	Shards(traceID string) ([][]byte, int, error)
}
