package store

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// minFragments is the floor for the fragment count regardless of cluster size.
const minFragments = 4

// Partitioner maps trace IDs onto cold-tier fragments and fragments onto
// hosting nodes. The fragment count is re-derived from the cluster size on
// every join rather than fixed up front, so small meshes stay coarse and
// growing meshes spread out.
type Partitioner struct {
	mu        sync.RWMutex
	hosts     []string
	fragments int
}

// NewPartitioner creates a partitioner with no hosts and the minimum
// fragment count.
func NewPartitioner() *Partitioner {
	return &Partitioner{fragments: minFragments}
}

// AddHost registers a node as a fragment host and re-derives the fragment
// count. Returns the new fragment count. Re-adding a known host is a no-op.
func (p *Partitioner) AddHost(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range p.hosts {
		if h == id {
			return p.fragments
		}
	}
	p.hosts = append(p.hosts, id)
	p.fragments = fragmentCount(len(p.hosts))
	return p.fragments
}

// fragmentCount derives the fragment count from the number of hosts.
func fragmentCount(hosts int) int {
	n := 2 * hosts
	if n < minFragments {
		n = minFragments
	}
	return n
}

// FragmentFor returns the fragment a trace belongs to: SHA-256 of the trace
// ID reduced modulo the current fragment count.
func (p *Partitioner) FragmentFor(traceID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fragmentOf(traceID, p.fragments)
}

func fragmentOf(traceID string, fragments int) int {
	sum := sha256.Sum256([]byte(traceID))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(fragments))
}

// HostsFor returns up to replicas distinct hosts responsible for a fragment,
// walking the host ring from the fragment's anchor position.
func (p *Partitioner) HostsFor(fragment, replicas int) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.hosts) == 0 {
		return nil
	}
	if replicas > len(p.hosts) {
		replicas = len(p.hosts)
	}
	if replicas < 1 {
		replicas = 1
	}
	out := make([]string, 0, replicas)
	start := fragment % len(p.hosts)
	for i := 0; i < replicas; i++ {
		out = append(out, p.hosts[(start+i)%len(p.hosts)])
	}
	return out
}

// Hosts returns the registered hosts in join order.
func (p *Partitioner) Hosts() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.hosts...)
}

// Fragments returns the current fragment count.
func (p *Partitioner) Fragments() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fragments
}
