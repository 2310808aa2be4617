// Package ratelimit provides a keyed fixed-window rate limiter, used to
// bound per-client API traffic.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows rate requests per window for each key independently.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*window
	rate    int
	span    time.Duration
}

// window tracks request counts for one key within the current window.
type window struct {
	count int
	start time.Time
}

// New creates a Limiter allowing rate requests per span for each key.
func New(rate int, span time.Duration) *Limiter {
	return &Limiter{
		clients: make(map[string]*window),
		rate:    rate,
		span:    span,
	}
}

// Allow reports whether the key is within its rate limit, counting this call.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.clients[key]
	if !ok || now.Sub(w.start) > l.span {
		l.clients[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.rate
}

// Prune drops keys whose window has expired and returns how many were
// removed. Callers run it periodically to bound memory.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	now := time.Now()
	for key, w := range l.clients {
		if now.Sub(w.start) > l.span {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}
