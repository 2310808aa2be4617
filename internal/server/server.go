// Package server exposes the Kudzu node over HTTP: hologram lifecycle,
// trace recording and recall, network construction, gossip queries, and
// storage administration.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kudzu-systems/kudzu/internal/mesh"
	"github.com/kudzu-systems/kudzu/internal/ratelimit"
)

// Server is the HTTP API over a mesh node.
type Server struct {
	node    *mesh.Node
	log     *zap.Logger
	limiter *ratelimit.Limiter
	mux     *http.ServeMux
}

// New creates a Server with all routes registered. rateLimit is requests per
// client per minute.
func New(node *mesh.Node, rateLimit int, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		node:    node,
		log:     log,
		limiter: ratelimit.New(rateLimit, time.Minute),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler with per-client rate limiting in front
// of the mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Holograms
	s.mux.HandleFunc("GET /api/v1/holograms", s.handleListHolograms)
	s.mux.HandleFunc("POST /api/v1/holograms", s.handleCreateHologram)
	s.mux.HandleFunc("GET /api/v1/holograms/{id}", s.handleGetHologram)
	s.mux.HandleFunc("DELETE /api/v1/holograms/{id}", s.handleDeleteHologram)
	s.mux.HandleFunc("GET /api/v1/holograms/{id}/traces", s.handleListTraces)
	s.mux.HandleFunc("POST /api/v1/holograms/{id}/traces", s.handleCreateTrace)

	// Network
	s.mux.HandleFunc("POST /api/v1/network", s.handleCreateNetwork)
	s.mux.HandleFunc("POST /api/v1/network/query", s.handleNetworkQuery)
	s.mux.HandleFunc("POST /api/v1/traces/broadcast", s.handleBroadcast)

	// Storage and mesh administration
	s.mux.HandleFunc("GET /api/v1/storage/stats", s.handleStorageStats)
	s.mux.HandleFunc("POST /api/v1/storage/age", s.handleAgeTraces)
	s.mux.HandleFunc("GET /api/v1/mesh/status", s.handleMeshStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// clientIP extracts the client address, respecting X-Forwarded-For for
// proxied deployments.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
