package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/kudzu-systems/kudzu/internal/hologram"
	"github.com/kudzu-systems/kudzu/internal/store"
	"github.com/kudzu-systems/kudzu/internal/trace"
)

// hologramView is the API representation of a hologram.
type hologramView struct {
	ID      string `json:"id"`
	Purpose string `json:"purpose"`
}

// hologramDetail adds the peer table and vector clock.
type hologramDetail struct {
	hologramView
	Peers []hologram.Peer   `json:"peers"`
	Clock trace.VectorClock `json:"clock"`
}

func (s *Server) handleListHolograms(w http.ResponseWriter, r *http.Request) {
	holograms := s.node.Registry().List()
	out := make([]hologramView, 0, len(holograms))
	for _, h := range holograms {
		out = append(out, hologramView{ID: h.ID(), Purpose: h.Purpose()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateHologram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Purpose string `json:"purpose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Purpose == "" {
		writeError(w, http.StatusBadRequest, "purpose is required")
		return
	}
	h := s.node.Registry().Spawn(req.Purpose)
	writeJSON(w, http.StatusCreated, hologramView{ID: h.ID(), Purpose: h.Purpose()})
}

func (s *Server) handleGetHologram(w http.ResponseWriter, r *http.Request) {
	h, err := s.node.Registry().FindByID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "hologram not found")
		return
	}
	peers, err := h.Peers()
	if err != nil {
		writeError(w, http.StatusGone, "hologram stopped")
		return
	}
	clock, err := h.Clock()
	if err != nil {
		writeError(w, http.StatusGone, "hologram stopped")
		return
	}
	writeJSON(w, http.StatusOK, hologramDetail{
		hologramView: hologramView{ID: h.ID(), Purpose: h.Purpose()},
		Peers:        peers,
		Clock:        clock,
	})
}

func (s *Server) handleDeleteHologram(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Registry().Stop(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "hologram not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	h, err := s.node.Registry().FindByID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "hologram not found")
		return
	}

	purpose := r.URL.Query().Get("purpose")
	if purpose == "" {
		purpose = h.Purpose()
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	traces, err := h.Recall(purpose, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if traces == nil {
		traces = []trace.Trace{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces, "count": len(traces)})
}

func (s *Server) handleCreateTrace(w http.ResponseWriter, r *http.Request) {
	h, err := s.node.Registry().FindByID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "hologram not found")
		return
	}

	var req struct {
		Purpose    string           `json:"purpose"`
		Data       map[string]any   `json:"data"`
		Importance trace.Importance `json:"importance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Importance != "" && !req.Importance.Valid() {
		writeError(w, http.StatusBadRequest, "importance must be critical, normal, or low")
		return
	}
	if req.Importance == "" {
		req.Importance = trace.ImportanceNormal
	}

	tr, err := h.RecordTrace(req.Purpose, req.Data, req.Importance)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

// storeError maps domain errors to HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hologram.ErrStopped):
		writeError(w, http.StatusGone, "hologram stopped")
	case errors.Is(err, hologram.ErrNotFound):
		writeError(w, http.StatusNotFound, "hologram not found")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "trace not found")
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
