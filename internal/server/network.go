package server

import (
	"encoding/json"
	"net/http"

	"github.com/kudzu-systems/kudzu/internal/trace"
)

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Size               int      `json:"size"`
		ConnectionsPerNode int      `json:"connections_per_node"`
		Purposes           []string `json:"purposes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Size <= 0 {
		writeError(w, http.StatusBadRequest, "size must be positive")
		return
	}
	if req.ConnectionsPerNode < 0 {
		writeError(w, http.StatusBadRequest, "connections_per_node must not be negative")
		return
	}

	spawned, err := s.node.Coordinator().CreateNetwork(req.Size, req.ConnectionsPerNode, req.Purposes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]hologramView, 0, len(spawned))
	for _, h := range spawned {
		out = append(out, hologramView{ID: h.ID(), Purpose: h.Purpose()})
	}
	writeJSON(w, http.StatusCreated, map[string]any{"holograms": out, "count": len(out)})
}

func (s *Server) handleNetworkQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartID    string `json:"start_id"`
		Purpose    string `json:"purpose"`
		MaxHops    int    `json:"max_hops"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StartID == "" || req.Purpose == "" {
		writeError(w, http.StatusBadRequest, "start_id and purpose are required")
		return
	}
	if req.MaxHops <= 0 {
		req.MaxHops = 3
	}
	if req.MaxResults <= 0 {
		req.MaxResults = 10
	}

	traces, err := s.node.Coordinator().NetworkQuery(req.StartID, req.Purpose, req.MaxHops, req.MaxResults)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if traces == nil {
		traces = []trace.Trace{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces, "count": len(traces)})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HologramID string           `json:"hologram_id"`
		Purpose    string           `json:"purpose"`
		Data       map[string]any   `json:"data"`
		Importance trace.Importance `json:"importance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Purpose == "" {
		writeError(w, http.StatusBadRequest, "purpose is required")
		return
	}
	if req.Importance != "" && !req.Importance.Valid() {
		writeError(w, http.StatusBadRequest, "importance must be critical, normal, or low")
		return
	}
	if req.Importance == "" {
		req.Importance = trace.ImportanceNormal
	}

	var tr trace.Trace
	if req.HologramID != "" {
		h, err := s.node.Registry().FindByID(req.HologramID)
		if err != nil {
			writeError(w, http.StatusNotFound, "hologram not found")
			return
		}
		tr, err = h.RecordTrace(req.Purpose, req.Data, req.Importance)
		if err != nil {
			s.storeError(w, err)
			return
		}
	} else {
		tr = trace.New(s.node.ID(), req.Purpose, req.Data, req.Importance)
	}

	delivered, err := s.node.Coordinator().BroadcastTrace(tr, req.Purpose)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered, "trace": tr})
}
