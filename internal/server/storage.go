package server

import (
	"net/http"
)

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.Engine().Stats()
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAgeTraces(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Engine().AgeTraces(); err != nil {
		s.storeError(w, err)
		return
	}
	st, err := s.node.Engine().Stats()
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMeshStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.Status()
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
