package httpapi

import "net/http"

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{})
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Metrics.Stats())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.cfg.Metrics.Handler().ServeHTTP(w, r)
}
