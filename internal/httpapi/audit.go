package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/odvcencio/agentcoreserver/internal/audit"
)

// handleAudit serves GET /audit?limit=&since= (§6.2), reading entries
// from whichever sink the configured Store can query.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		respondError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}

	q := audit.Query{Limit: parseIntDefault(r.URL.Query().Get("limit"), 100)}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339: "+err.Error())
			return
		}
		q.Since = t
	}

	entries, err := s.cfg.Audit.Query(q)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// parseIntDefault mirrors pkg/ipc/utils.go's parseIntDefault.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}
