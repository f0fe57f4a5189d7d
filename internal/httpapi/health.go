package httpapi

import (
	"net/http"
	"time"
)

// healthResponse is GET /health's body (§6.2).
type healthResponse struct {
	Status  string          `json:"status"` // ok | degraded | unhealthy
	Uptime  string          `json:"uptime"`
	Version string          `json:"version"`
	Checks  map[string]bool `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]bool, len(s.cfg.Checks))
	healthyCount, total := 0, len(s.cfg.Checks)
	for name, c := range s.cfg.Checks {
		ok := c.Healthy()
		checks[name] = ok
		if ok {
			healthyCount++
		}
	}

	status := "ok"
	switch {
	case total > 0 && healthyCount == 0:
		status = "unhealthy"
	case healthyCount < total:
		status = "degraded"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, healthResponse{
		Status:  status,
		Uptime:  time.Since(s.cfg.started).Round(time.Second).String(),
		Version: s.cfg.Version,
		Checks:  checks,
	})
}
