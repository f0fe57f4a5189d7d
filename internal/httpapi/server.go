// Package httpapi implements the operator-facing HTTP surface (§6.2):
// health checks, one-shot policy evaluation, connection/message
// statistics, audit queries, and the prometheus exposition endpoint.
// The router setup and JSON response helpers are generalized from
// pkg/ipc/server.go's chi.NewRouter/router.Route nesting and
// pkg/ipc/utils.go's respondJSON/respondError pair.
package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/odvcencio/agentcoreserver/internal/agent"
	"github.com/odvcencio/agentcoreserver/internal/audit"
	"github.com/odvcencio/agentcoreserver/internal/metrics"
	"github.com/odvcencio/agentcoreserver/internal/policy"
)

// Checker reports a subsystem's health for GET /health's checks map.
type Checker interface {
	Healthy() bool
}

// CheckerFunc adapts a plain func to Checker.
type CheckerFunc func() bool

func (f CheckerFunc) Healthy() bool { return f() }

// Config wires a Server to the rest of the process.
type Config struct {
	Version string
	Policy  *policy.Engine
	Audit   *audit.Store
	Metrics *metrics.Registry
	Agents  *agent.Registry    // optional; mounts /agents management routes when set
	Checks  map[string]Checker // e.g. "db", "bus", "store"
	Logger  *log.Logger
	started time.Time
}

// Server hosts the §6.2 HTTP surface.
type Server struct {
	cfg    Config
	router chi.Router
}

// New builds a Server and mounts every §6.2 route.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	cfg.started = time.Now()

	s := &Server{cfg: cfg}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)
	r.Post("/evaluate", s.handleEvaluate)
	r.Get("/stats", s.handleStats)
	r.Get("/audit", s.handleAudit)
	if cfg.Metrics != nil {
		r.Get("/metrics", s.handleMetrics)
	}
	if cfg.Agents != nil {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleSpawnAgent)
			r.Get("/{agentID}", s.handleGetAgent)
			r.Delete("/{agentID}", s.handleTerminateAgent)
		})
	}

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
