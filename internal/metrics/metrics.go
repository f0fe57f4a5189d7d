// Package metrics holds the process's prometheus registry and the
// counters/gauges/histograms every other package reports against,
// exposed as text by internal/httpapi's GET /metrics (§6.2). Counter
// and gauge shapes are generalized from pkg/ipc/metrics.go's
// promauto-registered gauges; where the teacher registers its metrics
// as package-level vars against the global prometheus.DefaultRegisterer,
// this package bundles them into one injectable Registry instead, per
// §9's redesign note that ambient/global managers should become an
// explicit system object a caller constructs and passes around.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentcore"

// Registry owns one prometheus.Registry and the metrics this module
// reports against it.
type Registry struct {
	reg      *prometheus.Registry
	counters counters

	ConnectionsActive    prometheus.Gauge
	AgentsActive         prometheus.Gauge
	MessagesTotal        *prometheus.CounterVec // label "type": chat, agent_spawn, ...
	DecisionsTotal       *prometheus.CounterVec // label "decision": allow, block, approval_required
	ClusterForwardsTotal *prometheus.CounterVec // label "outcome": ok, error
	RequestDuration      *prometheus.HistogramVec // label "type", seconds
}

// New builds a Registry with every metric registered against a fresh,
// process-local prometheus registry (so multiple Registry instances, as
// in tests, never collide on a shared global one).
func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		counters: counters{
			messagesByType:  make(map[string]int64),
			decisionsByKind: make(map[string]int64),
		},
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open persistent client connections.",
		}),
		AgentsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_active",
			Help:      "Number of agents not yet terminated.",
		}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Persistent-stream requests processed, by request type.",
		}, []string{"type"}),
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Policy evaluations, by decision.",
		}, []string{"decision"}),
		ClusterForwardsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_forwards_total",
			Help:      "Cross-node forwards, by outcome.",
		}, []string{"outcome"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request handling latency, by request type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

// Handler serves the text-format exposition of every metric registered
// against this Registry (§6.2's GET /metrics).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveDuration records how long a request of the given type took.
func (r *Registry) ObserveDuration(requestType string, d time.Duration) {
	r.RequestDuration.WithLabelValues(requestType).Observe(d.Seconds())
}
