package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_StatsReflectsRecordedCounters(t *testing.T) {
	r := New()
	r.IncConnections(1)
	r.IncConnections(1)
	r.IncConnections(-1)
	r.SetAgentsActive(3)
	r.RecordMessage("chat")
	r.RecordMessage("chat")
	r.RecordDecision("block")

	stats := r.Stats()
	if stats.ConnectionsActive != 1 {
		t.Fatalf("expected 1 active connection, got %d", stats.ConnectionsActive)
	}
	if stats.AgentsActive != 3 {
		t.Fatalf("expected 3 active agents, got %d", stats.AgentsActive)
	}
	if stats.MessagesByType["chat"] != 2 {
		t.Fatalf("expected 2 chat messages, got %d", stats.MessagesByType["chat"])
	}
	if stats.DecisionsByKind["block"] != 1 {
		t.Fatalf("expected 1 block decision, got %d", stats.DecisionsByKind["block"])
	}
}

func TestRegistry_HandlerServesPrefixedMetrics(t *testing.T) {
	r := New()
	r.RecordMessage("chat")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agentcore_messages_total") {
		t.Fatalf("expected a prefixed metric name in output, got:\n%s", rec.Body.String())
	}
}

func TestRegistry_IndependentInstancesDoNotCollide(t *testing.T) {
	// Two Registry instances must coexist without a duplicate-registration
	// panic against the global prometheus.DefaultRegisterer.
	a := New()
	b := New()
	a.RecordMessage("chat")
	b.RecordMessage("agent_spawn")

	if a.Stats().MessagesByType["agent_spawn"] != 0 {
		t.Fatal("expected registries to have independent counters")
	}
}
