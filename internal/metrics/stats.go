package metrics

import "sync"

// Stats is the JSON-friendly snapshot GET /stats (§6.2) serves: the same
// counts the Registry's prometheus metrics expose, summed into plain
// numbers rather than a text exposition format.
type Stats struct {
	ConnectionsActive int64            `json:"connectionsActive"`
	AgentsActive      int64            `json:"agentsActive"`
	MessagesByType    map[string]int64 `json:"messagesByType"`
	DecisionsByKind   map[string]int64 `json:"decisionsByKind"`
}

// counters mirrors the prometheus vectors with plain maps so Stats() can
// report exact totals without walking prometheus's internal metric
// families.
type counters struct {
	mu                sync.Mutex
	connectionsActive int64
	agentsActive      int64
	messagesByType    map[string]int64
	decisionsByKind   map[string]int64
}

// IncConnections adjusts the active-connection count by delta (positive
// on connect, negative on disconnect) and updates the matching gauge.
func (r *Registry) IncConnections(delta int64) {
	r.counters.mu.Lock()
	r.counters.connectionsActive += delta
	n := r.counters.connectionsActive
	r.counters.mu.Unlock()
	r.ConnectionsActive.Set(float64(n))
}

// SetAgentsActive records the current agent count.
func (r *Registry) SetAgentsActive(n int64) {
	r.counters.mu.Lock()
	r.counters.agentsActive = n
	r.counters.mu.Unlock()
	r.AgentsActive.Set(float64(n))
}

// RecordMessage counts one processed request of the given type.
func (r *Registry) RecordMessage(requestType string) {
	r.counters.mu.Lock()
	r.counters.messagesByType[requestType]++
	r.counters.mu.Unlock()
	r.MessagesTotal.WithLabelValues(requestType).Inc()
}

// RecordDecision counts one policy decision of the given kind.
func (r *Registry) RecordDecision(decision string) {
	r.counters.mu.Lock()
	r.counters.decisionsByKind[decision]++
	r.counters.mu.Unlock()
	r.DecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordClusterForward counts one cross-node forward outcome ("ok" or
// "error").
func (r *Registry) RecordClusterForward(outcome string) {
	r.ClusterForwardsTotal.WithLabelValues(outcome).Inc()
}

// Stats returns a point-in-time snapshot of the plain counters.
func (r *Registry) Stats() Stats {
	r.counters.mu.Lock()
	defer r.counters.mu.Unlock()
	msgs := make(map[string]int64, len(r.counters.messagesByType))
	for k, v := range r.counters.messagesByType {
		msgs[k] = v
	}
	decisions := make(map[string]int64, len(r.counters.decisionsByKind))
	for k, v := range r.counters.decisionsByKind {
		decisions[k] = v
	}
	return Stats{
		ConnectionsActive: r.counters.connectionsActive,
		AgentsActive:      r.counters.agentsActive,
		MessagesByType:    msgs,
		DecisionsByKind:   decisions,
	}
}
