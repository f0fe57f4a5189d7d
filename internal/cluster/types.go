// Package cluster pins each agent to the node that owns it and forwards
// requests for non-local agents to that node over a small gRPC peer
// service, generalizing pkg/coordination/p2p's circuit-broken gRPC client
// and pkg/coordination/security's bearer-token interceptor from Buckley's
// single-shot tool-approval RPCs to a verbatim envelope-forwarding one
// (§4.K). Node membership and agent pinning are replicated with Raft
// rather than read from a shared external database, following
// cuemby-warren's embedded-raft control plane (pkg/manager).
package cluster

import "encoding/json"

// ForwardRequest is what one node sends a peer to have it execute a
// dispatcher envelope on behalf of the agent's owning node. HopCount is
// incremented on every re-forward so a stale pin can't loop forever.
type ForwardRequest struct {
	AgentID      string          `json:"agentId"`
	Envelope     json.RawMessage `json:"envelope"`
	OriginNodeID string          `json:"originNodeId"`
	HopCount     int             `json:"hopCount"`
}

// ForwardResponse carries back the envelope the owning node's dispatcher
// produced, or an error string when it couldn't produce one.
type ForwardResponse struct {
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// NodeInfo is one cluster member's address, as seen by the Raft-replicated
// registry.
type NodeInfo struct {
	NodeID  string `json:"nodeId"`
	Address string `json:"address"` // host:port the gRPC peer service listens on
}
