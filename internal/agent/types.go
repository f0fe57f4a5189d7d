// Package agent provides the agent entry type and the registry that glues
// the lifecycle state machine (internal/agentfsm), the process sandbox
// (internal/sandbox), and the capability manager (internal/capability)
// into the single domain object a non-dispatcher caller (the operator CLI,
// a future REST agent management surface) needs to spawn, inspect, and
// terminate an agent (§3.3).
package agent

import "time"

// TrustLevel gates which manifests may be accepted without additional
// approval; it is informational here — enforcement of what a given level
// may request lives in the capability grant and policy check at spawn and
// tool-call time.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustStandard  TrustLevel = "standard"
	TrustElevated  TrustLevel = "elevated"
	TrustSystem    TrustLevel = "system"
)

// Limits are the per-agent ceilings carried on the entry for the sandbox
// registry and dispatcher to enforce against.
type Limits struct {
	MaxErrors   int           `json:"maxErrors"`
	MaxRestarts int           `json:"maxRestarts"`
	TaskTimeout time.Duration `json:"taskTimeout"`
}

// UsageWindow is the admission configuration handed to the rate limiter
// for this agent's key.
type UsageWindow struct {
	RequestsPerMinute int `json:"requestsPerMinute"`
	TokensPerMinute   int `json:"tokensPerMinute"`
}

// TokenUsage accumulates LLM token consumption across an agent's lifetime.
type TokenUsage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
}

// Entry is the full agent record (§3.3). Dispatcher keeps its own smaller
// AgentRecord for the wire-protocol snapshot it sends over the stream;
// Entry is the richer domain object other callers operate on.
type Entry struct {
	ID                string               `json:"id"`
	ExternalID        string               `json:"externalId,omitempty"`
	Name              string               `json:"name"`
	NodeID            string               `json:"nodeId,omitempty"`
	State             string               `json:"state"`
	StartedAt         time.Time            `json:"startedAt"`
	Model             string               `json:"model,omitempty"`
	EntryPoint        string               `json:"entryPoint,omitempty"`
	MCPServers        []string             `json:"mcpServers,omitempty"`
	PermissionGrants  []PermissionSummary  `json:"permissionGrants,omitempty"`
	PermissionTokenID string               `json:"permissionTokenId,omitempty"`
	TrustLevel        TrustLevel           `json:"trustLevel"`
	Limits            Limits               `json:"limits"`
	UsageWindow       UsageWindow          `json:"usageWindow"`
	CostUsageUSD      float64              `json:"costUsageUsd"`
	ErrorCount        int                  `json:"errorCount"`
	WorkerReady       bool                 `json:"workerReady"`
	WorkerTasks       map[string]time.Time `json:"workerTasks,omitempty"`
	RestartAttempts   int                  `json:"restartAttempts"`
	RestartBackoffMS  int64                `json:"restartBackoffMs"`
	ShutdownRequested bool                 `json:"shutdownRequested"`
	Tools             []string             `json:"tools,omitempty"`
	TokenUsage        TokenUsage           `json:"tokenUsage"`
}

// PermissionSummary is the JSON-safe projection of a capability.Permission
// carried on an Entry, avoiding a public dependency of this package's
// wire shape on capability's internal token bookkeeping.
type PermissionSummary struct {
	Category string   `json:"category"`
	Actions  []string `json:"actions"`
	Resource string   `json:"resource,omitempty"`
}

// clone returns a shallow copy of e safe to hand to a caller outside the
// registry's lock: slices and the map are not mutated in place after
// construction, only replaced, so a shallow copy is sufficient.
func (e *Entry) clone() *Entry {
	cp := *e
	return &cp
}
