package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/agentcoreserver/internal/agentfsm"
	"github.com/odvcencio/agentcoreserver/internal/audit"
	"github.com/odvcencio/agentcoreserver/internal/bus"
	"github.com/odvcencio/agentcoreserver/internal/capability"
	"github.com/odvcencio/agentcoreserver/internal/metrics"
	"github.com/odvcencio/agentcoreserver/internal/policy"
	"github.com/odvcencio/agentcoreserver/internal/sandbox"
)

var (
	// ErrNotFound is returned for operations against an unknown agent id.
	ErrNotFound = errors.New("agent: not found")
	// ErrTerminal is returned when Terminate is called against an agent
	// already terminated, paused, or in error — mirroring the dispatcher's
	// agent_terminate rejection rule.
	ErrTerminal = errors.New("agent: cannot terminate from current state")
)

// Spec is the caller-supplied description of an agent to spawn.
type Spec struct {
	ExternalID  string
	Name        string
	NodeID      string
	Model       string
	EntryPoint  string
	MCPServers  []string
	Permissions []capability.Permission
	TrustLevel  TrustLevel
	Limits      Limits
	UsageWindow UsageWindow
	Tools       []string
	SandboxRoot string // base dir an agent's sandbox working directory is created under
}

// Config wires a Registry's dependencies. Every field is optional; a
// Registry built with none of them still tracks entries and enforces
// lifecycle state, degrading the sandbox- and capability-backed
// operations to no-ops rather than panicking, in the same spirit as
// internal/dispatcher's partially-wired Config.
type Config struct {
	Lifecycle      *agentfsm.Machine
	Sandboxes      *sandbox.Registry
	Capabilities   *capability.Manager
	Policy         *policy.Engine
	Audit          *audit.Store
	Bus            *bus.Bus
	Metrics        *metrics.Registry
	Logger         *log.Logger
	ErrorThreshold int
}

// Registry holds every agent entry this node owns and glues the lifecycle,
// sandbox, and capability packages into the operations described in §3.3.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New builds a Registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	return &Registry{cfg: cfg, entries: make(map[string]*Entry)}
}

// Spawn allocates an agent id, grants the requested permissions, drives the
// agent through agentfsm's created→initializing→ready path, and starts a
// sandbox — the same sequence internal/dispatcher's handleAgentSpawn runs
// inline, generalized here for callers outside the stream protocol.
func (r *Registry) Spawn(ctx context.Context, spec Spec, grantedBy string) (*Entry, error) {
	id := uuid.NewString()
	entry := &Entry{
		ID:          id,
		ExternalID:  spec.ExternalID,
		Name:        spec.Name,
		NodeID:      spec.NodeID,
		StartedAt:   time.Now(),
		Model:       spec.Model,
		EntryPoint:  spec.EntryPoint,
		MCPServers:  spec.MCPServers,
		TrustLevel:  spec.TrustLevel,
		Limits:      spec.Limits,
		UsageWindow: spec.UsageWindow,
		Tools:       spec.Tools,
		WorkerTasks: make(map[string]time.Time),
		State:       string(agentfsm.StateCreated),
	}

	var capsJSON string
	if r.cfg.Capabilities != nil && len(spec.Permissions) > 0 {
		tok, err := r.cfg.Capabilities.Grant(capability.Request{
			AgentID:     id,
			Permissions: spec.Permissions,
		}, grantedBy)
		if err != nil {
			return nil, fmt.Errorf("agent: grant permissions: %w", err)
		}
		entry.PermissionTokenID = tok.ID
		entry.PermissionGrants = summarizePermissions(tok.Permissions)
		capsJSON = marshalPermissions(tok.Permissions)
	}

	if r.cfg.Lifecycle != nil {
		r.cfg.Lifecycle.Register(id)
		if _, err := r.cfg.Lifecycle.Fire(id, agentfsm.EventInitialize); err != nil {
			r.revokeOnFailure(id)
			return nil, fmt.Errorf("agent: lifecycle init: %w", err)
		}
	}

	if r.cfg.Sandboxes != nil {
		sbCfg := sandbox.DefaultConfig(id, spec.SandboxRoot)
		if _, err := r.cfg.Sandboxes.Create(ctx, sbCfg, capsJSON); err != nil {
			if r.cfg.Lifecycle != nil {
				_, _ = r.cfg.Lifecycle.Fire(id, agentfsm.EventFail)
			}
			r.revokeOnFailure(id)
			return nil, fmt.Errorf("agent: spawn sandbox: %w", err)
		}
		entry.WorkerReady = true
	}

	if r.cfg.Lifecycle != nil {
		if _, err := r.cfg.Lifecycle.Fire(id, agentfsm.EventReady); err != nil {
			return nil, fmt.Errorf("agent: lifecycle ready: %w", err)
		}
		entry.State = string(agentfsm.StateReady)
	}

	r.mu.Lock()
	r.entries[id] = entry
	count := len(r.entries)
	r.mu.Unlock()

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SetAgentsActive(int64(count))
	}
	if r.cfg.Bus != nil {
		_, _ = r.cfg.Bus.Publish("agent.created", "agent.created", entry)
	}
	r.record(grantedBy, "agent.spawn", id, audit.OutcomeSuccess, nil)

	return entry.clone(), nil
}

func (r *Registry) revokeOnFailure(agentID string) {
	if r.cfg.Capabilities != nil {
		r.cfg.Capabilities.RevokeAll(agentID)
	}
}

// Get returns a snapshot copy of agentID's entry.
func (r *Registry) Get(agentID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

// List returns a snapshot of every tracked entry.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.clone())
	}
	return out
}

// Count returns the number of tracked entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Terminate drives agentID through agentfsm's TERMINATE event, tears down
// its sandbox, revokes its capabilities, and removes it from the registry.
// Mirrors internal/dispatcher's handleAgentTerminate rejection rule: an
// agent already terminated, paused, or in error cannot be terminated again.
func (r *Registry) Terminate(ctx context.Context, agentID string) error {
	if r.cfg.Lifecycle != nil {
		state, err := r.cfg.Lifecycle.State(agentID)
		if err != nil {
			return ErrNotFound
		}
		switch state {
		case agentfsm.StateTerminated, agentfsm.StatePaused, agentfsm.StateError:
			return ErrTerminal
		}
		if _, err := r.cfg.Lifecycle.Fire(agentID, agentfsm.EventTerminate); err != nil {
			return fmt.Errorf("agent: terminate: %w", err)
		}
	}

	if r.cfg.Sandboxes != nil {
		_ = r.cfg.Sandboxes.Terminate(ctx, agentID)
	}
	if r.cfg.Capabilities != nil {
		r.cfg.Capabilities.RevokeAll(agentID)
	}

	r.mu.Lock()
	_, existed := r.entries[agentID]
	delete(r.entries, agentID)
	count := len(r.entries)
	r.mu.Unlock()
	if !existed {
		return ErrNotFound
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SetAgentsActive(int64(count))
	}
	if r.cfg.Bus != nil {
		_, _ = r.cfg.Bus.Publish("agent.terminated", "agent.terminated", map[string]any{"agentId": agentID})
	}
	r.record(agentID, "agent.terminate", agentID, audit.OutcomeSuccess, nil)
	return nil
}

func (r *Registry) record(actor, action, resourceID string, outcome audit.Outcome, details map[string]any) {
	if r.cfg.Audit == nil {
		return
	}
	r.cfg.Audit.Record(audit.Entry{
		Actor: actor, Action: action, ResourceType: "agent", ResourceID: resourceID,
		Outcome: outcome, Details: details,
	})
}

func summarizePermissions(perms []capability.Permission) []PermissionSummary {
	out := make([]PermissionSummary, 0, len(perms))
	for _, p := range perms {
		out = append(out, PermissionSummary{Category: string(p.Category), Actions: p.Actions, Resource: p.Resource})
	}
	return out
}
