package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/agentcoreserver/internal/agentfsm"
	"github.com/odvcencio/agentcoreserver/internal/audit"
	"github.com/odvcencio/agentcoreserver/internal/capability"
	"github.com/odvcencio/agentcoreserver/internal/ratelimit"
	"github.com/odvcencio/agentcoreserver/internal/sandbox"
)

// gatewayHandledTasks are agent_task names handled in-process rather than
// forwarded to the agent's own sandbox worker (§4.I: "memory ops, tool
// registry ops, directory lookups, A2A delegate, event emit").
var gatewayHandledTasks = map[string]bool{
	"memory.get": true, "memory.set": true, "memory.delete": true,
	"tools.list": true, "tools.register": true,
	"directory.lookup": true,
	"a2a.delegate":     true,
	"event.emit":       true,
}

// --- chat ---

func (d *Dispatcher) handleChat(ctx context.Context, sess *Session, env Envelope) {
	var req ChatRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.AgentID == "" || len(req.Messages) == 0 {
		sess.enqueue(newError(env.ID, ErrValidation, "invalid chat payload"))
		return
	}

	if d.cfg.RateLimits != nil {
		estimated := estimateTokens(req.Messages)
		if err := d.cfg.RateLimits.Bucket(req.AgentID).Acquire(ctx, estimated); err != nil {
			sess.enqueue(newError(env.ID, ErrValidation, "rate limit: %v", err))
			return
		}
	}

	if d.cfg.Provider == nil {
		sess.enqueue(newError(env.ID, ErrProvider, "no chat provider configured"))
		return
	}

	resp, err := d.cfg.Provider.Chat(ctx, req)
	if err != nil {
		d.audit(req.AgentID, "chat.request", "agent", req.AgentID, audit.OutcomeFailure, map[string]any{"error": err.Error()})
		sess.enqueue(newError(env.ID, ErrProvider, "provider error: %v", err))
		return
	}

	if d.cfg.RateLimits != nil {
		d.cfg.RateLimits.ReportUsage(req.AgentID, estimateTokens(req.Messages), ratelimit.Usage{
			ActualTokens:  float64(resp.Usage.PromptTokens + resp.Usage.CompletionTokens),
			ActualCostUSD: resp.Usage.CostUSD,
		})
	}

	d.audit(req.AgentID, "chat.request", "agent", req.AgentID, audit.OutcomeSuccess, nil)
	if req.Stream {
		sess.enqueue(newEnvelope("chat_stream", env.ID, resp))
		sess.enqueue(newEnvelope("chat_stream_end", env.ID, map[string]any{"usage": resp.Usage}))
		return
	}
	sess.enqueue(newEnvelope("chat_response", env.ID, resp))
}

func estimateTokens(msgs []ChatMessage) float64 {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return float64(total) / 4.0
}

// --- agent_spawn ---

type AgentSpawnRequest struct {
	Manifest AgentManifest `json:"manifest"`
}

// AgentManifest describes the agent to create (§6.1). Fields naming
// excluded concerns (mcpServers, tools, a2aSkills) are deliberately not
// modeled: MCP transport and a general agent framework are non-goals.
// Signature verification under production hardening is enforced by
// internal/config before this request ever reaches the dispatcher.
type AgentManifest struct {
	ID          string                  `json:"id,omitempty"`
	Name        string                  `json:"name"`
	Model       string                  `json:"model,omitempty"`
	EntryPoint  string                  `json:"entryPoint,omitempty"`
	Permissions []capability.Permission `json:"permissions,omitempty"`
	TrustLevel  string                  `json:"trustLevel,omitempty"`
	Signature   string                  `json:"signature,omitempty"`
}

func (d *Dispatcher) handleAgentSpawn(ctx context.Context, sess *Session, env Envelope) {
	var req AgentSpawnRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.Manifest.Name == "" {
		sess.enqueue(newError(env.ID, ErrValidation, "invalid agent_spawn payload"))
		return
	}

	agentID := uuid.NewString()
	grantedBy := "system"
	if p := sess.Principal(); p != nil {
		grantedBy = p.ID
	}

	var capsJSON = "[]"
	if d.cfg.Capabilities != nil && len(req.Manifest.Permissions) > 0 {
		tok, err := d.cfg.Capabilities.Grant(capability.Request{
			AgentID:     agentID,
			Permissions: req.Manifest.Permissions,
		}, grantedBy)
		if err != nil {
			sess.enqueue(newError(env.ID, ErrValidation, "grant permissions: %v", err))
			return
		}
		raw, _ := json.Marshal(tok.Permissions)
		capsJSON = string(raw)
	}

	if d.cfg.Lifecycle != nil {
		d.cfg.Lifecycle.Register(agentID)
		if _, err := d.cfg.Lifecycle.Fire(agentID, agentfsm.EventInitialize); err != nil {
			sess.enqueue(newError(env.ID, ErrAgent, "lifecycle init: %v", err))
			return
		}
	}

	if d.cfg.Sandboxes != nil {
		sbCfg := sandbox.DefaultConfig(agentID, "/tmp/agentcoreserver")
		if _, err := d.cfg.Sandboxes.Create(ctx, sbCfg, capsJSON); err != nil {
			if d.cfg.Lifecycle != nil {
				_, _ = d.cfg.Lifecycle.Fire(agentID, agentfsm.EventFail)
			}
			sess.enqueue(newError(env.ID, ErrAgent, "spawn sandbox: %v", err))
			return
		}
	}

	if d.cfg.Lifecycle != nil {
		_, _ = d.cfg.Lifecycle.Fire(agentID, agentfsm.EventReady)
	}

	rec := &AgentRecord{ID: agentID, ExternalID: req.Manifest.ID, State: string(agentfsm.StateReady), CreatedAt: time.Now(), EntryPoint: req.Manifest.EntryPoint}
	d.mu.Lock()
	d.agents[agentID] = rec
	count := len(d.agents)
	d.mu.Unlock()
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.SetAgentsActive(int64(count))
	}

	if d.cfg.Bus != nil {
		_, _ = d.cfg.Bus.Publish("agent.created", "agent.created", rec)
	}
	d.audit(grantedBy, "agent.spawn", "agent", agentID, audit.OutcomeSuccess, nil)

	sess.enqueue(newEnvelope("agent_spawn_result", env.ID, map[string]any{
		"agentId":    agentID,
		"externalId": req.Manifest.ID,
		"status":     "ready",
	}))
}

// --- agent_terminate ---

func (d *Dispatcher) handleAgentTerminate(ctx context.Context, sess *Session, env Envelope) {
	var body struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil || body.AgentID == "" {
		sess.enqueue(newError(env.ID, ErrValidation, "invalid agent_terminate payload"))
		return
	}

	if d.cfg.Lifecycle != nil {
		state, err := d.cfg.Lifecycle.State(body.AgentID)
		if err != nil {
			sess.enqueue(newError(env.ID, ErrNotFound, "unknown agent %q", body.AgentID))
			return
		}
		switch state {
		case agentfsm.StateTerminated, agentfsm.StatePaused, agentfsm.StateError:
			sess.enqueue(newError(env.ID, ErrAgent, "agent %q cannot be terminated from state %s", body.AgentID, state))
			return
		}
		if _, err := d.cfg.Lifecycle.Fire(body.AgentID, agentfsm.EventTerminate); err != nil {
			sess.enqueue(newError(env.ID, ErrAgent, "terminate: %v", err))
			return
		}
	}

	if d.cfg.Sandboxes != nil {
		_ = d.cfg.Sandboxes.Terminate(ctx, body.AgentID)
	}
	if d.cfg.Capabilities != nil {
		d.cfg.Capabilities.RevokeAll(body.AgentID)
	}

	d.mu.Lock()
	delete(d.agents, body.AgentID)
	count := len(d.agents)
	d.mu.Unlock()
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.SetAgentsActive(int64(count))
	}

	if d.cfg.Bus != nil {
		_, _ = d.cfg.Bus.Publish("agent.terminated", "agent.terminated", map[string]any{"agentId": body.AgentID})
	}
	d.audit(body.AgentID, "agent.terminate", "agent", body.AgentID, audit.OutcomeSuccess, nil)

	sess.enqueue(newEnvelope("agent_terminate_result", env.ID, map[string]any{"agentId": body.AgentID, "success": true}))
}

// --- agent_status ---

func (d *Dispatcher) handleAgentStatus(ctx context.Context, sess *Session, env Envelope) {
	var body struct {
		AgentID string `json:"agentId,omitempty"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		sess.enqueue(newError(env.ID, ErrValidation, "invalid agent_status payload"))
		return
	}

	if body.AgentID == "" {
		d.mu.RLock()
		list := make([]*AgentRecord, 0, len(d.agents))
		for _, rec := range d.agents {
			list = append(list, rec)
		}
		d.mu.RUnlock()
		sess.enqueue(newEnvelope("agent_list", env.ID, list))
		return
	}

	d.mu.RLock()
	rec, ok := d.agents[body.AgentID]
	d.mu.RUnlock()
	if ok {
		sess.enqueue(newEnvelope("agent_status", env.ID, rec))
		return
	}

	if d.cfg.Cluster != nil {
		resp, err := d.cfg.Cluster.Forward(ctx, body.AgentID, env)
		if err != nil {
			sess.enqueue(newError(env.ID, ErrClusterForward, "forward agent_status: %v", err))
			return
		}
		sess.enqueue(resp)
		return
	}

	sess.enqueue(newError(env.ID, ErrNotFound, "unknown agent %q", body.AgentID))
}

// --- agent_task ---

// agentTask is the {type, ...} task object carried in an agent_task
// request's payload (§6.1); arbitrary task-specific fields are preserved
// in Args for the sandbox worker to interpret.
type agentTask struct {
	Type string         `json:"type"`
	Args map[string]any `json:"-"`
}

func (t *agentTask) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if typ, ok := raw["type"].(string); ok {
		t.Type = typ
	}
	delete(raw, "type")
	t.Args = raw
	return nil
}

type AgentTaskRequest struct {
	AgentID       string    `json:"agentId"`
	Task          agentTask `json:"task"`
	Internal      bool      `json:"internal,omitempty"`
	InternalToken string    `json:"internalToken,omitempty"`
}

func (d *Dispatcher) handleAgentTask(ctx context.Context, sess *Session, env Envelope) {
	var req AgentTaskRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.AgentID == "" || req.Task.Type == "" {
		sess.enqueue(newError(env.ID, ErrValidation, "invalid agent_task payload"))
		return
	}

	if gatewayHandledTasks[req.Task.Type] {
		sess.enqueue(newEnvelope("agent_task_result", env.ID, map[string]any{
			"agentId": req.AgentID, "status": "ok", "result": map[string]any{"handled": "gateway"},
		}))
		return
	}

	d.mu.RLock()
	rec, ok := d.agents[req.AgentID]
	d.mu.RUnlock()
	if !ok {
		sess.enqueue(newError(env.ID, ErrNotFound, "unknown agent %q", req.AgentID))
		return
	}

	if op, isToolCall, err := toolCallOperation(req.AgentID, req.Task); isToolCall {
		if err != nil {
			sess.enqueue(newError(env.ID, ErrValidation, "invalid tool_call task: %v", err))
			return
		}
		if reason := d.authorizeToolCall(op); reason != "" {
			d.audit(req.AgentID, "tool.denied", string(op.Type), req.AgentID, audit.OutcomeFailure, map[string]any{
				"reason": reason, "tool": req.Task.Args["tool"],
			})
			sess.enqueue(newEnvelope("agent_task_result", env.ID, map[string]any{
				"agentId": req.AgentID, "status": "error",
				"error": fmt.Sprintf("Tool denied: %s", reason),
			}))
			return
		}
	}

	if d.cfg.Sandboxes == nil {
		sess.enqueue(newError(env.ID, ErrAgent, "sandbox registry not configured"))
		return
	}

	result, err := d.cfg.Sandboxes.Execute(ctx, req.AgentID, sandbox.Task{Name: req.Task.Type, Args: req.Task.Args})
	if err != nil || !result.Success {
		d.mu.Lock()
		rec.ErrorCount++
		crossed := rec.ErrorCount >= defaultErrorThreshold
		d.mu.Unlock()

		if crossed && d.cfg.Lifecycle != nil {
			_, _ = d.cfg.Lifecycle.Fire(req.AgentID, agentfsm.EventFail)
			if d.cfg.Bus != nil {
				_, _ = d.cfg.Bus.Publish("alerts", "agent.error.threshold", map[string]any{"agentId": req.AgentID, "errorCount": rec.ErrorCount})
			}
		}
		errMsg := result.Error
		if errMsg == "" && err != nil {
			errMsg = err.Error()
		}
		sess.enqueue(newEnvelope("agent_task_result", env.ID, map[string]any{
			"agentId": req.AgentID, "status": "error", "error": errMsg,
		}))
		return
	}

	sess.enqueue(newEnvelope("agent_task_result", env.ID, map[string]any{
		"agentId": req.AgentID, "status": "ok", "result": result.Output,
	}))
}
