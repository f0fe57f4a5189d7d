package agent

import (
	"context"
	"encoding/json"

	"github.com/odvcencio/agentcoreserver/internal/agentfsm"
	"github.com/odvcencio/agentcoreserver/internal/audit"
	"github.com/odvcencio/agentcoreserver/internal/capability"
	"github.com/odvcencio/agentcoreserver/internal/policy"
	"github.com/odvcencio/agentcoreserver/internal/sandbox"
)

func marshalPermissions(perms []capability.Permission) string {
	raw, err := json.Marshal(perms)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// Authorize is the single checkpoint a tool call must pass before it
// reaches an agent's sandbox: the policy engine decides first (§4.A), and
// only an allow decision is then checked against the agent's active
// capability grants (§4.B) for the category/action/resource the operation
// implies. Either layer can fail closed; both decisions are audited.
func (r *Registry) Authorize(op policy.Operation) (policy.Result, error) {
	if r.cfg.Policy == nil {
		return policy.Result{Decision: policy.DecisionBlock, Reason: "policy engine not configured"}, nil
	}

	res := r.cfg.Policy.Evaluate(op)
	if res.Decision != policy.DecisionAllow {
		r.record(op.AgentID, "tool.denied", op.AgentID, outcomeFor(res.Decision), map[string]any{
			"reason": res.Reason, "matchedRule": res.MatchedRule, "opType": op.Type,
		})
		return res, nil
	}

	if r.cfg.Capabilities != nil {
		category, action, resource := categoryFor(op)
		check := r.cfg.Capabilities.Check(op.AgentID, string(category), action, resource)
		if !check.Allowed {
			blocked := policy.Result{Decision: policy.DecisionBlock, Reason: check.Reason}
			r.record(op.AgentID, "tool.denied", op.AgentID, audit.OutcomeFailure, map[string]any{
				"reason": check.Reason, "opType": op.Type,
			})
			return blocked, nil
		}
	}

	r.record(op.AgentID, "policy.decision", op.AgentID, audit.OutcomeSuccess, map[string]any{"opType": op.Type})
	return res, nil
}

func outcomeFor(d policy.Decision) audit.Outcome {
	if d == policy.DecisionAllow {
		return audit.OutcomeSuccess
	}
	return audit.OutcomeFailure
}

// categoryFor maps a policy.Operation onto the capability category/action/
// resource triple internal/capability.Manager.Check expects, so a single
// tool call is gated by both the policy default-deny rules and a specific
// grant rather than by policy alone.
func categoryFor(op policy.Operation) (capability.Category, string, string) {
	switch op.Type {
	case policy.OpTypeFile:
		action := "read"
		switch op.FileOp {
		case policy.FileOpWrite, policy.FileOpCreate:
			action = "write"
		case policy.FileOpDelete:
			action = "delete"
		case policy.FileOpList:
			action = "read"
		}
		return capability.CategoryFilesystem, action, op.Path
	case policy.OpTypeNetwork:
		return capability.CategoryNetwork, "connect", op.Host
	case policy.OpTypeShell:
		return capability.CategoryShell, "execute", op.Command
	default:
		return "", "", ""
	}
}

// Execute authorizes op against the agent's policy and capability grants
// and, only if allowed, dispatches task to the agent's sandbox via the
// configured sandbox.Registry — the same error-threshold-driven retry and
// state transition logic sandbox.Registry.Execute already implements stays
// there; this method only keeps the entry's ErrorCount/CostUsageUSD
// snapshot in sync with the outcome.
func (r *Registry) Execute(ctx context.Context, op policy.Operation, task sandbox.Task, costUSD float64) (sandbox.Result, error) {
	decision, err := r.Authorize(op)
	if err != nil {
		return sandbox.Result{}, err
	}
	if decision.Decision != policy.DecisionAllow {
		return sandbox.Result{Success: false, Error: "blocked: " + decision.Reason}, nil
	}
	if r.cfg.Sandboxes == nil {
		return sandbox.Result{}, sandbox.ErrAgentNotFound
	}

	result, err := r.cfg.Sandboxes.Execute(ctx, op.AgentID, task)
	r.applyTaskOutcome(op.AgentID, err == nil && result.Success, costUSD)
	return result, err
}

// applyTaskOutcome updates an entry's ErrorCount/CostUsageUSD and, if the
// sandbox registry just crossed its own error threshold and moved the
// agent to agentfsm.StateError, reflects that into the entry snapshot and
// publishes the same alerts/agent.error.threshold event internal/
// dispatcher's handleAgentTask emits.
func (r *Registry) applyTaskOutcome(agentID string, success bool, costUSD float64) {
	r.mu.Lock()
	e, ok := r.entries[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.CostUsageUSD += costUSD
	if !success {
		e.ErrorCount++
	}
	errCount := e.ErrorCount
	crossed := errCount >= r.cfg.ErrorThreshold
	if crossed {
		e.State = string(agentfsm.StateError)
	}
	r.mu.Unlock()

	if !success && crossed && r.cfg.Bus != nil {
		_, _ = r.cfg.Bus.Publish("alerts", "agent.error.threshold", map[string]any{"agentId": agentID, "errorCount": errCount})
	}
}
