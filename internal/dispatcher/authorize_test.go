package dispatcher

import (
	"encoding/json"
	"strings"
	"testing"

	"nhooyr.io/websocket"

	"github.com/odvcencio/agentcoreserver/internal/audit"
	"github.com/odvcencio/agentcoreserver/internal/policy"
)

type memorySink struct{ entries []audit.Entry }

func (m *memorySink) Write(e audit.Entry) { m.entries = append(m.entries, e) }

func sshBlockingRuleSet() *policy.RuleSet {
	return &policy.RuleSet{
		File: policy.RuleList[policy.FileRule]{
			Default: policy.DecisionAllow,
			Rules: []policy.FileRule{
				{ID: "block-ssh", Pattern: "**/.ssh/**", Operations: []policy.FileOp{policy.FileOpRead, policy.FileOpWrite, policy.FileOpDelete}, Decision: policy.DecisionBlock, Reason: "ssh keys"},
			},
		},
		Shell: policy.RuleList[policy.ShellRule]{Default: policy.DecisionAllow},
	}
}

func spawnAgent(t *testing.T, conn *fakeConn) string {
	t.Helper()
	conn.send(t, map[string]any{"type": "agent_spawn", "id": "spawn", "payload": map[string]any{
		"manifest": map[string]any{"name": "a1"},
	}})
	env := conn.recv(t)
	if env.Type != "agent_spawn_result" {
		t.Fatalf("expected agent_spawn_result, got %s: %s", env.Type, env.Payload)
	}
	var result struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		t.Fatalf("unmarshal spawn result: %v", err)
	}
	return result.AgentID
}

// TestHandleAgentTask_BlocksShellReadOfSSHKeyViaCrossDomainCheck is the
// scenario a malicious "cat ~/.ssh/id_rsa" tool call must never reach a
// sandbox for: the shell policy allows "cat" outright, but the argument it
// touches matches the file rule blocking **/.ssh/**, and that block must
// win before Sandboxes.Execute is ever called.
func TestHandleAgentTask_BlocksShellReadOfSSHKeyViaCrossDomainCheck(t *testing.T) {
	sink := &memorySink{}
	store := audit.NewStore(audit.NewRedactor(nil), sink)
	d, conn := testDispatcher(t, func(c *Config) {
		c.Sandboxes = nil
		c.Policy = policy.NewEngine(sshBlockingRuleSet())
		c.Audit = store
	})
	done := runServe(d, conn)

	agentID := spawnAgent(t, conn)

	conn.send(t, map[string]any{"type": "agent_task", "id": "task", "payload": map[string]any{
		"agentId": agentID,
		"task": map[string]any{
			"type": "tool_call",
			"tool": "shell",
			"args": map[string]any{"command": "cat /home/u/.ssh/id_rsa"},
		},
	}})
	env := conn.recv(t)
	if env.Type != "agent_task_result" {
		t.Fatalf("expected agent_task_result, got %s: %s", env.Type, env.Payload)
	}
	var result struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		t.Fatalf("unmarshal task result: %v", err)
	}
	if result.Status != "error" {
		t.Fatalf("expected status error, got %+v", result)
	}
	if !strings.HasPrefix(result.Error, "Tool denied:") {
		t.Fatalf("expected a Tool denied message, got %q", result.Error)
	}

	found := false
	for _, e := range sink.entries {
		if e.Action == "tool.denied" {
			found = true
			if e.Outcome != audit.OutcomeFailure {
				t.Fatalf("expected tool.denied to be recorded as a failure, got %s", e.Outcome)
			}
			reason, _ := e.Details["reason"].(string)
			if !strings.Contains(reason, ".ssh") {
				t.Fatalf("expected denial reason to reference .ssh, got %q", reason)
			}
		}
	}
	if !found {
		t.Fatalf("expected a tool.denied audit entry, got %+v", sink.entries)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// TestHandleAgentTask_AllowsPlainShellCommand confirms the policy gate
// doesn't block a command with nothing sensitive in its arguments; it still
// fails because no sandbox exists in this harness, but it must fail for
// that reason and not be reported as policy-denied.
func TestHandleAgentTask_AllowsPlainShellCommand(t *testing.T) {
	d, conn := testDispatcher(t, func(c *Config) {
		c.Sandboxes = nil
		c.Policy = policy.NewEngine(sshBlockingRuleSet())
	})
	done := runServe(d, conn)

	agentID := spawnAgent(t, conn)

	conn.send(t, map[string]any{"type": "agent_task", "id": "task", "payload": map[string]any{
		"agentId": agentID,
		"task": map[string]any{
			"type": "tool_call",
			"tool": "shell",
			"args": map[string]any{"command": "ls -la /workspace"},
		},
	}})
	env := conn.recv(t)
	var payload struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(env.Payload, &payload)
	if env.Type != "error" || payload.Code != string(ErrAgent) {
		t.Fatalf("expected sandbox-not-configured error, got %s: %s", env.Type, env.Payload)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done
}
