package agent

import (
	"context"
	"log"
	"testing"

	"github.com/odvcencio/agentcoreserver/internal/agentfsm"
	"github.com/odvcencio/agentcoreserver/internal/audit"
	"github.com/odvcencio/agentcoreserver/internal/bus"
	"github.com/odvcencio/agentcoreserver/internal/capability"
	"github.com/odvcencio/agentcoreserver/internal/metrics"
	"github.com/odvcencio/agentcoreserver/internal/policy"
)

// memorySink is an in-memory audit.Sink used only by these tests.
type memorySink struct{ entries []audit.Entry }

func (m *memorySink) Write(e audit.Entry) { m.entries = append(m.entries, e) }
func (m *memorySink) Close() error        { return nil }

func testRegistry(t *testing.T, mutate func(*Config)) (*Registry, *memorySink) {
	t.Helper()
	b := bus.New(64, log.Default())
	fsm := agentfsm.New(b)
	caps := capability.NewManager("test-secret")
	sink := &memorySink{}
	store := audit.NewStore(audit.NewRedactor(nil), sink)

	cfg := Config{
		Lifecycle:    fsm,
		Capabilities: caps,
		Policy:       policy.NewEngine(policy.PresetRuleSet("yolo")),
		Audit:        store,
		Bus:          b,
		Metrics:      metrics.New(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), sink
}

func TestSpawn_GrantsPermissionsAndReachesReady(t *testing.T) {
	// Sandboxes left nil deliberately: spawning a real OS process is
	// exercised by internal/sandbox's own tests.
	r, _ := testRegistry(t, nil)

	entry, err := r.Spawn(context.Background(), Spec{
		Name: "worker-1",
		Permissions: []capability.Permission{
			{Category: capability.CategoryFilesystem, Actions: []string{"read"}, Resource: "/workspace"},
		},
	}, "system")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if entry.State != string(agentfsm.StateReady) {
		t.Fatalf("expected ready, got %s", entry.State)
	}
	if entry.PermissionTokenID == "" || len(entry.PermissionGrants) != 1 {
		t.Fatalf("expected a granted permission summary, got %+v", entry)
	}

	got, err := r.Get(entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != entry.ID {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestSpawn_RejectsUnauthorizedGrant(t *testing.T) {
	r, _ := testRegistry(t, nil)
	_, err := r.Spawn(context.Background(), Spec{
		Name: "worker-1",
		Permissions: []capability.Permission{
			{Category: capability.CategoryAdmin, Actions: []string{"root"}},
		},
	}, "untrusted-caller")
	if err == nil {
		t.Fatal("expected grant to be rejected for a non-system, unprivileged granter")
	}
	if r.Count() != 0 {
		t.Fatalf("expected no entry to remain after a failed spawn, got %d", r.Count())
	}
}

func TestTerminate_RemovesEntryAndRevokesCapabilities(t *testing.T) {
	r, _ := testRegistry(t, nil)
	entry, err := r.Spawn(context.Background(), Spec{Name: "worker-1"}, "system")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := r.Terminate(context.Background(), entry.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := r.Get(entry.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after terminate, got %v", err)
	}
}

func TestTerminate_RejectsAlreadyTerminated(t *testing.T) {
	r, _ := testRegistry(t, nil)
	entry, _ := r.Spawn(context.Background(), Spec{Name: "worker-1"}, "system")
	if err := r.Terminate(context.Background(), entry.ID); err != nil {
		t.Fatalf("first terminate: %v", err)
	}
	if err := r.Terminate(context.Background(), entry.ID); err != ErrTerminal {
		t.Fatalf("expected ErrTerminal for an already-terminated agent, got %v", err)
	}
}

func TestAuthorize_BlocksWhenPolicyDenies(t *testing.T) {
	r, _ := testRegistry(t, func(c *Config) {
		c.Policy = policy.NewEngine(policy.DefaultRuleSet())
	})
	entry, _ := r.Spawn(context.Background(), Spec{Name: "worker-1"}, "system")

	res, err := r.Authorize(policy.Operation{
		Type: policy.OpTypeFile, AgentID: entry.ID, Path: "/etc/passwd", FileOp: policy.FileOpRead,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Decision != policy.DecisionBlock {
		t.Fatalf("expected block under default-deny policy, got %s", res.Decision)
	}
}

func TestAuthorize_BlocksUnderYoloWithoutCapabilityGrant(t *testing.T) {
	// The policy engine alone being permissive does not bypass the
	// capability requirement: an agent spawned with no grants still has
	// no standing to touch the filesystem.
	r, _ := testRegistry(t, nil)
	entry, _ := r.Spawn(context.Background(), Spec{Name: "worker-1"}, "system")

	res, err := r.Authorize(policy.Operation{
		Type: policy.OpTypeFile, AgentID: entry.ID, Path: "/workspace/a.txt", FileOp: policy.FileOpRead,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Decision != policy.DecisionBlock {
		t.Fatalf("expected block without a capability grant, got %s", res.Decision)
	}
}

func TestAuthorize_AllowsUnderYoloWithMatchingCapabilityGrant(t *testing.T) {
	r, _ := testRegistry(t, nil)
	entry, err := r.Spawn(context.Background(), Spec{
		Name: "worker-1",
		Permissions: []capability.Permission{
			{Category: capability.CategoryFilesystem, Actions: []string{"read"}, Resource: "/workspace"},
		},
	}, "system")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	res, err := r.Authorize(policy.Operation{
		Type: policy.OpTypeFile, AgentID: entry.ID, Path: "/workspace/a.txt", FileOp: policy.FileOpRead,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Decision != policy.DecisionAllow {
		t.Fatalf("expected allow, got %s (%s)", res.Decision, res.Reason)
	}
}

func TestAuthorize_ApprovalRequiredUnderAskPreset(t *testing.T) {
	r, _ := testRegistry(t, func(c *Config) {
		c.Policy = policy.NewEngine(policy.PresetRuleSet("ask"))
	})
	entry, _ := r.Spawn(context.Background(), Spec{Name: "worker-1"}, "system")

	res, err := r.Authorize(policy.Operation{
		Type: policy.OpTypeFile, AgentID: entry.ID, Path: "/workspace/a.txt", FileOp: policy.FileOpRead,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Decision != policy.DecisionApprovalRequired {
		t.Fatalf("expected approval_required under the ask preset, got %s", res.Decision)
	}
}

func TestAuditStore_RecordsSpawnAndTerminate(t *testing.T) {
	r, sink := testRegistry(t, nil)
	entry, _ := r.Spawn(context.Background(), Spec{Name: "worker-1"}, "system")
	_ = r.Terminate(context.Background(), entry.ID)

	var sawSpawn, sawTerminate bool
	for _, e := range sink.entries {
		switch e.Action {
		case "agent.spawn":
			sawSpawn = true
		case "agent.terminate":
			sawTerminate = true
		}
	}
	if !sawSpawn || !sawTerminate {
		t.Fatalf("expected both agent.spawn and agent.terminate audited, got %+v", sink.entries)
	}
}
