package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/odvcencio/agentcoreserver/internal/dispatcher"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func bootstrapTestRegistry(t *testing.T, nodeID string) *Registry {
	t.Helper()
	bindAddr := freeAddr(t)
	reg, err := NewRegistry(RegistryConfig{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := reg.Bootstrap(bindAddr); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { _ = reg.Shutdown() })
	waitForLeader(t, reg)
	return reg
}

func waitForLeader(t *testing.T, reg *Registry) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if reg.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("registry never became leader")
}

func TestTokenManager_IssueAndValidateRoundTrip(t *testing.T) {
	tm := NewTokenManager("cluster-secret")
	token, err := tm.Issue("node-a", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	nodeID, err := tm.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if nodeID != "node-a" {
		t.Fatalf("expected node-a, got %s", nodeID)
	}
}

func TestTokenManager_RejectsWrongSecret(t *testing.T) {
	token, err := NewTokenManager("secret-one").Issue("node-a", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewTokenManager("secret-two").Validate(token); err == nil {
		t.Fatal("expected validation to fail with the wrong secret")
	}
}

func TestJSONCodec_RoundTripsForwardRequest(t *testing.T) {
	req := &ForwardRequest{AgentID: "a1", Envelope: []byte(`{"type":"chat"}`), HopCount: 2}
	data, err := jsonCodec{}.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ForwardRequest
	if err := jsonCodec{}.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.AgentID != "a1" || decoded.HopCount != 2 {
		t.Fatalf("unexpected round trip: %+v", decoded)
	}
}

func TestRegistry_BootstrapLeaderPinAndLookup(t *testing.T) {
	reg := bootstrapTestRegistry(t, "node-a")

	if err := reg.RegisterNode(NodeInfo{NodeID: "node-a", Address: "127.0.0.1:9000"}); err != nil {
		t.Fatalf("register node: %v", err)
	}
	if err := reg.Pin("agent-1", "node-a"); err != nil {
		t.Fatalf("pin: %v", err)
	}

	info, ok := reg.Lookup("agent-1")
	if !ok {
		t.Fatal("expected agent-1 to resolve to a node")
	}
	if info.NodeID != "node-a" || info.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected node info: %+v", info)
	}

	if _, ok := reg.Lookup("agent-unknown"); ok {
		t.Fatal("expected no pin for an unregistered agent")
	}

	if err := reg.Unpin("agent-1"); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if _, ok := reg.Lookup("agent-1"); ok {
		t.Fatal("expected lookup to fail after unpin")
	}
}

func TestRegistry_WritesFailBeforeBootstrap(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{
		NodeID:   "node-b",
		BindAddr: freeAddr(t),
		DataDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Shutdown() })

	// Never bootstrapped or joined, so this node can't be the raft leader
	// yet; every write must fail closed with ErrNotLeader rather than
	// blocking or panicking.
	if err := reg.Pin("agent-1", "node-b"); err != ErrNotLeader {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
	if err := reg.RegisterNode(NodeInfo{NodeID: "node-b"}); err != ErrNotLeader {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
}

type fakeLocalExecutor struct {
	calls []dispatcher.Envelope
}

func (f *fakeLocalExecutor) Local(ctx context.Context, env dispatcher.Envelope) (dispatcher.Envelope, error) {
	f.calls = append(f.calls, env)
	return dispatcher.Envelope{Type: "agent_status", ID: env.ID, Payload: []byte(`{"ok":true}`)}, nil
}

func TestCoordinator_ForwardRoundTripsOverRealGRPC(t *testing.T) {
	nodeID := "node-a"
	reg := bootstrapTestRegistry(t, nodeID)

	grpcAddr := freeAddr(t)
	if err := reg.RegisterNode(NodeInfo{NodeID: nodeID, Address: grpcAddr}); err != nil {
		t.Fatalf("register node: %v", err)
	}
	if err := reg.Pin("agent-1", nodeID); err != nil {
		t.Fatalf("pin: %v", err)
	}

	local := &fakeLocalExecutor{}
	tokens := NewTokenManager("cluster-secret")
	coord := NewCoordinator(reg, local, nodeID, tokens)

	srv := NewPeerServer(coord, tokens)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := coord.Client().Forward(ctx, "agent-1", dispatcher.Envelope{Type: "agent_status", ID: "req-1"})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if resp.Type != "agent_status" || resp.ID != "req-1" {
		t.Fatalf("unexpected response envelope: %+v", resp)
	}
	if len(local.calls) != 1 || local.calls[0].ID != "req-1" {
		t.Fatalf("expected local executor to be called once with req-1, got %+v", local.calls)
	}
}

func TestCoordinator_PeerForwardRejectsHopLimitExceeded(t *testing.T) {
	reg := bootstrapTestRegistry(t, "node-a")
	if err := reg.RegisterNode(NodeInfo{NodeID: "node-a", Address: "127.0.0.1:1"}); err != nil {
		t.Fatalf("register node: %v", err)
	}
	if err := reg.Pin("agent-1", "node-a"); err != nil {
		t.Fatalf("pin: %v", err)
	}

	coord := NewCoordinator(reg, &fakeLocalExecutor{}, "node-a", NewTokenManager("s"))
	_, err := coord.PeerHandler().Forward(context.Background(), &ForwardRequest{
		AgentID:  "agent-1",
		Envelope: []byte(`{}`),
		HopCount: defaultMaxHops + 1,
	})
	if err == nil {
		t.Fatal("expected a hop-limit error")
	}
}

func TestCoordinator_ForwardFailsWhenAgentUnpinned(t *testing.T) {
	reg := bootstrapTestRegistry(t, "node-a")
	coord := NewCoordinator(reg, &fakeLocalExecutor{}, "node-a", NewTokenManager("s"))
	_, err := coord.Client().Forward(context.Background(), "ghost-agent", dispatcher.Envelope{Type: "agent_status"})
	if err == nil {
		t.Fatal("expected an error for an unpinned agent")
	}
}
