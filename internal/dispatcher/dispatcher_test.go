package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/agentcoreserver/internal/agentfsm"
	"github.com/odvcencio/agentcoreserver/internal/bus"
	"github.com/odvcencio/agentcoreserver/internal/capability"
	"github.com/odvcencio/agentcoreserver/internal/metrics"
	"github.com/odvcencio/agentcoreserver/internal/ratelimit"
	"github.com/odvcencio/agentcoreserver/internal/sandbox"
)

// fakeConn is an in-memory wsConn: inbound frames are fed through a
// channel, outbound writes land on another. Mirrors the style of fakes
// used against pkg/ipc/hub.go's wsConn interface.
type fakeConn struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) Write(ctx context.Context, _ websocket.MessageType, data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case f.outbound <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.MessageText, data, nil
	case <-f.closed:
		return 0, nil, io.EOF
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Close(websocket.StatusCode, string) error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.inbound <- raw
}

func (f *fakeConn) recv(t *testing.T) Envelope {
	t.Helper()
	select {
	case data := <-f.outbound:
		var e Envelope
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("unmarshal outbound: %v", err)
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return Envelope{}
	}
}

func testDispatcher(t *testing.T, mutate func(*Config)) (*Dispatcher, *fakeConn) {
	t.Helper()
	b := bus.New(64, log.Default())
	fsm := agentfsm.New(b)
	reg := sandbox.NewRegistry(sandbox.RegistryConfig{}, fsm, log.Default())
	caps := capability.NewManager("test-secret")
	limiter := ratelimit.NewLimiter(func(string) ratelimit.Limits {
		return ratelimit.Limits{RequestsPerMinute: 600, TokensPerMinute: 60000, MaxBurstRequests: 10, MaxBurstTokens: 10000}
	})

	cfg := Config{
		Capabilities: caps,
		RateLimits:   limiter,
		Sandboxes:    reg,
		Lifecycle:    fsm,
		Bus:          b,
		IdleTimeout:  50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d := New(cfg)
	conn := newFakeConn()
	return d, conn
}

func runServe(d *Dispatcher, conn *fakeConn) chan error {
	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background(), conn) }()
	return done
}

func TestNormalize_NativeFormat(t *testing.T) {
	env, err := normalize([]byte(`{"type":"ping","id":"1"}`), func() string { return "x" })
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if env.Type != "ping" || env.ID != "1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestNormalize_JSONRPCFormat(t *testing.T) {
	env, err := normalize([]byte(`{"jsonrpc":"2.0","method":"ping","id":"7","params":{"a":1}}`), func() string { return "x" })
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if env.Type != "ping" || env.ID != "7" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestNormalize_OpenClawFormat(t *testing.T) {
	env, err := normalize([]byte(`{"event":"ping","data":{"a":1}}`), func() string { return "minted" })
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if env.Type != "ping" || env.ID != "minted" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestNormalize_UnrecognizedFormatErrors(t *testing.T) {
	if _, err := normalize([]byte(`{"foo":"bar"}`), func() string { return "x" }); !errors.Is(err, errUnrecognizedFormat) {
		t.Fatalf("expected errUnrecognizedFormat, got %v", err)
	}
}

func TestServe_RequiresAuthBeforeOtherRequests(t *testing.T) {
	d, conn := testDispatcher(t, func(c *Config) {
		c.Authenticate = func(token string) (Principal, bool) {
			if token == "good" {
				return Principal{ID: "p1"}, true
			}
			return Principal{}, false
		}
	})
	done := runServe(d, conn)

	reqEnv := conn.recv(t)
	if reqEnv.Type != "auth_required" {
		t.Fatalf("expected auth_required, got %s", reqEnv.Type)
	}

	conn.send(t, map[string]any{"type": "agent_status", "id": "1", "payload": map[string]any{"agentId": "x"}})
	errEnv := conn.recv(t)
	if errEnv.Type != "error" {
		t.Fatalf("expected error before auth, got %s", errEnv.Type)
	}
	var payload ErrorPayload
	_ = json.Unmarshal(errEnv.Payload, &payload)
	if payload.Code != ErrAuth {
		t.Fatalf("expected AUTH_ERROR, got %s", payload.Code)
	}

	conn.send(t, map[string]any{"type": "auth", "id": "2", "payload": map[string]any{"token": "good"}})
	successEnv := conn.recv(t)
	if successEnv.Type != "auth_success" {
		t.Fatalf("expected auth_success, got %s", successEnv.Type)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func TestServe_AnonymousModeSkipsAuthRequired(t *testing.T) {
	d, conn := testDispatcher(t, nil)
	done := runServe(d, conn)

	conn.send(t, map[string]any{"type": "agent_status", "id": "1", "payload": map[string]any{"agentId": "missing"}})
	env := conn.recv(t)
	var payload ErrorPayload
	_ = json.Unmarshal(env.Payload, &payload)
	if payload.Code != ErrNotFound {
		t.Fatalf("expected NOT_FOUND, got %+v", env)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func TestServe_IdleTimeoutClosesConnection(t *testing.T) {
	d, conn := testDispatcher(t, nil)
	done := runServe(d, conn)

	env := conn.recv(t)
	if env.Type != "idle_timeout" {
		t.Fatalf("expected idle_timeout, got %s", env.Type)
	}
	if err := <-done; err != nil {
		t.Fatalf("expected clean return on idle timeout, got %v", err)
	}
}

func TestHandleAgentSpawn_CreatesAgentAndTransitionsReady(t *testing.T) {
	// Sandboxes is left nil: spawning a real sandbox process is exercised
	// by internal/sandbox's own tests against a fake worker binary, not
	// here.
	d, conn := testDispatcher(t, func(c *Config) { c.Sandboxes = nil })
	done := runServe(d, conn)

	conn.send(t, map[string]any{"type": "agent_spawn", "id": "1", "payload": map[string]any{
		"manifest": map[string]any{"name": "worker-1"},
	}})
	env := conn.recv(t)
	if env.Type != "agent_spawn_result" {
		t.Fatalf("expected agent_spawn_result, got %s: %s", env.Type, env.Payload)
	}
	var result struct {
		AgentID string `json:"agentId"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Status != "ready" || result.AgentID == "" {
		t.Fatalf("unexpected spawn result: %+v", result)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func TestServe_RecordsConnectionAndMessageMetrics(t *testing.T) {
	reg := metrics.New()
	d, conn := testDispatcher(t, func(c *Config) { c.Sandboxes = nil; c.Metrics = reg })
	done := runServe(d, conn)

	conn.send(t, map[string]any{"type": "agent_spawn", "id": "1", "payload": map[string]any{
		"manifest": map[string]any{"name": "worker-1"},
	}})
	conn.recv(t)

	stats := reg.Stats()
	if stats.ConnectionsActive != 1 {
		t.Fatalf("expected 1 active connection, got %d", stats.ConnectionsActive)
	}
	if stats.MessagesByType["agent_spawn"] != 1 {
		t.Fatalf("expected agent_spawn to be recorded, got %+v", stats.MessagesByType)
	}
	if stats.AgentsActive != 1 {
		t.Fatalf("expected 1 active agent, got %d", stats.AgentsActive)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done

	if reg.Stats().ConnectionsActive != 0 {
		t.Fatalf("expected connection count to drop to 0 after close")
	}
}

func TestHandleChat_FailsClosedWithoutProvider(t *testing.T) {
	d, conn := testDispatcher(t, nil)
	done := runServe(d, conn)

	conn.send(t, map[string]any{"type": "chat", "id": "1", "payload": map[string]any{
		"agentId": "a1", "messages": []map[string]any{{"role": "user", "content": "hi"}},
	}})
	env := conn.recv(t)
	if env.Type != "error" {
		t.Fatalf("expected error, got %s", env.Type)
	}
	var payload ErrorPayload
	_ = json.Unmarshal(env.Payload, &payload)
	if payload.Code != ErrProvider {
		t.Fatalf("expected PROVIDER_ERROR, got %s", payload.Code)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

func TestHandleSubscribe_IsIdempotentAndDeliversEvents(t *testing.T) {
	d, conn := testDispatcher(t, nil)
	done := runServe(d, conn)

	conn.send(t, map[string]any{"type": "subscribe", "id": "1", "payload": map[string]any{"channels": []string{"agent.created"}}})
	ack := conn.recv(t)
	if ack.Type != "subscribed" {
		t.Fatalf("expected subscribed, got %s", ack.Type)
	}

	conn.send(t, map[string]any{"type": "subscribe", "id": "2", "payload": map[string]any{"channels": []string{"agent.created"}}})
	ack2 := conn.recv(t)
	if ack2.Type != "subscribed" {
		t.Fatalf("expected subscribed on re-subscribe, got %s", ack2.Type)
	}

	_, _ = d.cfg.Bus.Publish("agent.created", "agent.created", map[string]any{"id": "a1"})
	evt := conn.recv(t)
	if evt.Type != "event" {
		t.Fatalf("expected event, got %s", evt.Type)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done
}
