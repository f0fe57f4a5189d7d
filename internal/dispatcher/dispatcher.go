package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/odvcencio/agentcoreserver/internal/agent"
	"github.com/odvcencio/agentcoreserver/internal/agentfsm"
	"github.com/odvcencio/agentcoreserver/internal/audit"
	"github.com/odvcencio/agentcoreserver/internal/bus"
	"github.com/odvcencio/agentcoreserver/internal/capability"
	"github.com/odvcencio/agentcoreserver/internal/metrics"
	"github.com/odvcencio/agentcoreserver/internal/policy"
	"github.com/odvcencio/agentcoreserver/internal/ratelimit"
	"github.com/odvcencio/agentcoreserver/internal/sandbox"
)

// Provider is the seam to an LLM backend. No concrete implementation ships
// here: LLM provider adapters are explicitly out of scope, and chat
// requests that reach an unconfigured Dispatcher fail closed with
// ErrProvider.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ChatMessage is one turn in a chat request's transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	AgentID     string        `json:"agentId"`
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type ChatResponse struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	CostUSD          float64 `json:"costUsd"`
}

// ClusterForwarder forwards a request to the node that owns an agent, used
// by agent_status when the agent is not local (§4.K).
type ClusterForwarder interface {
	Forward(ctx context.Context, agentID string, env Envelope) (Envelope, error)
}

// Config wires a Dispatcher's dependencies.
type Config struct {
	Authenticate   Authenticator // nil means anonymous mode: no auth_required is sent
	Policy         *policy.Engine
	// Agents, when set, is the authorization checkpoint a tool_call task is
	// run through before it reaches Sandboxes — the same policy+capability
	// gate internal/agent.Registry.Authorize applies to its own Execute path.
	// When nil, the dispatcher falls back to evaluating Policy/Capabilities
	// directly so a bare Config (as used in tests) still enforces policy.
	Agents         *agent.Registry
	Capabilities   *capability.Manager
	RateLimits     *ratelimit.Limiter
	Sandboxes      *sandbox.Registry
	Lifecycle      *agentfsm.Machine
	Bus            *bus.Bus
	Audit          *audit.Store
	Provider       Provider
	Cluster        ClusterForwarder
	Metrics        *metrics.Registry
	IdleTimeout    time.Duration
	Logger         *log.Logger
}

// Dispatcher terminates persistent client streams and implements the
// session protocol and the five native request types (§4.I).
type Dispatcher struct {
	cfg Config

	mu     sync.RWMutex
	agents map[string]*AgentRecord
}

// AgentRecord is the in-process snapshot backing agent_status for local
// agents (§3.3's minimal subset the dispatcher itself owns).
type AgentRecord struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"externalId,omitempty"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"createdAt"`
	EntryPoint   string    `json:"entryPoint,omitempty"`
	ErrorCount   int       `json:"errorCount"`
	CostUsageUSD float64   `json:"costUsageUsd"`
}

const defaultErrorThreshold = 5

// AgentCount returns the number of agents this node currently tracks,
// for internal/httpapi's health and stats endpoints (§6.2).
func (d *Dispatcher) AgentCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents)
}

// New builds a Dispatcher. Missing optional dependencies degrade their
// corresponding request types to ErrProvider/ErrAgent rather than panicking,
// so a partially-wired Dispatcher is still useful in tests.
func New(cfg Config) *Dispatcher {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = idleTimeoutDefault
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		agents: make(map[string]*AgentRecord),
	}
}

// Serve runs one connection's full session lifecycle to completion: the
// auth handshake, the idle-timeout-guarded read loop, and a concurrent
// write loop draining the session's send queue (§4.I's session protocol).
// It returns when the connection closes, errors, or idles out.
func (d *Dispatcher) Serve(ctx context.Context, conn wsConn) error {
	sess := newSession(conn, d.cfg.IdleTimeout)
	defer sess.close(d.cfg.Bus, websocket.StatusNormalClosure, "")

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.IncConnections(1)
		defer d.cfg.Metrics.IncConnections(-1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErrCh := make(chan error, 1)
	go func() { writeErrCh <- sess.writeLoop(ctx) }()

	if d.cfg.Authenticate != nil {
		sess.enqueue(Envelope{Type: "auth_required", ID: uuid.NewString()})
	} else {
		sess.authenticate(Principal{ID: "anonymous"})
	}

	readCh := make(chan []byte)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErrCh <- err
				return
			}
			readCh <- data
		}
	}()

	idleTimer := time.NewTimer(sess.idleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-writeErrCh:
			return err
		case err := <-readErrCh:
			return err
		case <-idleTimer.C:
			sess.enqueue(Envelope{Type: "idle_timeout", ID: uuid.NewString()})
			return nil
		case data := <-readCh:
			sess.touch()
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(sess.idleTimeout)
			d.handleRaw(ctx, sess, data)
		}
	}
}

func (d *Dispatcher) handleRaw(ctx context.Context, sess *Session, data []byte) {
	env, err := normalize(data, uuid.NewString)
	if err != nil {
		sess.enqueue(newError("", ErrValidation, "%v", err))
		return
	}

	if env.Type == "auth" {
		d.handleAuth(sess, env)
		return
	}

	if d.cfg.Authenticate != nil && !sess.isAuthenticated() {
		sess.enqueue(newError(env.ID, ErrAuth, "authentication required"))
		return
	}

	d.dispatchEnvelope(ctx, sess, env)
}

func (d *Dispatcher) dispatchEnvelope(ctx context.Context, sess *Session, env Envelope) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordMessage(env.Type)
	}
	switch env.Type {
	case "chat":
		d.handleChat(ctx, sess, env)
	case "agent_spawn":
		d.handleAgentSpawn(ctx, sess, env)
	case "agent_terminate":
		d.handleAgentTerminate(ctx, sess, env)
	case "agent_status":
		d.handleAgentStatus(ctx, sess, env)
	case "agent_task":
		d.handleAgentTask(ctx, sess, env)
	case "subscribe":
		d.handleSubscribe(sess, env)
	default:
		sess.enqueue(newError(env.ID, ErrValidation, "unknown request type %q", env.Type))
	}
}

// noopConn satisfies wsConn for a Session that never touches the network:
// Local's loopback session only needs the send channel and auth state a
// Session carries, not a real connection.
type noopConn struct{}

func (noopConn) Write(context.Context, websocket.MessageType, []byte) error { return nil }
func (noopConn) Read(context.Context) (websocket.MessageType, []byte, error) {
	return 0, nil, io.EOF
}
func (noopConn) Close(websocket.StatusCode, string) error { return nil }

// Local executes env against this node's in-process state and returns the
// resulting envelope synchronously, bypassing the websocket session
// protocol entirely. internal/cluster's peer-forwarding server calls this
// once a forwarded request reaches the node that actually owns the target
// agent (§4.K), treating the request as already authenticated since only
// other cluster nodes can reach this method.
func (d *Dispatcher) Local(ctx context.Context, env Envelope) (Envelope, error) {
	sess := newSession(noopConn{}, d.cfg.IdleTimeout)
	sess.authenticate(Principal{ID: "cluster-peer", Scope: "cluster"})
	d.dispatchEnvelope(ctx, sess, env)
	select {
	case resp := <-sess.send:
		return resp, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (d *Dispatcher) handleAuth(sess *Session, env Envelope) {
	if d.cfg.Authenticate == nil {
		sess.enqueue(newEnvelope("auth_success", env.ID, map[string]any{}))
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(env.Payload, &body)
	p, ok := d.cfg.Authenticate(body.Token)
	if !ok {
		sess.enqueue(Envelope{Type: "auth_failed", ID: env.ID})
		return
	}
	sess.authenticate(p)
	sess.enqueue(newEnvelope("auth_success", env.ID, map[string]any{"principal": p.ID}))
}

func (d *Dispatcher) handleSubscribe(sess *Session, env Envelope) {
	var body struct {
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		sess.enqueue(newError(env.ID, ErrValidation, "invalid subscribe payload: %v", err))
		return
	}
	if d.cfg.Bus == nil {
		sess.enqueue(newError(env.ID, ErrValidation, "event bus not configured"))
		return
	}
	for _, ch := range body.Channels {
		if err := sess.addSubscription(d.cfg.Bus, ch); err != nil {
			sess.enqueue(newError(env.ID, ErrValidation, "subscribe %q: %v", ch, err))
			return
		}
	}
	sess.enqueue(newEnvelope("subscribed", env.ID, map[string]any{"channels": body.Channels}))
}

func (d *Dispatcher) audit(actor, action, resourceType, resourceID string, outcome audit.Outcome, details map[string]any) {
	if d.cfg.Audit == nil {
		return
	}
	d.cfg.Audit.Record(audit.Entry{
		Actor: actor, Action: action, ResourceType: resourceType, ResourceID: resourceID,
		Outcome: outcome, Details: details,
	})
}
