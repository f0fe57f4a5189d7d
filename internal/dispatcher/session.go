package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/odvcencio/agentcoreserver/internal/bus"
)

// wsConn is the minimal transport surface a Session needs, matching
// pkg/ipc/hub.go's wsConn interface so the real nhooyr.io/websocket
// connection and a fake can both satisfy it in tests.
type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(status websocket.StatusCode, reason string) error
}

// Principal identifies an authenticated caller.
type Principal struct {
	ID    string
	Scope string
}

// Authenticator validates a bearer token presented in an "auth" message.
type Authenticator func(token string) (Principal, bool)

// Session is one client's persistent connection: its auth state, its
// subscription list, and the outbound send queue a subscribed bus handler
// writes into. Grounded on pkg/ipc/hub.go's client type, generalized with
// authentication state and a subscription list since the teacher's hub is
// broadcast-only.
type Session struct {
	id       string
	conn     wsConn
	send     chan Envelope
	principal atomic.Pointer[Principal]

	mu          sync.Mutex
	subscriptions []string
	subIDs        map[string]string // channel pattern -> bus subscription id

	idleTimeout time.Duration
	lastActive  atomic.Int64 // unix nano

	closeOnce sync.Once
	closed    chan struct{}
}

// eventPayload is the wire shape of an event-delivery message's payload
// (§6.1): {channel, type, timestamp, data, agentId?}.
type eventPayload struct {
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
}

// agentIDFromPayload best-effort extracts an "agentId" field from an event
// payload shaped as a map or a struct with that json tag, so subscribers
// get it promoted to the envelope's top level without every publisher
// having to know about the dispatcher's wire format.
func agentIDFromPayload(payload any) string {
	switch v := payload.(type) {
	case map[string]any:
		if id, ok := v["agentId"].(string); ok {
			return id
		}
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return ""
		}
		var probe struct {
			AgentID string `json:"agentId"`
			ID      string `json:"id"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil {
			if probe.AgentID != "" {
				return probe.AgentID
			}
		}
	}
	return ""
}

func newSession(conn wsConn, idleTimeout time.Duration) *Session {
	s := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan Envelope, 64),
		subIDs:      make(map[string]string),
		idleTimeout: idleTimeout,
		closed:      make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) idleSince() time.Duration {
	last := time.Unix(0, s.lastActive.Load())
	return time.Since(last)
}

func (s *Session) isAuthenticated() bool { return s.principal.Load() != nil }

func (s *Session) authenticate(p Principal) { s.principal.Store(&p) }

func (s *Session) Principal() *Principal { return s.principal.Load() }

// enqueue writes an Envelope to the session's send queue, dropping it if
// the queue is full rather than blocking the dispatcher (matches
// pkg/ipc/hub.go's client.enqueue drop-slow-consumer behavior).
func (s *Session) enqueue(e Envelope) bool {
	select {
	case s.send <- e:
		return true
	default:
		return false
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case e, ok := <-s.send:
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = s.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close shuts down the session's send queue and unsubscribes every bus
// subscription it owns.
func (s *Session) close(b *bus.Bus, status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.send)
		s.mu.Lock()
		for _, subID := range s.subIDs {
			_ = b.Unsubscribe(subID)
		}
		s.mu.Unlock()
		_ = s.conn.Close(status, reason)
	})
}

// addSubscription records pattern as subscribed and wires a bus
// subscription that forwards matching events to this session as "event"
// messages. Idempotent: subscribing to an already-subscribed pattern is a
// no-op (§4.I "subscribe... idempotent").
func (s *Session) addSubscription(b *bus.Bus, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subIDs[pattern]; ok {
		return nil
	}
	subID, err := b.Subscribe(pattern, func(e bus.Event) {
		payload, _ := json.Marshal(eventPayload{
			Channel:   e.Channel,
			Type:      e.Type,
			Timestamp: e.Timestamp,
			Data:      e.Payload,
			AgentID:   agentIDFromPayload(e.Payload),
		})
		s.enqueue(Envelope{Type: "event", ID: uuid.NewString(), Payload: payload})
	}, bus.SubscribeOptions{})
	if err != nil {
		return err
	}
	s.subIDs[pattern] = subID
	s.subscriptions = append(s.subscriptions, pattern)
	return nil
}
