package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// wireEvent is the JSON envelope forwarded over NATS. Payload is carried
// opaquely (already serialized by the caller) since Bus.Publish accepts
// any Go value that may not itself be JSON-friendly.
type wireEvent struct {
	Channel   string `json:"channel"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestampUnixNano"`
}

// NATSForwarder mirrors locally published events onto a NATS subject
// prefix so other nodes' buses receive them, per §4.D's "distributed bus
// that also forwards to a channel-prefixed external pub/sub." It is
// plugged into a local Bus via SetForward; local subscribers continue to
// receive events in-process regardless of forwarder health.
type NATSForwarder struct {
	conn         *nats.Conn
	subjectPrefix string
}

// NewNATSForwarder connects to url and prepares a forwarder that
// publishes under subjectPrefix + "." + channel.
func NewNATSForwarder(url, subjectPrefix string) (*NATSForwarder, error) {
	conn, err := nats.Connect(url, nats.Name("agentcoreserver-bus"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect: %w", err)
	}
	return &NATSForwarder{conn: conn, subjectPrefix: subjectPrefix}, nil
}

// Forward implements ForwardFunc.
func (f *NATSForwarder) Forward(e Event) error {
	raw, err := json.Marshal(wireEvent{
		Channel:   e.Channel,
		Type:      e.Type,
		Payload:   e.Payload,
		Timestamp: e.Timestamp.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	return f.conn.Publish(f.subjectPrefix+"."+e.Channel, raw)
}

// SubscribeInbound attaches a NATS subscription on subjectPrefix+".>" that
// republishes received events onto the local bus, completing the
// distributed loop: remote nodes' forwarded events surface to this
// process's local subscribers exactly as if published locally.
func (f *NATSForwarder) SubscribeInbound(local *Bus) (func() error, error) {
	sub, err := f.conn.Subscribe(f.subjectPrefix+".>", func(msg *nats.Msg) {
		var we wireEvent
		if err := json.Unmarshal(msg.Data, &we); err != nil {
			return
		}
		_, _ = local.PublishLocal(we.Channel, we.Type, we.Payload)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: nats subscribe: %w", err)
	}
	return sub.Unsubscribe, nil
}

func (f *NATSForwarder) Close() {
	f.conn.Close()
}
