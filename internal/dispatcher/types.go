// Package dispatcher implements the persistent full-duplex message stream
// server (§4.I): one session per connection, a three-format inbound
// envelope normalized to a native form, the auth/subscribe/request-response
// session protocol, and the five native request types wired to policy,
// capability, rate limiting, the sandbox registry, the agent lifecycle
// machine, the event bus, and the audit store. The connection and
// client/send-channel shape is grounded directly on pkg/ipc/hub.go's
// wsConn/client pair, generalized from a broadcast-only hub into a
// request/response/subscribe protocol over the same transport.
package dispatcher

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the native wire message shape: {type, id, payload}.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// openClawEnvelope mirrors the OpenClaw-style inbound shape: "event" instead
// of "type", "data" instead of "payload", no id round-trips so one is
// minted on ingress.
type openClawEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// jsonRPCEnvelope is JSON-RPC 2.0's request shape.
type jsonRPCEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ErrorCode is the dispatcher-level error taxonomy (§4.I).
type ErrorCode string

const (
	ErrValidation     ErrorCode = "VALIDATION_ERROR"
	ErrAuth           ErrorCode = "AUTH_ERROR"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrAgent          ErrorCode = "AGENT_ERROR"
	ErrProvider       ErrorCode = "PROVIDER_ERROR"
	ErrClusterForward ErrorCode = "CLUSTER_FORWARD_FAILED"
)

// ErrorPayload is the payload of a {type:"error", id, payload} message.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// newError builds an error Envelope for id.
func newError(id string, code ErrorCode, format string, args ...any) Envelope {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	raw, _ := json.Marshal(ErrorPayload{Code: code, Message: msg})
	return Envelope{Type: "error", ID: id, Payload: raw}
}

func newEnvelope(typ, id string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		return newError(id, ErrValidation, "marshal response: %v", err)
	}
	return Envelope{Type: typ, ID: id, Payload: raw}
}

// normalize converts raw bytes in any of the three accepted inbound
// formats into a native Envelope. It tries native first (the common case
// once a client has adapted), then JSON-RPC 2.0 (a non-empty "jsonrpc"
// field), then falls back to the OpenClaw "event"/"data" shape (§4.I).
func normalize(raw []byte, nextID func() string) (Envelope, error) {
	var native Envelope
	if err := json.Unmarshal(raw, &native); err == nil && native.Type != "" {
		if native.ID == "" {
			native.ID = nextID()
		}
		return native, nil
	}

	var rpc jsonRPCEnvelope
	if err := json.Unmarshal(raw, &rpc); err == nil && rpc.JSONRPC != "" && rpc.Method != "" {
		id := nextID()
		if len(rpc.ID) > 0 {
			var s string
			if err := json.Unmarshal(rpc.ID, &s); err == nil && s != "" {
				id = s
			} else {
				id = string(rpc.ID)
			}
		}
		return Envelope{Type: rpc.Method, ID: id, Payload: rpc.Params}, nil
	}

	var oc openClawEnvelope
	if err := json.Unmarshal(raw, &oc); err == nil && oc.Event != "" {
		return Envelope{Type: oc.Event, ID: nextID(), Payload: oc.Data}, nil
	}

	return Envelope{}, errUnrecognizedFormat
}

var errUnrecognizedFormat = jsonFormatError{}

type jsonFormatError struct{}

func (jsonFormatError) Error() string { return "dispatcher: unrecognized message format" }

// idleTimeoutDefault is used when a Dispatcher is not otherwise configured.
const idleTimeoutDefault = 5 * time.Minute
