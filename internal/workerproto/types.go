// Package workerproto defines the typed message protocol exchanged over a
// sandboxed worker's stdin/stdout (§4.J): task, result, event, ready, and
// shutdown. internal/sandbox owns these same names as aliases so the
// dispatcher-facing parent side and the worker binary share one wire
// format with no drift between them.
package workerproto

import "time"

// MessageType enumerates the protocol's typed vocabulary. A message whose
// type falls outside this set is ignored by both ends (§4.G.5).
type MessageType string

const (
	MsgReady         MessageType = "ready"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgHeartbeatAck  MessageType = "heartbeat_ack"
	MsgExecute       MessageType = "execute"
	MsgExecuteResult MessageType = "execute_result"
	MsgEvent         MessageType = "event"
	MsgTerminate     MessageType = "terminate"
	MsgShutdownAck   MessageType = "shutdown_ack"
	MsgError         MessageType = "error"
)

// Message is one newline-delimited JSON object on the wire.
type Message struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`
	Payload any         `json:"payload,omitempty"`
	TS      time.Time   `json:"ts"`
}

// Task is one unit of work sent to a worker's execute().
type Task struct {
	ID       string         `json:"id"`
	Code     string         `json:"code,omitempty"`
	Name     string         `json:"name,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Deadline time.Time      `json:"deadline,omitempty"`
}

// Result is what a worker resolves a task with.
type Result struct {
	Success    bool   `json:"success"`
	Output     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Timeout    bool   `json:"timeout,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	MemoryMB   int    `json:"memory_mb"`
}

// Event is a worker-pushed notification not tied to a specific task
// (§4.J "event (push)"), e.g. a progress update or a log line a caller
// wants surfaced on the event bus.
type Event struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// Ready builds the message a worker sends once it has finished its own
// startup and is able to accept tasks.
func Ready() Message {
	return Message{Type: MsgReady, TS: time.Now()}
}

// HeartbeatAck acknowledges a heartbeat carrying id.
func HeartbeatAck(id string) Message {
	return Message{Type: MsgHeartbeatAck, ID: id, TS: time.Now()}
}

// ExecuteResult wraps result as the response to task id.
func ExecuteResult(id string, result Result) Message {
	return Message{Type: MsgExecuteResult, ID: id, Payload: result, TS: time.Now()}
}

// PushEvent wraps an Event for out-of-band delivery.
func PushEvent(e Event) Message {
	return Message{Type: MsgEvent, Payload: e, TS: time.Now()}
}

// ShutdownAck is sent once a worker has finished handling MsgTerminate and
// is about to exit on its own, letting the parent skip straight to
// reaping the process instead of waiting out the full grace period.
func ShutdownAck() Message {
	return Message{Type: MsgShutdownAck, TS: time.Now()}
}
