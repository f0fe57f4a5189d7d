package workerproto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Transport reads and writes newline-delimited JSON Messages over a pair
// of byte streams, grounded directly on pkg/acp/transport.go's stdio
// JSON-RPC transport: a buffered line reader paired with a mutex-guarded
// writer so concurrent sends from the heartbeat and execute loops don't
// interleave partial lines.
type Transport struct {
	reader  *bufio.Scanner
	writer  io.Writer
	writeMu sync.Mutex
}

// NewTransport wraps r/w as a Transport. The scanner's buffer is sized to
// accept multi-megabyte task payloads.
func NewTransport(r io.Reader, w io.Writer) *Transport {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Transport{reader: scanner, writer: w}
}

// ReadMessage blocks for the next line and decodes it as a Message.
// Returns io.EOF once the underlying reader is exhausted.
func (t *Transport) ReadMessage() (Message, error) {
	if !t.reader.Scan() {
		if err := t.reader.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	}
	var msg Message
	if err := json.Unmarshal(t.reader.Bytes(), &msg); err != nil {
		return Message{}, fmt.Errorf("workerproto: decode message: %w", err)
	}
	return msg, nil
}

// WriteMessage marshals msg and writes it as one line. Safe for concurrent
// callers.
func (t *Transport) WriteMessage(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("workerproto: encode message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.writer.Write(data)
	return err
}

// DecodePayload unmarshals msg.Payload (re-marshaled, since it decodes
// into `any` on the wire) into dst.
func DecodePayload(msg Message, dst any) error {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
