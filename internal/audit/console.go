package audit

import (
	"fmt"
	"io"
	"sync"
)

// ConsoleSink writes one structured line per entry. Grounded on the
// teacher's plain fmt.Fprintf line-writer style (pkg/logging) rather than
// a structured logging library — see DESIGN.md.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (c *ConsoleSink) Write(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s actor=%s action=%s resource=%s/%s outcome=%s\n",
		e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		e.Actor, e.Action, e.ResourceType, e.ResourceID, e.Outcome)
}

func (c *ConsoleSink) Close() error { return nil }
