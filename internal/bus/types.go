// Package bus implements the in-process publish/subscribe event bus
// (§4.D): pattern-matched channels, priority-ordered synchronous fan-out,
// once-subscribers, bounded history with replay, and an optional NATS-
// backed distributed transport for cross-node forwarding.
package bus

import (
	"errors"
	"time"
)

var (
	ErrClosed       = errors.New("bus closed")
	ErrNotFound     = errors.New("subscription not found")
)

// Event is a single published entry.
type Event struct {
	Channel   string
	Type      string
	Payload   any
	Timestamp time.Time
}

// Handler processes a delivered event. A panicking handler is recovered,
// logged, and skipped — it never aborts publication to other subscribers
// (§4.D "publication never blocks on a failing handler").
type Handler func(Event)

// Filter, if set, suppresses delivery when it returns false.
type Filter func(Event) bool

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Priority    int    // higher dispatches first
	Once        bool   // removed atomically after first dispatch
	Filter      Filter
	TypePattern string // channel-style pattern matched against Event.Type

	handler Handler // set internally by Bus.Subscribe
}

// HistoryQuery filters History results.
type HistoryQuery struct {
	Channel string
	Type    string
	Since   time.Time
	Limit   int
}

// PublishResult reports fan-out outcome.
type PublishResult struct {
	Delivered int
	Failed    int
}
