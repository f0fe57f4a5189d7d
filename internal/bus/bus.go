package bus

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type subscription struct {
	id        string
	pattern   string
	opts      SubscribeOptions
	closed    atomic.Bool
	createdAt time.Time
}

// Bus is the in-process event bus. Publish is synchronous: it dispatches
// to every matching, non-closed subscriber in priority order on the
// caller's goroutine before returning, consistent with §4.D's contract.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed atomic.Bool

	historyMu sync.Mutex
	history   []Event
	histCap   int

	logger   *log.Logger
	forward  ForwardFunc // optional distributed backend hook
}

// ForwardFunc forwards an event to an external transport (distributed bus).
type ForwardFunc func(Event) error

// New creates a Bus with a bounded ring history of historyCap entries.
func New(historyCap int, logger *log.Logger) *Bus {
	if historyCap <= 0 {
		historyCap = 1000
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		subs:    make(map[string]*subscription),
		histCap: historyCap,
		logger:  logger,
	}
}

// SetForward installs a hook invoked for every published event, used by
// the distributed backend to mirror events onto an external transport.
func (b *Bus) SetForward(f ForwardFunc) {
	b.mu.Lock()
	b.forward = f
	b.mu.Unlock()
}

// Publish fans an event out synchronously to matching subscribers in
// priority order (highest first), records it in history, and forwards it
// to the distributed backend if configured.
func (b *Bus) Publish(channel, eventType string, payload any) (PublishResult, error) {
	return b.publish(channel, eventType, payload, true)
}

// PublishLocal is Publish without invoking the distributed forward hook,
// used by the inbound NATS subscription to re-surface a remote event
// locally without bouncing it back out to the external transport.
func (b *Bus) PublishLocal(channel, eventType string, payload any) (PublishResult, error) {
	return b.publish(channel, eventType, payload, false)
}

func (b *Bus) publish(channel, eventType string, payload any, allowForward bool) (PublishResult, error) {
	if b.closed.Load() {
		return PublishResult{}, ErrClosed
	}
	e := Event{Channel: channel, Type: eventType, Payload: payload, Timestamp: time.Now()}

	b.appendHistory(e)

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.closed.Load() {
			continue
		}
		if !matchChannel(s.pattern, channel) {
			continue
		}
		if s.opts.TypePattern != "" && !matchChannel(s.opts.TypePattern, eventType) {
			continue
		}
		if s.opts.Filter != nil && !s.opts.Filter(e) {
			continue
		}
		matched = append(matched, s)
	}
	forward := b.forward
	b.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].opts.Priority > matched[j].opts.Priority
	})

	result := PublishResult{}
	var onceIDs []string
	for _, s := range matched {
		if b.dispatch(s, e) {
			result.Delivered++
		} else {
			result.Failed++
		}
		if s.opts.Once {
			onceIDs = append(onceIDs, s.id)
		}
	}
	for _, id := range onceIDs {
		b.removeSubscription(id)
	}

	if allowForward && forward != nil {
		if err := forward(e); err != nil {
			b.logger.Printf("bus: forward to distributed backend failed: %v", err)
		}
	}

	return result, nil
}

// dispatch calls the handler, recovering a panic so one failing handler
// never blocks or aborts delivery to the rest (§4.D).
func (b *Bus) dispatch(s *subscription, e Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("bus: handler for subscription %s panicked: %v", s.id, r)
			ok = false
		}
	}()
	s.opts.handler(e)
	return true
}

// Subscribe registers handler for channel pattern events.
func (b *Bus) Subscribe(pattern string, handler Handler, opts SubscribeOptions) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	opts.handler = handler
	s := &subscription{id: uuid.NewString(), pattern: pattern, opts: opts, createdAt: time.Now()}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s.id, nil
}

// Unsubscribe removes a single subscription.
func (b *Bus) Unsubscribe(id string) error {
	if !b.removeSubscription(id) {
		return ErrNotFound
	}
	return nil
}

func (b *Bus) removeSubscription(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return false
	}
	s.closed.Store(true)
	delete(b.subs, id)
	return true
}

// UnsubscribeAll removes every subscription whose pattern equals pattern,
// returning the count removed.
func (b *Bus) UnsubscribeAll(pattern string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, s := range b.subs {
		if s.pattern == pattern {
			s.closed.Store(true)
			delete(b.subs, id)
			n++
		}
	}
	return n
}

func (b *Bus) appendHistory(e Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, e)
	if len(b.history) > b.histCap {
		b.history = b.history[len(b.history)-b.histCap:]
	}
}

// History returns entries matching q, newest-last, bounded by q.Limit.
func (b *Bus) History(q HistoryQuery) []Event {
	b.historyMu.Lock()
	snapshot := append([]Event(nil), b.history...)
	b.historyMu.Unlock()

	var out []Event
	for _, e := range snapshot {
		if q.Channel != "" && !matchChannel(q.Channel, e.Channel) {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Replay re-delivers, to subscriptionID's own handler, entries from the
// bounded history that match its channel pattern and occurred at or after
// its own creation (it cannot replay what rotated out of the ring or
// predates the subscription), further filtered by since/types. Returns
// the count redelivered.
func (b *Bus) Replay(subscriptionID string, since time.Time, types []string) (int, error) {
	b.mu.RLock()
	s, ok := b.subs[subscriptionID]
	b.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}

	if since.Before(s.createdAt) {
		since = s.createdAt
	}
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	n := 0
	for _, e := range b.History(HistoryQuery{Since: since}) {
		if !matchChannel(s.pattern, e.Channel) {
			continue
		}
		if len(typeSet) > 0 && !typeSet[e.Type] {
			continue
		}
		if b.dispatch(s, e) {
			n++
		}
	}
	return n, nil
}

// Close marks the bus closed; further Publish/Subscribe calls fail.
func (b *Bus) Close() error {
	b.closed.Store(true)
	return nil
}
