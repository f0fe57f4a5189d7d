package agentfsm

import (
	"sync"
	"time"

	"github.com/odvcencio/agentcoreserver/internal/bus"
)

// transitions maps (from-state, event) -> to-state for every event except
// TERMINATE, which is handled separately since it applies from any
// non-terminal state (§4.F).
var transitions = map[State]map[Event]State{
	StateCreated: {
		EventInitialize: StateInitializing,
	},
	StateInitializing: {
		EventReady: StateReady,
		EventFail:  StateError,
	},
	StateReady: {
		EventStart: StateRunning,
		EventPause: StatePaused,
	},
	StateRunning: {
		EventComplete: StateReady,
		EventPause:    StatePaused,
		EventFail:     StateError,
	},
	StatePaused: {
		EventResume: StateReady,
	},
	StateError: {
		EventRecover: StateReady,
	},
}

// LifecycleChannel is the bus channel every transition is published on.
const LifecycleChannel = "agent.lifecycle"

// agentRecord holds one agent's current state, history, and a lock that
// serializes transitions for that agent (§4.F "per-agent serialized
// transitions").
type agentRecord struct {
	mu      sync.Mutex
	state   State
	history []Transition
}

// Machine is the agent lifecycle state machine. It is safe for concurrent
// use across many agents; transitions for a single agent are serialized,
// transitions for different agents proceed independently.
type Machine struct {
	mu     sync.RWMutex
	agents map[string]*agentRecord
	bus    *bus.Bus
	now    func() time.Time
}

// New builds a Machine that publishes transitions onto b. b may be nil, in
// which case transitions are recorded but nothing is emitted.
func New(b *bus.Bus) *Machine {
	return &Machine{
		agents: make(map[string]*agentRecord),
		bus:    b,
		now:    time.Now,
	}
}

// Register creates an agent in StateCreated if it does not already exist.
// Re-registering an existing agent is a no-op and returns its current state.
func (m *Machine) Register(agentID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.agents[agentID]; ok {
		r.mu.Lock()
		s := r.state
		r.mu.Unlock()
		return s
	}
	m.agents[agentID] = &agentRecord{state: StateCreated}
	return StateCreated
}

func (m *Machine) record(agentID string) (*agentRecord, bool) {
	m.mu.RLock()
	r, ok := m.agents[agentID]
	m.mu.RUnlock()
	return r, ok
}

// State returns an agent's current state.
func (m *Machine) State(agentID string) (State, error) {
	r, ok := m.record(agentID)
	if !ok {
		return "", ErrUnknownAgent
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

// History returns a copy of an agent's recorded transitions, oldest first.
func (m *Machine) History(agentID string) ([]Transition, error) {
	r, ok := m.record(agentID)
	if !ok {
		return nil, ErrUnknownAgent
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transition, len(r.history))
	copy(out, r.history)
	return out, nil
}

// Fire applies event to agentID, enforcing the transition table and the
// terminal-absorption invariant: no event moves an agent out of
// StateTerminated. On success the transition is appended to history and
// published synchronously on LifecycleChannel with type "agent.<new_state>"
// before Fire returns (§4.F "listeners are notified synchronously").
//
// Registering the agent first via Register is not required: Fire implicitly
// registers unknown agents in StateCreated before applying event.
func (m *Machine) Fire(agentID string, event Event) (State, error) {
	m.mu.Lock()
	r, ok := m.agents[agentID]
	if !ok {
		r = &agentRecord{state: StateCreated}
		m.agents[agentID] = r
	}
	m.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.state
	if from == StateTerminated {
		return from, ErrTerminated
	}

	var to State
	if event == EventTerminate {
		to = StateTerminated
	} else {
		next, ok := transitions[from][event]
		if !ok {
			return from, &InvalidTransitionError{Agent: agentID, Event: event, From: from}
		}
		to = next
	}

	r.state = to
	tr := Transition{Event: string(event), From: from, To: to, At: m.now()}
	r.history = append(r.history, tr)

	if m.bus != nil {
		_, _ = m.bus.Publish(LifecycleChannel, "agent."+string(to), map[string]any{
			"agentId": agentID,
			"event":   string(event),
			"from":    string(from),
			"to":      string(to),
			"at":      tr.At,
		})
	}

	return to, nil
}

// Remove discards an agent's state and history entirely. Used when an
// agent's sandbox is torn down and its identity should no longer be tracked.
func (m *Machine) Remove(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}
