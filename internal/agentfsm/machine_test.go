package agentfsm

import (
	"log"
	"testing"

	"github.com/odvcencio/agentcoreserver/internal/bus"
)

func TestFire_FullHappyPathTable(t *testing.T) {
	m := New(nil)
	agent := "a1"

	steps := []struct {
		event Event
		want  State
	}{
		{EventInitialize, StateInitializing},
		{EventReady, StateReady},
		{EventStart, StateRunning},
		{EventComplete, StateReady},
		{EventStart, StateRunning},
		{EventPause, StatePaused},
		{EventResume, StateReady},
		{EventStart, StateRunning},
		{EventFail, StateError},
		{EventRecover, StateReady},
		{EventTerminate, StateTerminated},
	}

	for _, step := range steps {
		got, err := m.Fire(agent, step.event)
		if err != nil {
			t.Fatalf("Fire(%s): %v", step.event, err)
		}
		if got != step.want {
			t.Fatalf("Fire(%s): got %s, want %s", step.event, got, step.want)
		}
	}

	hist, err := m.History(agent)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != len(steps) {
		t.Fatalf("expected %d history entries, got %d", len(steps), len(hist))
	}
}

func TestFire_PauseFromReadyOrRunning(t *testing.T) {
	m := New(nil)
	m.Fire("r1", EventInitialize)
	m.Fire("r1", EventReady)
	if got, err := m.Fire("r1", EventPause); err != nil || got != StatePaused {
		t.Fatalf("pause from ready: got %s, err %v", got, err)
	}

	m.Fire("r2", EventInitialize)
	m.Fire("r2", EventReady)
	m.Fire("r2", EventStart)
	if got, err := m.Fire("r2", EventPause); err != nil || got != StatePaused {
		t.Fatalf("pause from running: got %s, err %v", got, err)
	}
}

func TestFire_InvalidTransitionRejected(t *testing.T) {
	m := New(nil)
	m.Register("x")
	if _, err := m.Fire("x", EventStart); err == nil {
		t.Fatal("expected error starting from created state")
	}
	st, _ := m.State("x")
	if st != StateCreated {
		t.Fatalf("state must not change on rejected transition, got %s", st)
	}
}

func TestFire_TerminatedAbsorbsAllEvents(t *testing.T) {
	m := New(nil)
	m.Fire("t1", EventInitialize)
	m.Fire("t1", EventTerminate)

	for _, ev := range []Event{EventInitialize, EventReady, EventStart, EventRecover, EventTerminate} {
		if _, err := m.Fire("t1", ev); err != ErrTerminated {
			t.Fatalf("event %s after terminate: expected ErrTerminated, got %v", ev, err)
		}
	}
	st, _ := m.State("t1")
	if st != StateTerminated {
		t.Fatalf("expected terminated to stick, got %s", st)
	}
}

func TestFire_TerminateFromAnyNonTerminalState(t *testing.T) {
	for _, ev := range []Event{EventInitialize, EventReady, EventStart, EventPause, EventFail} {
		m := New(nil)
		agent := "agent-" + string(ev)
		switch ev {
		case EventInitialize:
		case EventReady:
			m.Fire(agent, EventInitialize)
		case EventStart, EventPause:
			m.Fire(agent, EventInitialize)
			m.Fire(agent, EventReady)
			m.Fire(agent, ev)
		case EventFail:
			m.Fire(agent, EventInitialize)
			m.Fire(agent, EventFail)
		}
		if _, err := m.Fire(agent, EventTerminate); err != nil {
			t.Fatalf("terminate should succeed from any non-terminal state, got %v", err)
		}
	}
}

func TestFire_PublishesSynchronouslyOnLifecycleChannel(t *testing.T) {
	b := bus.New(64, log.Default())
	m := New(b)

	var got bus.Event
	received := make(chan struct{}, 1)
	_, err := b.Subscribe(LifecycleChannel, func(e bus.Event) {
		got = e
		received <- struct{}{}
	}, bus.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := m.Fire("e1", EventInitialize); err != nil {
		t.Fatalf("fire: %v", err)
	}

	select {
	case <-received:
	default:
		t.Fatal("expected synchronous delivery before Fire returned")
	}

	if got.Type != "agent.initializing" {
		t.Fatalf("expected type agent.initializing, got %s", got.Type)
	}
	if got.Channel != LifecycleChannel {
		t.Fatalf("expected channel %s, got %s", LifecycleChannel, got.Channel)
	}
}

func TestRegister_IsIdempotent(t *testing.T) {
	m := New(nil)
	s1 := m.Register("z")
	m.Fire("z", EventInitialize)
	s2 := m.Register("z")
	if s1 != StateCreated {
		t.Fatalf("expected created on first register, got %s", s1)
	}
	if s2 != StateInitializing {
		t.Fatalf("re-register should return current state, got %s", s2)
	}
}

func TestState_UnknownAgent(t *testing.T) {
	m := New(nil)
	if _, err := m.State("nope"); err != ErrUnknownAgent {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}
