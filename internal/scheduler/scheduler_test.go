package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRegister_RunsOnInterval(t *testing.T) {
	s := New(nil)
	defer s.Shutdown(time.Second)

	var count atomic.Int32
	err := s.Register(JobSpec{
		ID:       "tick",
		Interval: 20 * time.Millisecond,
		Handler:  func() { count.Add(1) },
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if count.Load() < 2 {
		t.Fatalf("expected at least 2 ticks, got %d", count.Load())
	}
}

func TestRegister_DuplicateIDRejected(t *testing.T) {
	s := New(nil)
	defer s.Shutdown(time.Second)

	spec := JobSpec{ID: "dup", Interval: time.Second, Handler: func() {}}
	if err := s.Register(spec); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := s.Register(spec); err != ErrJobExists {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
}

func TestTick_SkipsOverlappingRun(t *testing.T) {
	s := New(nil)
	defer s.Shutdown(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	s.Register(JobSpec{
		ID:       "slow",
		Interval: 10 * time.Millisecond,
		Handler: func() {
			runs.Add(1)
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
		},
	})

	<-started
	time.Sleep(50 * time.Millisecond) // several ticks fire while handler blocks
	close(release)
	time.Sleep(20 * time.Millisecond)

	stats, err := s.Stats("slow")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.SkippedOverlap == 0 {
		t.Fatal("expected at least one overlap skip while the handler was blocked")
	}
}

func TestTick_SkipsWhenLockNotAcquired(t *testing.T) {
	s := New(nil)
	defer s.Shutdown(time.Second)

	var handlerRuns atomic.Int32
	lock := func(jobID string) (func(), bool) { return nil, false }

	s.Register(JobSpec{
		ID:       "locked",
		Interval: 15 * time.Millisecond,
		Handler:  func() { handlerRuns.Add(1) },
		Lock:     lock,
	})

	time.Sleep(60 * time.Millisecond)
	if handlerRuns.Load() != 0 {
		t.Fatalf("expected handler never to run without the lock, ran %d times", handlerRuns.Load())
	}
	stats, _ := s.Stats("locked")
	if stats.SkippedLock == 0 {
		t.Fatal("expected lock-skip counter to increase")
	}
}

func TestPauseResume(t *testing.T) {
	s := New(nil)
	defer s.Shutdown(time.Second)

	var runs atomic.Int32
	s.Register(JobSpec{ID: "pausable", Interval: 15 * time.Millisecond, Handler: func() { runs.Add(1) }})

	time.Sleep(40 * time.Millisecond)
	if err := s.Pause("pausable"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	afterPause := runs.Load()
	time.Sleep(60 * time.Millisecond)
	if runs.Load() != afterPause {
		t.Fatalf("expected no runs while paused, went from %d to %d", afterPause, runs.Load())
	}

	if err := s.Resume("pausable"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if runs.Load() <= afterPause {
		t.Fatal("expected runs to resume after Resume")
	}
}

func TestTrigger_RunsImmediately(t *testing.T) {
	s := New(nil)
	defer s.Shutdown(time.Second)

	var runs atomic.Int32
	s.Register(JobSpec{ID: "manual", Interval: time.Hour, Handler: func() { runs.Add(1) }})

	if err := s.Trigger("manual"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("expected exactly 1 run from trigger, got %d", runs.Load())
	}
}

func TestUnregister_StopsJob(t *testing.T) {
	s := New(nil)
	defer s.Shutdown(time.Second)

	var runs atomic.Int32
	s.Register(JobSpec{ID: "temp", Interval: 10 * time.Millisecond, Handler: func() { runs.Add(1) }})
	time.Sleep(30 * time.Millisecond)

	if err := s.Unregister("temp"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	afterUnregister := runs.Load()
	time.Sleep(40 * time.Millisecond)
	if runs.Load() != afterUnregister {
		t.Fatal("expected no further runs after unregister")
	}

	if err := s.Unregister("temp"); err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound on double unregister, got %v", err)
	}
}

func TestShutdown_WaitsForInFlightRun(t *testing.T) {
	s := New(nil)

	finished := make(chan struct{}, 1)
	s.Register(JobSpec{
		ID:       "graceful",
		Interval: 5 * time.Millisecond,
		Handler: func() {
			time.Sleep(30 * time.Millisecond)
			select {
			case finished <- struct{}{}:
			default:
			}
		},
	})

	time.Sleep(8 * time.Millisecond) // let one run start
	s.Shutdown(200 * time.Millisecond)

	select {
	case <-finished:
	default:
		t.Fatal("expected the in-flight run to complete within the grace period")
	}
}
