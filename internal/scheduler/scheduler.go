// Package scheduler implements the named, interval-driven job runner
// (§4.H): no-overlap skip-and-log semantics, an optional injected
// distributed lock provider, pause/resume/trigger/unregister, and a
// graceful shutdown grace period. Grounded on the per-registry background
// ticker loop in pkg/headless/registry.go's cleanupLoop (started from
// Registry.Start, stopped via a close(stopChan) channel rather than just
// context cancellation) and the lock-contention vocabulary in
// pkg/parallel/locks.go's FileLockManager (Acquire returning a release
// mechanism, a per-waiter heartbeat/cleanup loop).
package scheduler

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrJobExists   = errors.New("scheduler: job already registered")
	ErrJobNotFound = errors.New("scheduler: job not found")
)

// Handler is the work a job performs on each tick.
type Handler func()

// LockProvider is consulted before a tick runs, when configured for a job.
// It returns a release function on success, or nil if the lock could not
// be acquired — in which case the tick is skipped (§4.H).
type LockProvider func(jobID string) (release func(), ok bool)

// JobSpec registers one job.
type JobSpec struct {
	ID       string
	Interval time.Duration
	Handler  Handler
	Lock     LockProvider // optional
}

type job struct {
	spec JobSpec

	mu      sync.Mutex
	paused  atomic.Bool
	running atomic.Bool
	stop    chan struct{}
	stopped chan struct{}
	trigger chan struct{}

	lastSkippedOverlap uint64
	lastSkippedLock    uint64
}

// Scheduler runs registered jobs on their own ticker goroutines.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*job
	logger *log.Logger
}

// New builds a Scheduler. logger may be nil, in which case log.Default()
// is used.
func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{jobs: make(map[string]*job), logger: logger}
}

// Register adds a job and starts its ticking goroutine immediately.
func (s *Scheduler) Register(spec JobSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("scheduler: job id required")
	}
	if spec.Interval <= 0 {
		return fmt.Errorf("scheduler: job %q interval must be positive", spec.ID)
	}
	if spec.Handler == nil {
		return fmt.Errorf("scheduler: job %q handler required", spec.ID)
	}

	s.mu.Lock()
	if _, exists := s.jobs[spec.ID]; exists {
		s.mu.Unlock()
		return ErrJobExists
	}
	j := &job{
		spec:    spec,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		trigger: make(chan struct{}, 1),
	}
	s.jobs[spec.ID] = j
	s.mu.Unlock()

	go s.run(j)
	return nil
}

func (s *Scheduler) run(j *job) {
	defer close(j.stopped)
	// Each run gets its own goroutine so a tick that fires mid-run reaches
	// tick()'s overlap check; stopped closes only after those runs return.
	var inflight sync.WaitGroup
	defer inflight.Wait()
	ticker := time.NewTicker(j.spec.Interval)
	defer ticker.Stop()

	spawn := func() {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.tick(j)
		}()
	}
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			spawn()
		case <-j.trigger:
			spawn()
		}
	}
}

// tick runs one invocation of the job's handler, enforcing no-overlap and
// the optional distributed lock (§4.H).
func (s *Scheduler) tick(j *job) {
	if j.paused.Load() {
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		atomic.AddUint64(&j.lastSkippedOverlap, 1)
		s.logger.Printf("scheduler: job %q skipped, previous run still in progress", j.spec.ID)
		return
	}
	defer j.running.Store(false)

	if j.spec.Lock != nil {
		release, ok := j.spec.Lock(j.spec.ID)
		if !ok {
			atomic.AddUint64(&j.lastSkippedLock, 1)
			s.logger.Printf("scheduler: job %q skipped, lock not acquired", j.spec.ID)
			return
		}
		defer release()
	}

	j.spec.Handler()
}

// Pause stops a job's ticks from running its handler without unregistering
// it; a pending trigger still fires but tick() no-ops while paused.
func (s *Scheduler) Pause(jobID string) error {
	j, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	j.paused.Store(true)
	return nil
}

// Resume clears a job's paused flag.
func (s *Scheduler) Resume(jobID string) error {
	j, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	j.paused.Store(false)
	return nil
}

// Trigger runs the job once immediately, outside its regular interval,
// still subject to the no-overlap and lock checks.
func (s *Scheduler) Trigger(jobID string) error {
	j, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	select {
	case j.trigger <- struct{}{}:
	default:
		// a trigger is already pending; dropping a duplicate is fine since
		// the effect (one more run) is what the caller wants either way.
	}
	return nil
}

// Unregister stops a job's ticking goroutine and removes it. It does not
// wait for an in-flight run; use Shutdown for a bounded wait across every
// job.
func (s *Scheduler) Unregister(jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if ok {
		delete(s.jobs, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	close(j.stop)
	return nil
}

func (s *Scheduler) lookup(jobID string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Shutdown stops every job's ticking goroutine and waits up to grace for
// in-flight runs to finish (§4.H "grants a grace period for in-flight runs
// to complete").
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.jobs = make(map[string]*job)
	s.mu.Unlock()

	for _, j := range jobs {
		close(j.stop)
	}

	deadline := time.After(grace)
	for _, j := range jobs {
		select {
		case <-j.stopped:
		case <-deadline:
			s.logger.Printf("scheduler: shutdown grace period exceeded, %d job(s) may still be running", len(jobs))
			return
		}
	}
}

// Stats reports skip counters for observability.
type Stats struct {
	SkippedOverlap uint64
	SkippedLock    uint64
	Paused         bool
}

// Stats returns jobID's skip counters.
func (s *Scheduler) Stats(jobID string) (Stats, error) {
	j, err := s.lookup(jobID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		SkippedOverlap: atomic.LoadUint64(&j.lastSkippedOverlap),
		SkippedLock:    atomic.LoadUint64(&j.lastSkippedLock),
		Paused:         j.paused.Load(),
	}, nil
}
