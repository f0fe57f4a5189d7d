package sandbox

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/odvcencio/agentcoreserver/internal/agentfsm"
)

// entry tracks one agent's sandbox plus the retry/error bookkeeping the
// registry needs to decide between retrying and giving up (§4.G).
type entry struct {
	sandbox    *Sandbox
	errorCount int
	retryCount int
}

// RegistryConfig configures failure handling across the registry.
type RegistryConfig struct {
	ErrorThreshold int           // consecutive errors before the agent moves to agentfsm.StateError, default 3
	MaxRetries     int           // cap on execute retries with exponential backoff, default 3
	BaseBackoff    time.Duration // default 500ms, doubled per retry
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	return c
}

// Registry maps agent_id → sandbox, enforcing at most one sandbox per agent
// (§4.G). Grounded on pkg/headless.Registry's map[string]*Runner shape,
// generalized to add the error-threshold-driven state transition and
// retry-with-backoff execute wrapper the spec requires.
type Registry struct {
	mu        sync.RWMutex
	sandboxes map[string]*entry
	cfg       RegistryConfig
	fsm       *agentfsm.Machine
	logger    *log.Logger
}

// NewRegistry builds a Registry. fsm may be nil if the caller does not want
// error-threshold-driven state transitions.
func NewRegistry(cfg RegistryConfig, fsm *agentfsm.Machine, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		sandboxes: make(map[string]*entry),
		cfg:       cfg.withDefaults(),
		fsm:       fsm,
		logger:    logger,
	}
}

// Create spawns a new sandbox for agentID. Returns ErrAgentExists if one is
// already registered.
func (r *Registry) Create(ctx context.Context, cfg Config, capabilitiesJSON string) (*Sandbox, error) {
	r.mu.Lock()
	if _, exists := r.sandboxes[cfg.AgentID]; exists {
		r.mu.Unlock()
		return nil, ErrAgentExists
	}
	sb := New(cfg, r.logger)
	r.sandboxes[cfg.AgentID] = &entry{sandbox: sb}
	r.mu.Unlock()

	if err := sb.Spawn(ctx, capabilitiesJSON); err != nil {
		r.mu.Lock()
		delete(r.sandboxes, cfg.AgentID)
		r.mu.Unlock()
		return nil, err
	}
	return sb, nil
}

// Get returns the sandbox registered for agentID.
func (r *Registry) Get(agentID string) (*Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sandboxes[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return e.sandbox, nil
}

// Execute runs task against agentID's sandbox, retrying up to
// cfg.MaxRetries times with exponential backoff on failure, and moving the
// agent to agentfsm.StateError via FAIL once cfg.ErrorThreshold consecutive
// failures accumulate (§4.G "failure... transitions the agent to error
// once an error-count threshold is exceeded").
func (r *Registry) Execute(ctx context.Context, agentID string, task Task) (Result, error) {
	r.mu.RLock()
	e, ok := r.sandboxes[agentID]
	r.mu.RUnlock()
	if !ok {
		return Result{}, ErrAgentNotFound
	}

	var lastErr error
	var lastResult Result
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.BaseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}

		res, err := e.sandbox.Execute(ctx, task)
		if err == nil && res.Success {
			r.mu.Lock()
			e.errorCount = 0
			e.retryCount = 0
			r.mu.Unlock()
			return res, nil
		}

		lastErr = err
		lastResult = res
		r.mu.Lock()
		e.errorCount++
		e.retryCount++
		errCount := e.errorCount
		r.mu.Unlock()

		if errCount >= r.cfg.ErrorThreshold {
			r.logger.Printf("sandbox registry: agent %s exceeded error threshold (%d), marking error", agentID, errCount)
			if r.fsm != nil {
				_, _ = r.fsm.Fire(agentID, agentfsm.EventFail)
			}
			break
		}
	}
	return lastResult, lastErr
}

// Terminate gracefully stops and removes agentID's sandbox.
func (r *Registry) Terminate(ctx context.Context, agentID string) error {
	r.mu.Lock()
	e, ok := r.sandboxes[agentID]
	if ok {
		delete(r.sandboxes, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return ErrAgentNotFound
	}
	return e.sandbox.Terminate(ctx)
}

// TerminateAll stops and removes every registered sandbox.
func (r *Registry) TerminateAll(ctx context.Context) {
	r.mu.Lock()
	entries := r.sandboxes
	r.sandboxes = make(map[string]*entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(sb *Sandbox) {
			defer wg.Done()
			_ = sb.Terminate(ctx)
		}(e.sandbox)
	}
	wg.Wait()
}

// Count returns the number of registered sandboxes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sandboxes)
}
