package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAgentShutDown is returned by lifecycle calls on an agent that has
// been shut down. Shutdown is terminal; there is no restart.
var ErrAgentShutDown = errors.New("agent is shut down")

const (
	defaultTimeout = 30 * time.Second
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// State is a derived view of an agent's lifecycle for status snapshots.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateIdle          State = "idle"
	StateBusy          State = "busy"
	StateShutDown      State = "shutdown"
)

// Agent wraps one handler behind a uniform execute-with-lifecycle
// contract: setup runs once and lazily, process runs per task with
// retry and timeout enforcement, cleanup runs once on shutdown. One
// Agent instance exists per registered name, but an Agent is fully
// usable without an orchestrator.
type Agent struct {
	desc    Descriptor
	handler Handler

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	running     int
}

// New builds an Agent in the uninitialized state. The descriptor is
// copied and never mutated afterwards.
func New(desc Descriptor, h Handler) *Agent {
	return &Agent{desc: desc, handler: h}
}

func (a *Agent) Descriptor() Descriptor { return a.desc }

func (a *Agent) Name() string { return a.desc.Name }

// State derives the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.shutdown:
		return StateShutDown
	case a.running > 0:
		return StateBusy
	case a.initialized:
		return StateIdle
	default:
		return StateUninitialized
	}
}

// Initialize runs the handler's setup hook once. Calling it on an
// already-initialized agent is a no-op; calling it after shutdown fails.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shutdown {
		return fmt.Errorf("agent %s: %w", a.desc.Name, ErrAgentShutDown)
	}
	if a.initialized {
		return nil
	}
	if s, ok := a.handler.(SetupHandler); ok {
		if err := s.Setup(ctx); err != nil {
			return fmt.Errorf("agent %s setup: %w", a.desc.Name, err)
		}
	}
	a.initialized = true
	return nil
}

// Initialized reports whether setup has completed.
func (a *Agent) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized
}

// Shutdown runs the handler's cleanup hook and marks the agent
// terminally shut down. It is idempotent; cleanup runs at most once.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	wasInitialized := a.initialized
	a.mu.Unlock()

	if !wasInitialized {
		return nil
	}
	if c, ok := a.handler.(CleanupHandler); ok {
		if err := c.Cleanup(ctx); err != nil {
			return fmt.Errorf("agent %s cleanup: %w", a.desc.Name, err)
		}
	}
	return nil
}

// Execute runs one task through the handler. An uninitialized agent is
// initialized first (setup is lazy); a shut-down agent always fails.
// Process failures are retried up to the descriptor's MaxRetries unless
// the error reports itself non-retryable, and the whole call, retries
// included, is bounded by the descriptor's TimeoutMs. On timeout the
// in-flight attempt is abandoned: its context is cancelled and its
// eventual result discarded. All failures are captured in the Response;
// Execute never panics and never returns an error out of band.
func (a *Agent) Execute(ctx context.Context, task *Task) *Response {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return failure("agent %s: %v", a.desc.Name, ErrAgentShutDown)
	}
	a.mu.Unlock()

	if err := a.Initialize(ctx); err != nil {
		return failure("%v", err)
	}

	a.mu.Lock()
	a.running++
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running--
		a.mu.Unlock()
	}()

	timeout := defaultTimeout
	if a.desc.TimeoutMs > 0 {
		timeout = time.Duration(a.desc.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= a.desc.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, retryDelay(attempt)); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		out, err := a.runProcess(ctx, task)
		if err == nil {
			return &Response{Success: true, Output: out}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if !shouldRetry(err) {
			break
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return failure("task %s timed out after %s", task.ID, timeout)
	}
	if attempts > 1 {
		return failure("task %s failed after %d attempts: %v", task.ID, attempts, lastErr)
	}
	return failure("task %s failed: %v", task.ID, lastErr)
}

// runProcess runs a single process attempt in its own goroutine so a
// handler that ignores ctx cannot wedge Execute past the deadline.
func (a *Agent) runProcess(ctx context.Context, task *Task) (any, error) {
	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := a.handler.Process(ctx, task)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
