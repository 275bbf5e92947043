package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mtzanidakis/archon/internal/agent"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentExists      = errors.New("agent already registered")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowExists   = errors.New("workflow already registered")
	ErrDependencyNotMet = errors.New("dependency not met")
)

const defaultMaxConcurrent = 8

// Config tunes one Orchestrator instance.
type Config struct {
	// MaxConcurrentTasks bounds how many agent executions may be in
	// flight at once across all dispatch paths. Non-positive values
	// fall back to the default bound.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`

	// EnableLogging gates the structured log lines emitted on
	// registration, dispatch and failure.
	EnableLogging bool `json:"enable_logging"`

	// AutoRetry controls whether ExecuteWorkflow keeps iterating past
	// a failed step. Retrying the failed call itself stays with the
	// agent's own retry policy; the workflow level never re-runs a step.
	AutoRetry bool `json:"auto_retry"`
}

// Publisher receives orchestration events. The daemon attaches a
// bus-backed implementation; a nil publisher means events are skipped.
type Publisher interface {
	PublishEvent(event string, data map[string]any)
}

// Orchestrator holds the name-keyed agent registry and the id-keyed
// workflow registry, and mediates all dispatch. It never runs agent
// logic directly, only through the task/response contract. All methods
// are safe for concurrent use.
type Orchestrator struct {
	cfg Config
	sem chan struct{}
	pub Publisher

	mu         sync.RWMutex
	agents     map[string]*agent.Agent
	agentOrder []string
	workflows  map[string]*Workflow
}

func New(cfg Config) *Orchestrator {
	max := cfg.MaxConcurrentTasks
	if max <= 0 {
		max = defaultMaxConcurrent
	}
	return &Orchestrator{
		cfg:       cfg,
		sem:       make(chan struct{}, max),
		agents:    make(map[string]*agent.Agent),
		workflows: make(map[string]*Workflow),
	}
}

// SetPublisher attaches the event publisher. Call before dispatch begins.
func (o *Orchestrator) SetPublisher(p Publisher) {
	o.pub = p
}

func (o *Orchestrator) Config() Config { return o.cfg }

// RegisterAgent inserts an agent into the registry. A duplicate name is
// rejected rather than silently overwriting the earlier registration.
func (o *Orchestrator) RegisterAgent(a *agent.Agent) error {
	name := a.Name()
	o.mu.Lock()
	if _, ok := o.agents[name]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentExists, name)
	}
	o.agents[name] = a
	o.agentOrder = append(o.agentOrder, name)
	o.mu.Unlock()

	o.logInfo("agent registered", "agent", name, "category", a.Descriptor().Category)
	o.publish("agent.registered", map[string]any{"agent": name})
	return nil
}

// RegisterAgents registers agents in order, stopping at the first failure.
func (o *Orchestrator) RegisterAgents(list []*agent.Agent) error {
	for _, a := range list {
		if err := o.RegisterAgent(a); err != nil {
			return err
		}
	}
	return nil
}

// GetAgent returns the registered agent instance for name. Repeated
// calls return the same instance.
func (o *Orchestrator) GetAgent(name string) (*agent.Agent, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return a, nil
}

// ListAgents returns all registered agents in registration order.
func (o *Orchestrator) ListAgents() []*agent.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(o.agentOrder))
	for _, name := range o.agentOrder {
		out = append(out, o.agents[name])
	}
	return out
}

// AgentsByCategory filters the registry by descriptor category.
func (o *Orchestrator) AgentsByCategory(category string) []*agent.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*agent.Agent
	for _, name := range o.agentOrder {
		if a := o.agents[name]; a.Descriptor().Category == category {
			out = append(out, a)
		}
	}
	return out
}

// ExecuteTask dispatches one task to the named agent with a fresh
// unique task id. An unknown agent name is a hard error with no side
// effects; everything the agent itself fails at (process errors after
// retries, timeouts) is captured inside the returned response.
func (o *Orchestrator) ExecuteTask(ctx context.Context, agentName string, tmpl agent.Template) (*agent.Response, error) {
	a, err := o.GetAgent(agentName)
	if err != nil {
		return nil, err
	}

	task := agent.NewTask(uuid.New().String(), tmpl)
	o.logInfo("task dispatched", "agent", agentName, "task", task.ID)
	o.publish("task.dispatched", map[string]any{"agent": agentName, "task": task.ID})

	resp := o.dispatch(ctx, a, task)

	if resp.Success {
		o.logInfo("task completed", "agent", agentName, "task", task.ID)
		o.publish("task.completed", map[string]any{"agent": agentName, "task": task.ID})
	} else {
		o.logWarn("task failed", "agent", agentName, "task", task.ID, "error", resp.Error)
		o.publish("task.failed", map[string]any{"agent": agentName, "task": task.ID, "error": resp.Error})
	}
	return resp, nil
}

// TaskRequest is one item of an ExecuteParallel batch.
type TaskRequest struct {
	AgentName string         `json:"agent"`
	Task      agent.Template `json:"task"`
}

// ExecuteParallel dispatches all requests concurrently, bounded by the
// configured concurrency limit, and waits for every one to settle. The
// returned slice is positionally aligned with the input regardless of
// completion order, and one item's failure (including an unknown agent
// name, captured as a failed response in that position) never cancels
// or short-circuits the others.
func (o *Orchestrator) ExecuteParallel(ctx context.Context, requests []TaskRequest) []*agent.Response {
	o.logInfo("parallel batch started", "tasks", len(requests))

	responses := make([]*agent.Response, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req TaskRequest) {
			defer wg.Done()

			a, err := o.GetAgent(req.AgentName)
			if err != nil {
				responses[i] = &agent.Response{Success: false, Error: err.Error()}
				return
			}
			task := agent.NewTask(uuid.New().String(), req.Task)
			responses[i] = o.dispatch(ctx, a, task)
		}(i, req)
	}
	wg.Wait()

	failed := 0
	for _, r := range responses {
		if !r.Success {
			failed++
		}
	}
	o.logInfo("parallel batch settled", "tasks", len(requests), "failed", failed)
	o.publish("task.batch", map[string]any{"tasks": len(requests), "failed": failed})
	return responses
}

// InitializeAll fans the initialize call out to every registered agent
// concurrently and waits for all of them. Already-initialized agents
// are skipped by Initialize itself. Failures are joined into one error.
func (o *Orchestrator) InitializeAll(ctx context.Context) error {
	agents := o.ListAgents()
	o.logInfo("initializing agents", "count", len(agents))

	errs := make([]error, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a *agent.Agent) {
			defer wg.Done()
			errs[i] = a.Initialize(ctx)
		}(i, a)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ShutdownAll fans the shutdown call out to every registered agent
// concurrently and waits for all of them. Shutdown is idempotent per
// agent, so cleanup still runs exactly once across repeated calls.
func (o *Orchestrator) ShutdownAll(ctx context.Context) error {
	agents := o.ListAgents()
	o.logInfo("shutting down agents", "count", len(agents))

	errs := make([]error, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a *agent.Agent) {
			defer wg.Done()
			errs[i] = a.Shutdown(ctx)
		}(i, a)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// dispatch runs one agent execution under the concurrency bound.
func (o *Orchestrator) dispatch(ctx context.Context, a *agent.Agent, task *agent.Task) *agent.Response {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return &agent.Response{Success: false, Error: fmt.Sprintf("task %s not dispatched: %v", task.ID, ctx.Err())}
	}
	defer func() { <-o.sem }()

	return a.Execute(ctx, task)
}

func (o *Orchestrator) publish(event string, data map[string]any) {
	if o.pub == nil {
		return
	}
	o.pub.PublishEvent(event, data)
}

func (o *Orchestrator) logInfo(msg string, args ...any) {
	if o.cfg.EnableLogging {
		slog.Info(msg, args...)
	}
}

func (o *Orchestrator) logWarn(msg string, args ...any) {
	if o.cfg.EnableLogging {
		slog.Warn(msg, args...)
	}
}
