package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/archon/internal/agent"
)

func echoAgent(name string) *agent.Agent {
	return agent.New(agent.Descriptor{Name: name, Category: "util", TimeoutMs: 5000},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			return task.Input, nil
		}))
}

func failingAgent(name string) *agent.Agent {
	return agent.New(agent.Descriptor{Name: name, TimeoutMs: 5000},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			return nil, errors.New("boom")
		}))
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return New(Config{MaxConcurrentTasks: 4})
}

func TestRegisterAndGetAgent(t *testing.T) {
	o := newTestOrchestrator(t)
	a := echoAgent("echo")
	if err := o.RegisterAgent(a); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := o.GetAgent("echo")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != a {
		t.Error("expected the registered instance")
	}
	again, _ := o.GetAgent("echo")
	if again != got {
		t.Error("expected the same instance across repeated lookups")
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := o.RegisterAgent(echoAgent("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := o.RegisterAgent(echoAgent("echo"))
	if !errors.Is(err, ErrAgentExists) {
		t.Errorf("expected ErrAgentExists, got %v", err)
	}
	if len(o.ListAgents()) != 1 {
		t.Errorf("expected 1 agent after rejected duplicate, got %d", len(o.ListAgents()))
	}
}

func TestRegisterAgentsStopsAtFirstRejection(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.RegisterAgents([]*agent.Agent{
		echoAgent("a"),
		echoAgent("a"),
		echoAgent("b"),
	})
	if !errors.Is(err, ErrAgentExists) {
		t.Fatalf("expected ErrAgentExists, got %v", err)
	}
	if _, err := o.GetAgent("b"); !errors.Is(err, ErrAgentNotFound) {
		t.Error("expected registration to stop before b")
	}
}

func TestListAgentsLength(t *testing.T) {
	o := newTestOrchestrator(t)
	names := []string{"a", "b", "c"}
	for _, n := range names {
		if err := o.RegisterAgent(echoAgent(n)); err != nil {
			t.Fatalf("register %s: %v", n, err)
		}
	}
	agents := o.ListAgents()
	if len(agents) != len(names) {
		t.Fatalf("expected %d agents, got %d", len(names), len(agents))
	}
	for i, a := range agents {
		if a.Name() != names[i] {
			t.Errorf("expected registration order, got %s at %d", a.Name(), i)
		}
	}
}

func TestAgentsByCategory(t *testing.T) {
	o := newTestOrchestrator(t)
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "a", Category: "ingest"}, agent.HandlerFunc(nil)))
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "b", Category: "report"}, agent.HandlerFunc(nil)))
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "c", Category: "ingest"}, agent.HandlerFunc(nil)))

	got := o.AgentsByCategory("ingest")
	if len(got) != 2 {
		t.Fatalf("expected 2 ingest agents, got %d", len(got))
	}
	if got[0].Name() != "a" || got[1].Name() != "c" {
		t.Errorf("unexpected agents: %s, %s", got[0].Name(), got[1].Name())
	}
	if len(o.AgentsByCategory("missing")) != 0 {
		t.Error("expected no agents for unknown category")
	}
}

func TestExecuteTaskEcho(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := o.RegisterAgent(echoAgent("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := o.ExecuteTask(context.Background(), "echo", agent.Template{Input: "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %s", resp.Error)
	}
	if resp.Output != "hi" {
		t.Errorf("expected output 'hi', got %v", resp.Output)
	}
}

func TestExecuteTaskUnknownAgent(t *testing.T) {
	o := newTestOrchestrator(t)

	resp, err := o.ExecuteTask(context.Background(), "nope", agent.Template{})
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
	if resp != nil {
		t.Error("expected nil response for unknown agent")
	}
}

func TestExecuteTaskFreshIDs(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	o := newTestOrchestrator(t)
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "ids", TimeoutMs: 5000},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			if task.ID == "" || seen[task.ID] {
				return nil, errors.New("task id reused or empty")
			}
			seen[task.ID] = true
			return nil, nil
		})))

	for i := 0; i < 5; i++ {
		resp, err := o.ExecuteTask(context.Background(), "ids", agent.Template{})
		if err != nil || !resp.Success {
			t.Fatalf("run %d: err=%v resp=%+v", i, err, resp)
		}
	}
}

func TestExecuteParallelPositional(t *testing.T) {
	o := newTestOrchestrator(t)
	// a is slow so completion order differs from input order.
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "a", TimeoutMs: 5000},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			time.Sleep(100 * time.Millisecond)
			return "a-out", nil
		})))
	_ = o.RegisterAgent(failingAgent("b"))
	_ = o.RegisterAgent(echoAgent("c"))

	responses := o.ExecuteParallel(context.Background(), []TaskRequest{
		{AgentName: "a"},
		{AgentName: "b"},
		{AgentName: "c", Task: agent.Template{Input: "c-in"}},
	})

	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(responses))
	}
	if !responses[0].Success || responses[0].Output != "a-out" {
		t.Errorf("position 0: %+v", responses[0])
	}
	if responses[1].Success {
		t.Error("position 1: expected failure")
	}
	if !responses[2].Success || responses[2].Output != "c-in" {
		t.Errorf("position 2: %+v", responses[2])
	}
}

func TestExecuteParallelUnknownAgentIsolated(t *testing.T) {
	o := newTestOrchestrator(t)
	_ = o.RegisterAgent(echoAgent("echo"))

	responses := o.ExecuteParallel(context.Background(), []TaskRequest{
		{AgentName: "echo", Task: agent.Template{Input: 1}},
		{AgentName: "ghost"},
		{AgentName: "echo", Task: agent.Template{Input: 2}},
	})

	if !responses[0].Success || !responses[2].Success {
		t.Error("known agents must be unaffected by the unknown one")
	}
	if responses[1].Success || !strings.Contains(responses[1].Error, "not found") {
		t.Errorf("expected not-found failure at position 1, got %+v", responses[1])
	}
}

func TestExecuteParallelBounded(t *testing.T) {
	o := New(Config{MaxConcurrentTasks: 2})

	var inFlight, peak atomic.Int32
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "slow", TimeoutMs: 5000},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		})))

	reqs := make([]TaskRequest, 6)
	for i := range reqs {
		reqs[i] = TaskRequest{AgentName: "slow"}
	}
	o.ExecuteParallel(context.Background(), reqs)

	if p := peak.Load(); p > 2 {
		t.Errorf("expected at most 2 concurrent executions, saw %d", p)
	}
}

func TestInitializeAllSkipsInitialized(t *testing.T) {
	o := newTestOrchestrator(t)

	var setups atomic.Int32
	h := &hookHandler{setup: func(ctx context.Context) error {
		setups.Add(1)
		return nil
	}}
	a := agent.New(agent.Descriptor{Name: "hooked", TimeoutMs: 5000}, h)
	_ = o.RegisterAgent(a)
	_ = o.RegisterAgent(echoAgent("plain"))

	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := o.InitializeAll(context.Background()); err != nil {
		t.Fatalf("initialize all: %v", err)
	}
	if setups.Load() != 1 {
		t.Errorf("expected setup once, got %d", setups.Load())
	}
	for _, a := range o.ListAgents() {
		if !a.Initialized() {
			t.Errorf("agent %s not initialized", a.Name())
		}
	}
}

func TestShutdownAllOnceAndTerminal(t *testing.T) {
	o := newTestOrchestrator(t)

	var cleanups atomic.Int32
	h := &hookHandler{cleanup: func(ctx context.Context) error {
		cleanups.Add(1)
		return nil
	}}
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "hooked", TimeoutMs: 5000}, h))

	if err := o.InitializeAll(context.Background()); err != nil {
		t.Fatalf("initialize all: %v", err)
	}
	if err := o.ShutdownAll(context.Background()); err != nil {
		t.Fatalf("shutdown all: %v", err)
	}
	if err := o.ShutdownAll(context.Background()); err != nil {
		t.Fatalf("second shutdown all: %v", err)
	}
	if cleanups.Load() != 1 {
		t.Errorf("expected cleanup once, got %d", cleanups.Load())
	}

	resp, err := o.ExecuteTask(context.Background(), "hooked", agent.Template{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Success {
		t.Error("expected execute after shutdown to fail")
	}
}

type hookHandler struct {
	setup   func(ctx context.Context) error
	cleanup func(ctx context.Context) error
}

func (h *hookHandler) Setup(ctx context.Context) error {
	if h.setup != nil {
		return h.setup(ctx)
	}
	return nil
}

func (h *hookHandler) Cleanup(ctx context.Context) error {
	if h.cleanup != nil {
		return h.cleanup(ctx)
	}
	return nil
}

func (h *hookHandler) Process(ctx context.Context, task *agent.Task) (any, error) {
	return task.Input, nil
}

func TestSystemStatus(t *testing.T) {
	o := newTestOrchestrator(t)
	_ = o.RegisterAgent(echoAgent("echo"))
	_ = o.RegisterWorkflow(Workflow{
		ID:    "wf",
		Name:  "Demo",
		Steps: []Step{{AgentName: "echo"}, {ID: "again", AgentName: "echo", DependsOn: []string{"echo"}}},
	})

	status := o.SystemStatus()
	if len(status.Agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(status.Agents))
	}
	if status.Agents[0].State != agent.StateUninitialized {
		t.Errorf("expected uninitialized, got %s", status.Agents[0].State)
	}
	if len(status.Workflows) != 1 {
		t.Fatalf("expected 1 workflow, got %d", len(status.Workflows))
	}
	wf := status.Workflows[0]
	if len(wf.Steps) != 2 || wf.Steps[0].ID != "echo" || wf.Steps[1].ID != "again" {
		t.Errorf("unexpected workflow shape: %+v", wf)
	}

	resp, err := o.ExecuteTask(context.Background(), "echo", agent.Template{Input: "x"})
	if err != nil || !resp.Success {
		t.Fatalf("execute: err=%v resp=%+v", err, resp)
	}
	if got := o.SystemStatus().Agents[0].State; got != agent.StateIdle {
		t.Errorf("expected idle after execute, got %s", got)
	}
}
