package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/mtzanidakis/archon/internal/agent"
)

func TestRegisterWorkflowDefaultsStepIDs(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.RegisterWorkflow(Workflow{
		ID:    "wf",
		Steps: []Step{{AgentName: "a"}, {ID: "custom", AgentName: "b"}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	wf, err := o.GetWorkflow("wf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if wf.Steps[0].ID != "a" {
		t.Errorf("expected defaulted step id 'a', got %q", wf.Steps[0].ID)
	}
	if wf.Steps[1].ID != "custom" {
		t.Errorf("expected step id 'custom', got %q", wf.Steps[1].ID)
	}
}

func TestRegisterWorkflowDuplicateID(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := o.RegisterWorkflow(Workflow{ID: "wf"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := o.RegisterWorkflow(Workflow{ID: "wf"}); !errors.Is(err, ErrWorkflowExists) {
		t.Errorf("expected ErrWorkflowExists, got %v", err)
	}
}

func TestRegisterWorkflowDuplicateStepID(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.RegisterWorkflow(Workflow{
		ID:    "wf",
		Steps: []Step{{AgentName: "a"}, {AgentName: "a"}},
	})
	if err == nil {
		t.Fatal("expected duplicate step id to be rejected")
	}
}

func TestExecuteWorkflowNotFound(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.ExecuteWorkflow(context.Background(), "ghost", nil)
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestExecuteWorkflowInOrder(t *testing.T) {
	o := newTestOrchestrator(t)

	var order []string
	record := func(name string) *agent.Agent {
		return agent.New(agent.Descriptor{Name: name, TimeoutMs: 5000},
			agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
				order = append(order, name)
				return name + "-out", nil
			}))
	}
	_ = o.RegisterAgents([]*agent.Agent{record("a"), record("b"), record("c")})
	_ = o.RegisterWorkflow(Workflow{
		ID: "wf",
		Steps: []Step{
			{AgentName: "a"},
			{AgentName: "b", DependsOn: []string{"a"}},
			{AgentName: "c", DependsOn: []string{"a", "b"}},
		},
	})

	results, err := o.ExecuteWorkflow(context.Background(), "wf", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected declaration order, got %v", order)
	}
	if !results["c"].Success || results["c"].Output != "c-out" {
		t.Errorf("unexpected result for c: %+v", results["c"])
	}
}

func TestExecuteWorkflowContextPropagation(t *testing.T) {
	o := newTestOrchestrator(t)

	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "first", TimeoutMs: 5000},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			return "first-out", nil
		})))
	var got map[string]any
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "second", TimeoutMs: 5000},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			got = task.Context
			return nil, nil
		})))
	_ = o.RegisterWorkflow(Workflow{
		ID: "wf",
		Steps: []Step{
			{AgentName: "first"},
			{AgentName: "second", Task: agent.Template{Context: map[string]any{"own": true}}, DependsOn: []string{"first"}},
		},
	})

	_, err := o.ExecuteWorkflow(context.Background(), "wf", map[string]any{"caller": "yes"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got["caller"] != "yes" {
		t.Errorf("caller context missing: %v", got)
	}
	if got["workflow_id"] != "wf" {
		t.Errorf("workflow id missing: %v", got)
	}
	if got["own"] != true {
		t.Errorf("step template context missing: %v", got)
	}
	prior, ok := got["first"].(*agent.Response)
	if !ok || !prior.Success || prior.Output != "first-out" {
		t.Errorf("prior step response missing or wrong: %v", got["first"])
	}
}

// A failing step stops iteration when auto retry is off: the failed
// step's response is in the result, later steps never run.
func TestExecuteWorkflowStopsAfterFailure(t *testing.T) {
	o := newTestOrchestrator(t)

	var cRan atomic.Bool
	_ = o.RegisterAgent(echoAgent("A"))
	_ = o.RegisterAgent(failingAgent("B"))
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "C", TimeoutMs: 5000},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			cRan.Store(true)
			return nil, nil
		})))
	_ = o.RegisterWorkflow(Workflow{
		ID:    "wf",
		Steps: []Step{{AgentName: "A"}, {AgentName: "B"}, {AgentName: "C"}},
	})

	results, err := o.ExecuteWorkflow(context.Background(), "wf", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !results["A"].Success {
		t.Errorf("expected A to succeed: %+v", results["A"])
	}
	if results["B"].Success {
		t.Error("expected B to fail")
	}
	if _, ok := results["C"]; ok {
		t.Error("expected C to be absent from results")
	}
	if cRan.Load() {
		t.Error("C must not run after B failed")
	}
}

func TestExecuteWorkflowAutoRetryContinues(t *testing.T) {
	o := New(Config{MaxConcurrentTasks: 4, AutoRetry: true})

	_ = o.RegisterAgent(failingAgent("B"))
	_ = o.RegisterAgent(echoAgent("C"))
	_ = o.RegisterWorkflow(Workflow{
		ID:    "wf",
		Steps: []Step{{AgentName: "B"}, {AgentName: "C", Task: agent.Template{Input: "x"}}},
	})

	results, err := o.ExecuteWorkflow(context.Background(), "wf", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if results["B"].Success {
		t.Error("expected B to fail")
	}
	if got, ok := results["C"]; !ok || !got.Success {
		t.Errorf("expected C to run despite B's failure: %+v", got)
	}
}

// A dependency naming a step that is not part of the workflow aborts
// the run before the gated agent is invoked, with no results at all.
func TestExecuteWorkflowDependencyNotMet(t *testing.T) {
	o := newTestOrchestrator(t)

	var cRan atomic.Bool
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "C", TimeoutMs: 5000},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			cRan.Store(true)
			return nil, nil
		})))
	_ = o.RegisterWorkflow(Workflow{
		ID:    "wf",
		Steps: []Step{{AgentName: "C", DependsOn: []string{"Z"}}},
	})

	results, err := o.ExecuteWorkflow(context.Background(), "wf", nil)
	if !errors.Is(err, ErrDependencyNotMet) {
		t.Fatalf("expected ErrDependencyNotMet, got %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty result map, got %v", results)
	}
	if cRan.Load() {
		t.Error("C must not be invoked with an unmet dependency")
	}
}

// A dependency on a step that ran but failed is also unmet, and steps
// after the aborting one never run.
func TestExecuteWorkflowDependencyOnFailedStep(t *testing.T) {
	o := New(Config{MaxConcurrentTasks: 4, AutoRetry: true})

	var cRan atomic.Bool
	_ = o.RegisterAgent(failingAgent("B"))
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "C", TimeoutMs: 5000},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			cRan.Store(true)
			return nil, nil
		})))
	_ = o.RegisterWorkflow(Workflow{
		ID:    "wf",
		Steps: []Step{{AgentName: "B"}, {AgentName: "C", DependsOn: []string{"B"}}},
	})

	_, err := o.ExecuteWorkflow(context.Background(), "wf", nil)
	if !errors.Is(err, ErrDependencyNotMet) {
		t.Fatalf("expected ErrDependencyNotMet, got %v", err)
	}
	if cRan.Load() {
		t.Error("C must not run when its dependency failed")
	}
}

func TestExecuteWorkflowUnknownAgentInStep(t *testing.T) {
	o := newTestOrchestrator(t)
	_ = o.RegisterWorkflow(Workflow{ID: "wf", Steps: []Step{{AgentName: "ghost"}}})

	_, err := o.ExecuteWorkflow(context.Background(), "wf", nil)
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

// The same agent appearing twice keys its steps by explicit IDs, so
// both results are kept and dependencies stay unambiguous.
func TestExecuteWorkflowSameAgentTwice(t *testing.T) {
	o := newTestOrchestrator(t)

	var calls atomic.Int32
	_ = o.RegisterAgent(agent.New(agent.Descriptor{Name: "worker", TimeoutMs: 5000},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			return calls.Add(1), nil
		})))
	_ = o.RegisterWorkflow(Workflow{
		ID: "wf",
		Steps: []Step{
			{ID: "pass1", AgentName: "worker"},
			{ID: "pass2", AgentName: "worker", DependsOn: []string{"pass1"}},
		},
	})

	results, err := o.ExecuteWorkflow(context.Background(), "wf", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results["pass1"].Output != int32(1) || results["pass2"].Output != int32(2) {
		t.Errorf("unexpected outputs: %+v %+v", results["pass1"], results["pass2"])
	}
}
