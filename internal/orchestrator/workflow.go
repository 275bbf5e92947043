package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mtzanidakis/archon/internal/agent"
)

// Workflow is a named, ordered sequence of steps. It is registered once
// and read-only thereafter.
type Workflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// Step binds one workflow position to an agent. Steps carry their own
// ID so the same agent can appear twice in one workflow and still be
// referenced unambiguously; an empty ID defaults to the agent name at
// registration. DependsOn entries name step IDs that must appear
// earlier in the list and have completed successfully before this step
// may run.
type Step struct {
	ID        string         `json:"id,omitempty"`
	AgentName string         `json:"agent"`
	Task      agent.Template `json:"task"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// RegisterWorkflow inserts a workflow into the registry. Step IDs are
// defaulted and duplicates within the workflow rejected; the dependency
// graph itself is not validated here — an unsatisfiable DependsOn
// surfaces at execution time as ErrDependencyNotMet.
func (o *Orchestrator) RegisterWorkflow(wf Workflow) error {
	steps := make([]Step, len(wf.Steps))
	seen := make(map[string]bool, len(wf.Steps))
	for i, step := range wf.Steps {
		if step.ID == "" {
			step.ID = step.AgentName
		}
		if seen[step.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %q", wf.ID, step.ID)
		}
		seen[step.ID] = true
		steps[i] = step
	}
	wf.Steps = steps

	o.mu.Lock()
	if _, ok := o.workflows[wf.ID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowExists, wf.ID)
	}
	o.workflows[wf.ID] = &wf
	o.mu.Unlock()

	o.logInfo("workflow registered", "workflow", wf.ID, "steps", len(wf.Steps))
	o.publish("workflow.registered", map[string]any{"workflow": wf.ID, "steps": len(wf.Steps)})
	return nil
}

// GetWorkflow returns the registered workflow for id.
func (o *Orchestrator) GetWorkflow(id string) (*Workflow, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	wf, ok := o.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// ListWorkflows returns all registered workflows.
func (o *Orchestrator) ListWorkflows() []*Workflow {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Workflow, 0, len(o.workflows))
	for _, wf := range o.workflows {
		out = append(out, wf)
	}
	return out
}

// ExecuteWorkflow runs a registered workflow's steps strictly in
// declaration order, one at a time; the declared order is never
// reordered around the dependency graph. Before each step, every
// DependsOn entry must name a step that already ran and succeeded,
// otherwise the run aborts with ErrDependencyNotMet and no later step
// runs. Each step's task context is built by merging the caller
// context, the workflow id, a snapshot of all prior step responses
// keyed by step ID, and finally the step template's own context
// entries. After a failed step, iteration stops unless AutoRetry is
// configured, in which case later steps still run (retrying the failed
// call stays with the agent's own policy). The result maps step ID to
// response for every step that ran.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string, callerContext map[string]any) (map[string]*agent.Response, error) {
	wf, err := o.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	o.logInfo("workflow started", "workflow", wf.ID, "run", runID, "steps", len(wf.Steps))
	o.publish("workflow.started", map[string]any{"workflow": wf.ID, "run": runID, "steps": len(wf.Steps)})

	results := make(map[string]*agent.Response, len(wf.Steps))
	completed := make(map[string]bool, len(wf.Steps))

	for _, step := range wf.Steps {
		for _, dep := range step.DependsOn {
			if !completed[dep] {
				o.logWarn("workflow aborted", "workflow", wf.ID, "run", runID, "step", step.ID, "missing", dep)
				o.publish("workflow.failed", map[string]any{"workflow": wf.ID, "run": runID, "step": step.ID, "missing": dep})
				return nil, fmt.Errorf("workflow %s step %s: %w: %s", wf.ID, step.ID, ErrDependencyNotMet, dep)
			}
		}

		a, err := o.GetAgent(step.AgentName)
		if err != nil {
			o.publish("workflow.failed", map[string]any{"workflow": wf.ID, "run": runID, "step": step.ID, "error": err.Error()})
			return nil, fmt.Errorf("workflow %s step %s: %w", wf.ID, step.ID, err)
		}

		task := buildStepTask(wf, step, callerContext, results)
		resp := o.dispatch(ctx, a, task)
		results[step.ID] = resp

		if resp.Success {
			completed[step.ID] = true
			o.logInfo("workflow step completed", "workflow", wf.ID, "run", runID, "step", step.ID)
			o.publish("workflow.step", map[string]any{"workflow": wf.ID, "run": runID, "step": step.ID, "success": true})
			continue
		}

		o.logWarn("workflow step failed", "workflow", wf.ID, "run", runID, "step", step.ID, "error", resp.Error)
		o.publish("workflow.step", map[string]any{"workflow": wf.ID, "run": runID, "step": step.ID, "success": false, "error": resp.Error})
		if !o.cfg.AutoRetry {
			break
		}
	}

	success := len(results) == len(wf.Steps)
	for _, r := range results {
		if !r.Success {
			success = false
		}
	}
	o.logInfo("workflow finished", "workflow", wf.ID, "run", runID, "steps_run", len(results), "success", success)
	o.publish("workflow.completed", map[string]any{"workflow": wf.ID, "run": runID, "steps_run": len(results), "success": success})

	return results, nil
}

// buildStepTask assembles one step's task with a fresh id. Merge order
// matters: later entries win, so a step template's own context can
// shadow a prior step's output of the same key.
func buildStepTask(wf *Workflow, step Step, callerContext map[string]any, results map[string]*agent.Response) *agent.Task {
	merged := make(map[string]any, len(callerContext)+len(results)+len(step.Task.Context)+1)
	for k, v := range callerContext {
		merged[k] = v
	}
	merged["workflow_id"] = wf.ID
	for _, prior := range wf.Steps {
		if prior.ID == step.ID {
			break
		}
		if r, ok := results[prior.ID]; ok {
			merged[prior.ID] = r
		}
	}
	for k, v := range step.Task.Context {
		merged[k] = v
	}

	task := agent.NewTask(uuid.New().String(), step.Task)
	task.Context = merged
	return task
}
