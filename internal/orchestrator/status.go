package orchestrator

import "github.com/mtzanidakis/archon/internal/agent"

// AgentStatus is one agent's entry in a system status snapshot.
type AgentStatus struct {
	Descriptor agent.Descriptor `json:"descriptor"`
	State      agent.State      `json:"state"`
}

// StepStatus describes one workflow step's shape.
type StepStatus struct {
	ID        string   `json:"id"`
	AgentName string   `json:"agent"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// WorkflowStatus describes one registered workflow's shape.
type WorkflowStatus struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Steps []StepStatus `json:"steps"`
}

// SystemStatus is a derived point-in-time snapshot of the registries.
// It is built on demand and never stored.
type SystemStatus struct {
	Agents    []AgentStatus    `json:"agents"`
	Workflows []WorkflowStatus `json:"workflows"`
}

// SystemStatus builds a read-only snapshot of every registered agent's
// descriptor and state and every registered workflow's shape.
func (o *Orchestrator) SystemStatus() SystemStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	status := SystemStatus{
		Agents:    make([]AgentStatus, 0, len(o.agentOrder)),
		Workflows: make([]WorkflowStatus, 0, len(o.workflows)),
	}
	for _, name := range o.agentOrder {
		a := o.agents[name]
		status.Agents = append(status.Agents, AgentStatus{
			Descriptor: a.Descriptor(),
			State:      a.State(),
		})
	}
	for _, wf := range o.workflows {
		ws := WorkflowStatus{ID: wf.ID, Name: wf.Name, Steps: make([]StepStatus, 0, len(wf.Steps))}
		for _, step := range wf.Steps {
			ws.Steps = append(ws.Steps, StepStatus{ID: step.ID, AgentName: step.AgentName, DependsOn: step.DependsOn})
		}
		status.Workflows = append(status.Workflows, ws)
	}
	return status
}
