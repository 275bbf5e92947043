package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/orchestrator"
	"github.com/mtzanidakis/archon/internal/sandbox"
	"github.com/mtzanidakis/archon/internal/schedule"
	"github.com/mtzanidakis/archon/internal/secrets"
	"github.com/mtzanidakis/archon/internal/store"
)

// buildAgents turns the config agent definitions into live agents.
// Env values may hold secret:NAME references; they are resolved once
// here, at startup, not per task.
func buildAgents(cfg *config.Config, resolver *secrets.Resolver) ([]*agent.Agent, error) {
	agents := make([]*agent.Agent, 0, len(cfg.Agents))
	for _, def := range cfg.Agents {
		if def.Name == "" {
			return nil, fmt.Errorf("agent definition without a name")
		}

		env := make(map[string]string, len(def.Env))
		for k, v := range def.Env {
			env[k] = v
		}
		if resolver != nil {
			resolver.ResolveEnv(env)
		}

		handler, err := buildHandler(def, env, cfg.Sandbox)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", def.Name, err)
		}

		desc := agent.Descriptor{
			Name:         def.Name,
			Role:         def.Role,
			Category:     def.Category,
			Description:  def.Description,
			Capabilities: def.Capabilities,
			Dependencies: def.Dependencies,
			MaxRetries:   def.MaxRetries,
			TimeoutMs:    def.TimeoutMs,
		}
		agents = append(agents, agent.New(desc, handler))
	}
	return agents, nil
}

func buildHandler(def config.AgentDefinition, env map[string]string, sandboxCfg config.SandboxConfig) (agent.Handler, error) {
	switch def.Kind {
	case "", "command":
		if len(def.Command) == 0 {
			return nil, fmt.Errorf("command agent needs a command")
		}
		return sandbox.NewCommandHandler(def.Command, env), nil
	case "echo":
		return agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (any, error) {
			return task.Input, nil
		}), nil
	case "sandbox":
		if !sandboxCfg.Enabled {
			return nil, fmt.Errorf("sandbox agents require sandbox.enabled")
		}
		return sandbox.NewDockerHandler(sandboxCfg, env), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q", def.Kind)
	}
}

// registerWorkflows loads workflow definitions from the config file and
// the store. Config wins on ID collisions: stored copies of config
// workflows are stale snapshots, not a second source of truth.
func registerWorkflows(orch *orchestrator.Orchestrator, db *store.Store, cfg *config.Config) error {
	for _, def := range cfg.Workflows {
		wf := orchestrator.Workflow{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			Steps:       make([]orchestrator.Step, 0, len(def.Steps)),
		}
		for _, step := range def.Steps {
			wf.Steps = append(wf.Steps, orchestrator.Step{
				ID:        step.ID,
				AgentName: step.Agent,
				Task:      agent.Template{Input: step.Input, Context: step.Context},
				DependsOn: step.DependsOn,
			})
		}
		if err := orch.RegisterWorkflow(wf); err != nil {
			return err
		}
	}

	records, err := db.ListWorkflows()
	if err != nil {
		return err
	}
	for _, rec := range records {
		var steps []orchestrator.Step
		if err := json.Unmarshal(rec.StepsJSON, &steps); err != nil {
			slog.Warn("skipping stored workflow with invalid steps", "workflow", rec.ID, "error", err)
			continue
		}
		wf := orchestrator.Workflow{ID: rec.ID, Name: rec.Name, Description: rec.Description, Steps: steps}
		if err := orch.RegisterWorkflow(wf); err != nil {
			slog.Warn("skipping stored workflow", "workflow", rec.ID, "error", err)
		}
	}
	return nil
}

// seedSchedules inserts config-declared schedules that are not in the
// store yet. Existing rows keep their run metadata.
func seedSchedules(db *store.Store, cfg *config.Config) error {
	for _, def := range cfg.Schedules {
		if def.ID == "" || def.Workflow == "" || def.Schedule == "" {
			return fmt.Errorf("schedule definition needs id, workflow and schedule")
		}

		existing, err := db.GetSchedule(def.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		normalized, err := schedule.Normalize(def.Schedule)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", def.ID, err)
		}

		name := def.Name
		if name == "" {
			name = def.ID
		}
		if err := db.SaveSchedule(&store.Schedule{
			ID:           def.ID,
			Name:         name,
			WorkflowID:   def.Workflow,
			ScheduleJSON: normalized,
			Status:       "active",
			NextRunAt:    schedule.NextRun(normalized, time.Now()),
		}); err != nil {
			return err
		}
		slog.Info("schedule seeded", "id", def.ID, "workflow", def.Workflow)
	}
	return nil
}
