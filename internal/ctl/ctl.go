package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/eventbus"
	"github.com/mtzanidakis/archon/internal/orchestrator"
	"github.com/mtzanidakis/archon/internal/schedule"
	"github.com/mtzanidakis/archon/internal/scheduler"
	"github.com/mtzanidakis/archon/internal/secrets"
	"github.com/mtzanidakis/archon/internal/store"
)

// Service answers request/reply control operations on the ctl.>
// hierarchy. It exposes the same operations as the HTTP API over the
// bus, so archonctl works without the web server enabled.
type Service struct {
	orch     *orchestrator.Orchestrator
	store    *store.Store
	sched    *scheduler.Scheduler
	resolver *secrets.Resolver

	baseCtx context.Context
	sub     *nats.Subscription
}

func New(orch *orchestrator.Orchestrator, s *store.Store, sched *scheduler.Scheduler, resolver *secrets.Resolver) *Service {
	return &Service{orch: orch, store: s, sched: sched, resolver: resolver}
}

// Start subscribes to ctl.>. ctx bounds the lifetime of dispatched
// work, not the subscription; call Stop to unsubscribe.
func (s *Service) Start(ctx context.Context, client *eventbus.Client) error {
	s.baseCtx = ctx
	sub, err := client.Subscribe(eventbus.TopicCtlAll, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", eventbus.TopicCtlAll, err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *Service) handle(msg *nats.Msg) {
	op := msg.Subject[len("ctl."):]
	slog.Info("ctl request", "op", op)

	switch op {
	case "status":
		s.handleStatus(msg)
	case "task.run":
		s.handleTaskRun(msg)
	case "workflow.run":
		s.handleWorkflowRun(msg)
	case "schedule.list":
		s.handleScheduleList(msg)
	case "schedule.create":
		s.handleScheduleCreate(msg)
	case "schedule.delete":
		s.handleScheduleDelete(msg)
	default:
		slog.Warn("unknown ctl op", "op", op)
		s.respond(msg, map[string]any{"error": "unknown operation: " + op})
	}
}

func (s *Service) respond(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal ctl response", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("failed to respond to ctl request", "error", err)
	}
}

func (s *Service) handleStatus(msg *nats.Msg) {
	status := s.orch.SystemStatus()
	s.respond(msg, map[string]any{
		"status":    "ok",
		"agents":    status.Agents,
		"workflows": status.Workflows,
	})
}

func (s *Service) handleTaskRun(msg *nats.Msg) {
	var req struct {
		Agent   string         `json:"agent"`
		Input   any            `json:"input"`
		Context map[string]any `json:"context"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if req.Agent == "" {
		s.respond(msg, map[string]any{"error": "agent is required"})
		return
	}

	tmpl := agent.Template{Input: req.Input, Context: s.resolver.ResolveContext(req.Context)}
	resp, err := s.orch.ExecuteTask(s.baseCtx, req.Agent, tmpl)
	if err != nil {
		s.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	s.respond(msg, resp)
}

func (s *Service) handleWorkflowRun(msg *nats.Msg) {
	var req struct {
		Workflow string         `json:"workflow"`
		Context  map[string]any `json:"context"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if _, err := s.orch.GetWorkflow(req.Workflow); err != nil {
		s.respond(msg, map[string]any{"error": err.Error()})
		return
	}

	run := &store.Run{
		ID:         uuid.New().String(),
		WorkflowID: req.Workflow,
		Trigger:    "ctl",
		Status:     "running",
		StartedAt:  time.Now().UTC(),
	}
	if err := s.store.SaveRun(run); err != nil {
		s.respond(msg, map[string]any{"error": err.Error()})
		return
	}

	callerContext := s.resolver.ResolveContext(req.Context)
	go s.executeRun(run.ID, req.Workflow, callerContext)

	s.respond(msg, map[string]any{"run": run.ID, "workflow": req.Workflow})
}

func (s *Service) executeRun(runID, workflowID string, callerContext map[string]any) {
	merged := map[string]any{"run_id": runID}
	for k, v := range callerContext {
		merged[k] = v
	}

	responses, err := s.orch.ExecuteWorkflow(s.baseCtx, workflowID, merged)
	status, errMsg := "completed", ""
	if err != nil {
		status, errMsg = "failed", err.Error()
	} else {
		for stepID, resp := range responses {
			if !resp.Success {
				status = "failed"
				errMsg = fmt.Sprintf("step %s: %s", stepID, resp.Error)
				break
			}
		}
	}
	if err := s.store.FinishRun(runID, status, errMsg); err != nil {
		slog.Error("failed to finish run", "run", runID, "error", err)
	}
}

func (s *Service) handleScheduleList(msg *nats.Msg) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		s.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	s.respond(msg, schedules)
}

func (s *Service) handleScheduleCreate(msg *nats.Msg) {
	var req struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Workflow string `json:"workflow"`
		Schedule string `json:"schedule"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if req.Workflow == "" || req.Schedule == "" {
		s.respond(msg, map[string]any{"error": "workflow and schedule are required"})
		return
	}
	if _, err := s.orch.GetWorkflow(req.Workflow); err != nil {
		s.respond(msg, map[string]any{"error": err.Error()})
		return
	}

	normalized, err := schedule.Normalize(req.Schedule)
	if err != nil {
		s.respond(msg, map[string]any{"error": fmt.Sprintf("invalid schedule: %v", err)})
		return
	}

	sch := &store.Schedule{
		ID:           req.ID,
		Name:         req.Name,
		WorkflowID:   req.Workflow,
		ScheduleJSON: normalized,
		Status:       "active",
		NextRunAt:    schedule.NextRun(normalized, time.Now()),
	}
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	if sch.Name == "" {
		sch.Name = sch.ID
	}

	if err := s.store.SaveSchedule(sch); err != nil {
		s.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	s.sched.Reload()
	s.respond(msg, sch)
}

func (s *Service) handleScheduleDelete(msg *nats.Msg) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.ID == "" {
		s.respond(msg, map[string]any{"error": "id is required"})
		return
	}
	if err := s.store.DeleteSchedule(req.ID); err != nil {
		s.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	s.sched.Reload()
	s.respond(msg, map[string]any{"status": "deleted"})
}
