package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/schedule"
	"github.com/mtzanidakis/archon/internal/store"
)

// WorkflowRunner is the narrow slice of the orchestrator the scheduler
// needs: fire one workflow and report its step responses.
type WorkflowRunner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, callerContext map[string]any) (map[string]*agent.Response, error)
}

// Publisher mirrors the orchestrator's event hook; nil skips events.
type Publisher interface {
	PublishEvent(event string, data map[string]any)
}

// Scheduler polls the store for due schedules and fires their
// workflows. It owns no execution logic itself; runs go through the
// WorkflowRunner and their status metadata lands in the runs table.
type Scheduler struct {
	store        *store.Store
	runner       WorkflowRunner
	pub          Publisher
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, runner WorkflowRunner, pub Publisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		runner:       runner,
		pub:          pub,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// Reload nudges the run loop after schedule CRUD so a newly created
// schedule does not wait out the current tick.
func (s *Scheduler) Reload() {
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			s.poll(ctx)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(time.Now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, sch := range due {
		s.fire(ctx, sch)
	}
}

func (s *Scheduler) fire(ctx context.Context, sch store.Schedule) {
	slog.Info("firing schedule", "id", sch.ID, "name", sch.Name, "workflow", sch.WorkflowID)

	run := &store.Run{
		ID:         uuid.New().String(),
		WorkflowID: sch.WorkflowID,
		Trigger:    "schedule",
		Status:     "running",
	}
	if err := s.store.SaveRun(run); err != nil {
		slog.Error("failed to save run", "schedule", sch.ID, "error", err)
	}

	results, err := s.runner.ExecuteWorkflow(ctx, sch.WorkflowID, map[string]any{
		"schedule_id": sch.ID,
		"run_id":      run.ID,
	})

	lastStatus := "success"
	var lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled workflow failed", "schedule", sch.ID, "error", err)
	} else {
		for _, r := range results {
			if !r.Success {
				lastStatus = "error"
				lastError = r.Error
				break
			}
		}
	}

	runStatus := "completed"
	if lastStatus == "error" {
		runStatus = "failed"
	}
	if err := s.store.FinishRun(run.ID, runStatus, lastError); err != nil {
		slog.Error("failed to finish run", "run", run.ID, "error", err)
	}

	// Compute the next run; one-off schedules complete when exhausted.
	nextRun := schedule.NextRun(sch.ScheduleJSON, time.Now())
	if err := s.store.UpdateScheduleRun(sch.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule run", "id", sch.ID, "error", err)
	}
	if nextRun == nil {
		slog.Info("no next run, marking one-off schedule as completed", "id", sch.ID, "name", sch.Name)
		if err := s.store.UpdateScheduleStatus(sch.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", sch.ID, "error", err)
		}
	}

	if s.pub != nil {
		s.pub.PublishEvent("schedule.fired", map[string]any{
			"schedule": sch.ID,
			"workflow": sch.WorkflowID,
			"run":      run.ID,
			"status":   lastStatus,
		})
	}
}
