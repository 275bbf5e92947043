package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/archon/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowCRUD(t *testing.T) {
	s := newTestStore(t)

	steps, _ := json.Marshal([]map[string]any{{"agent": "echo"}})
	w := &WorkflowRecord{ID: "wf-1", Name: "Demo", Description: "demo workflow", StepsJSON: steps}
	if err := s.SaveWorkflow(w); err != nil {
		t.Fatalf("save workflow: %v", err)
	}

	got, err := s.GetWorkflow("wf-1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got == nil {
		t.Fatal("expected workflow, got nil")
	}
	if got.Name != "Demo" {
		t.Errorf("expected name 'Demo', got '%s'", got.Name)
	}
	if string(got.StepsJSON) != string(steps) {
		t.Errorf("steps json mismatch: %s", got.StepsJSON)
	}

	// Upsert
	w.Name = "Updated"
	if err := s.SaveWorkflow(w); err != nil {
		t.Fatalf("update workflow: %v", err)
	}
	got, _ = s.GetWorkflow("wf-1")
	if got.Name != "Updated" {
		t.Errorf("expected updated name, got '%s'", got.Name)
	}

	workflows, err := s.ListWorkflows()
	if err != nil {
		t.Fatalf("list workflows: %v", err)
	}
	if len(workflows) != 1 {
		t.Errorf("expected 1 workflow, got %d", len(workflows))
	}

	if err := s.DeleteWorkflow("wf-1"); err != nil {
		t.Fatalf("delete workflow: %v", err)
	}
	got, _ = s.GetWorkflow("wf-1")
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestGetWorkflowMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetWorkflow("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing workflow")
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)

	next := time.Now().Add(time.Hour).UTC()
	sch := &Schedule{
		ID:           "sched-1",
		Name:         "nightly",
		WorkflowID:   "wf-1",
		ScheduleJSON: `{"kind":"cron","cron_expr":"0 9 * * *"}`,
		Status:       "active",
		NextRunAt:    &next,
	}
	if err := s.SaveSchedule(sch); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	got, err := s.GetSchedule("sched-1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got == nil {
		t.Fatal("expected schedule, got nil")
	}
	if got.WorkflowID != "wf-1" {
		t.Errorf("expected workflow wf-1, got '%s'", got.WorkflowID)
	}
	if got.NextRunAt == nil {
		t.Fatal("expected next_run_at to round-trip")
	}

	schedules, err := s.ListSchedules()
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(schedules) != 1 {
		t.Errorf("expected 1 schedule, got %d", len(schedules))
	}

	if err := s.DeleteSchedule("sched-1"); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	got, _ = s.GetSchedule("sched-1")
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestGetDueSchedules(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().Add(-time.Minute).UTC()
	future := time.Now().Add(time.Hour).UTC()

	for _, sch := range []*Schedule{
		{ID: "due", Name: "due", WorkflowID: "wf", ScheduleJSON: "{}", Status: "active", NextRunAt: &past},
		{ID: "later", Name: "later", WorkflowID: "wf", ScheduleJSON: "{}", Status: "active", NextRunAt: &future},
		{ID: "paused", Name: "paused", WorkflowID: "wf", ScheduleJSON: "{}", Status: "paused", NextRunAt: &past},
	} {
		if err := s.SaveSchedule(sch); err != nil {
			t.Fatalf("save %s: %v", sch.ID, err)
		}
	}

	due, err := s.GetDueSchedules(time.Now())
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due schedule, got %d", len(due))
	}
	if due[0].ID != "due" {
		t.Errorf("expected schedule 'due', got '%s'", due[0].ID)
	}
}

func TestUpdateScheduleRun(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().Add(-time.Minute).UTC()
	sch := &Schedule{ID: "s1", Name: "s1", WorkflowID: "wf", ScheduleJSON: "{}", Status: "active", NextRunAt: &past}
	if err := s.SaveSchedule(sch); err != nil {
		t.Fatalf("save: %v", err)
	}

	next := time.Now().Add(time.Hour).UTC()
	if err := s.UpdateScheduleRun("s1", "error", "workflow failed", &next); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, _ := s.GetSchedule("s1")
	if got.LastStatus != "error" || got.LastError != "workflow failed" {
		t.Errorf("unexpected last run fields: %+v", got)
	}
	if got.LastRunAt == nil {
		t.Error("expected last_run_at to be set")
	}

	if err := s.UpdateScheduleStatus("s1", "completed"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = s.GetSchedule("s1")
	if got.Status != "completed" {
		t.Errorf("expected status completed, got '%s'", got.Status)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	r := &Run{ID: "run-1", WorkflowID: "wf-1", Trigger: "api", Status: "running"}
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != "running" || got.FinishedAt != nil {
		t.Errorf("unexpected run: %+v", got)
	}

	if err := s.FinishRun("run-1", "failed", "step B failed"); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	got, _ = s.GetRun("run-1")
	if got.Status != "failed" || got.Error != "step B failed" {
		t.Errorf("unexpected finished run: %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

func TestSaveRunStartedAt(t *testing.T) {
	s := newTestStore(t)

	started := time.Now().Add(-time.Hour).UTC()
	r := &Run{ID: "run-1", WorkflowID: "wf", Trigger: "api", Status: "running", StartedAt: started}
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("save run: %v", err)
	}
	got, _ := s.GetRun("run-1")
	if d := got.StartedAt.Sub(started); d < -time.Second || d > time.Second {
		t.Errorf("expected started_at %v to round-trip, got %v", started, got.StartedAt)
	}

	// Zero value gets stamped at save time.
	if err := s.SaveRun(&Run{ID: "run-2", WorkflowID: "wf", Trigger: "schedule", Status: "running"}); err != nil {
		t.Fatalf("save run: %v", err)
	}
	got, _ = s.GetRun("run-2")
	if got.StartedAt.IsZero() {
		t.Error("expected started_at to be stamped")
	}
	if time.Since(got.StartedAt) > time.Minute {
		t.Errorf("expected recent started_at, got %v", got.StartedAt)
	}
}

func TestSecretCRUD(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{ID: "API_KEY", Value: []byte{1, 2, 3}, Nonce: []byte{4, 5, 6}}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	got, err := s.GetSecret("API_KEY")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got == nil {
		t.Fatal("expected secret, got nil")
	}
	if string(got.Value) != string(sec.Value) || string(got.Nonce) != string(sec.Nonce) {
		t.Error("ciphertext did not round-trip")
	}

	ids, err := s.ListSecretIDs()
	if err != nil {
		t.Fatalf("list secrets: %v", err)
	}
	if len(ids) != 1 || ids[0] != "API_KEY" {
		t.Errorf("unexpected ids: %v", ids)
	}

	if err := s.DeleteSecret("API_KEY"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	got, _ = s.GetSecret("API_KEY")
	if got != nil {
		t.Error("expected nil after delete")
	}
}
