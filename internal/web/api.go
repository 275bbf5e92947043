package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/orchestrator"
	"github.com/mtzanidakis/archon/internal/schedule"
	"github.com/mtzanidakis/archon/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// System
	mux.HandleFunc("GET /api/status", s.getStatus)

	// Agents (live registry)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{name}", s.getAgent)

	// Tasks (synchronous single-agent dispatch)
	mux.HandleFunc("POST /api/tasks", s.createTask)

	// Workflows
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("POST /api/workflows", s.createWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/run", s.runWorkflow)

	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Secrets (values are write-only; GET lists names)
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{id}", s.deleteSecret)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := s.orch.SystemStatus()

	out := map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    formatUptime(time.Since(s.startedAt)),
		"agents":    status.Agents,
		"workflows": status.Workflows,
		"timestamp": time.Now().UTC(),
	}
	jsonResponse(w, out)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.orch.ListAgents()
	out := make([]orchestrator.AgentStatus, 0, len(agents))
	for _, a := range agents {
		out = append(out, orchestrator.AgentStatus{Descriptor: a.Descriptor(), State: a.State()})
	}
	jsonResponse(w, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	a, err := s.orch.GetAgent(name)
	if err != nil {
		if errors.Is(err, orchestrator.ErrAgentNotFound) {
			jsonError(w, "agent not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, orchestrator.AgentStatus{Descriptor: a.Descriptor(), State: a.State()})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent   string         `json:"agent"`
		Input   any            `json:"input"`
		Context map[string]any `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Agent == "" {
		jsonError(w, "agent is required", http.StatusBadRequest)
		return
	}

	tmpl := agent.Template{Input: body.Input, Context: s.resolver.ResolveContext(body.Context)}
	resp, err := s.orch.ExecuteTask(r.Context(), body.Agent, tmpl)
	if err != nil {
		if errors.Is(err, orchestrator.ErrAgentNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, resp)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.orch.SystemStatus().Workflows)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf orchestrator.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if wf.ID == "" || len(wf.Steps) == 0 {
		jsonError(w, "id and steps are required", http.StatusBadRequest)
		return
	}

	if err := s.orch.RegisterWorkflow(wf); err != nil {
		if errors.Is(err, orchestrator.ErrWorkflowExists) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Persist so the workflow survives restarts. Registration defaulted
	// the step IDs; store the registered shape, not the raw request.
	registered, err := s.orch.GetWorkflow(wf.ID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stepsJSON, err := json.Marshal(registered.Steps)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveWorkflow(&store.WorkflowRecord{
		ID:          registered.ID,
		Name:        registered.Name,
		Description: registered.Description,
		StepsJSON:   stepsJSON,
	}); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jsonStatus(w, http.StatusCreated, registered)
}

func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.GetWorkflow(id); err != nil {
		jsonError(w, "workflow not found", http.StatusNotFound)
		return
	}

	var body struct {
		Context map[string]any `json:"context"`
	}
	if r.Body != nil {
		// An empty body means no caller context.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	callerContext := s.resolver.ResolveContext(body.Context)

	run := &store.Run{
		ID:         uuid.New().String(),
		WorkflowID: id,
		Trigger:    "api",
		Status:     "running",
		StartedAt:  time.Now().UTC(),
	}
	if err := s.store.SaveRun(run); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// The run outlives the request; detach from the request context.
	go s.executeRun(context.Background(), run.ID, id, callerContext)

	jsonStatus(w, http.StatusAccepted, map[string]string{"run": run.ID, "workflow": id})
}

func (s *Server) executeRun(ctx context.Context, runID, workflowID string, callerContext map[string]any) {
	merged := map[string]any{"run_id": runID}
	for k, v := range callerContext {
		merged[k] = v
	}

	responses, err := s.orch.ExecuteWorkflow(ctx, workflowID, merged)
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

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, scheduleToAPI(sch))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Workflow string `json:"workflow"`
		Schedule string `json:"schedule"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Workflow == "" || body.Schedule == "" {
		jsonError(w, "workflow and schedule are required", http.StatusBadRequest)
		return
	}
	if _, err := s.orch.GetWorkflow(body.Workflow); err != nil {
		jsonError(w, "workflow not found", http.StatusNotFound)
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	sch := &store.Schedule{
		ID:           body.ID,
		Name:         body.Name,
		WorkflowID:   body.Workflow,
		ScheduleJSON: normalized,
		Status:       status,
	}
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	if sch.Name == "" {
		sch.Name = sch.ID
	}
	if status == "active" {
		sch.NextRunAt = schedule.NextRun(normalized, time.Now())
	}

	if err := s.store.SaveSchedule(sch); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.sched.Reload()

	jsonStatus(w, http.StatusCreated, scheduleToAPI(*sch))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.sched.Reload()
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListSecretIDs()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	jsonResponse(w, ids)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.ID == "" || body.Value == "" {
		jsonError(w, "id and value are required", http.StatusBadRequest)
		return
	}
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	ciphertext, nonce, err := s.vault.EncryptString(body.Value)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveSecret(&store.Secret{ID: body.ID, Value: ciphertext, Nonce: nonce}); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jsonStatus(w, http.StatusCreated, map[string]string{"id": body.ID})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSecret(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func scheduleToAPI(sch store.Schedule) map[string]any {
	m := map[string]any{
		"id":               sch.ID,
		"name":             sch.Name,
		"workflow":         sch.WorkflowID,
		"schedule":         sch.ScheduleJSON,
		"schedule_display": schedule.Describe(sch.ScheduleJSON),
		"status":           sch.Status,
		"enabled":          sch.Status == "active",
	}
	if sch.NextRunAt != nil {
		m["next_run_at"] = sch.NextRunAt.UTC()
	}
	if sch.LastRunAt != nil {
		m["last_run_at"] = sch.LastRunAt.UTC()
		m["last_status"] = sch.LastStatus
	}
	if sch.LastError != "" {
		m["last_error"] = sch.LastError
	}
	return m
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
