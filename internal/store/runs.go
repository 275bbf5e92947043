package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Run records one workflow execution's status metadata. Step outputs
// are never stored here; they live only in the in-flight result map.
type Run struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	Trigger    string     `json:"trigger"` // "api", "ctl" or "schedule"
	Status     string     `json:"status"`  // "running", "completed" or "failed"
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func scanRun(sc scanner) (*Run, error) {
	r := &Run{}
	var errMsg sql.NullString
	if err := sc.Scan(&r.ID, &r.WorkflowID, &r.Trigger, &r.Status, &errMsg, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Error = errMsg.String
	return r, nil
}

func (s *Store) SaveRun(r *Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, workflow_id, triggered_by, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.Trigger, r.Status, r.StartedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(id string, status string, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, error = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, workflow_id, triggered_by, status, error, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, workflow_id, triggered_by, status, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
