package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule binds a schedule expression to a workflow. ScheduleJSON is
// the normalized {"kind": ...} shape produced by the schedule package.
type Schedule struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	WorkflowID   string     `json:"workflow_id"`
	ScheduleJSON string     `json:"schedule"`
	Status       string     `json:"status"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func scanSchedule(sc scanner) (*Schedule, error) {
	sch := &Schedule{}
	var lastStatus, lastError sql.NullString
	err := sc.Scan(&sch.ID, &sch.Name, &sch.WorkflowID, &sch.ScheduleJSON, &sch.Status,
		&sch.NextRunAt, &sch.LastRunAt, &lastStatus, &lastError, &sch.CreatedAt)
	if err != nil {
		return nil, err
	}
	sch.LastStatus = lastStatus.String
	sch.LastError = lastError.String
	return sch, nil
}

func (s *Store) SaveSchedule(sch *Schedule) error {
	_, err := s.db.Exec(`
		INSERT INTO schedules (id, name, workflow_id, schedule_json, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			workflow_id = excluded.workflow_id,
			schedule_json = excluded.schedule_json,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sch.ID, sch.Name, sch.WorkflowID, sch.ScheduleJSON, sch.Status, sch.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(`
		SELECT id, name, workflow_id, schedule_json, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sch, nil
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, workflow_id, schedule_json, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *sch)
	}
	return schedules, rows.Err()
}

func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, workflow_id, schedule_json, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM schedules
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *sch)
	}
	return schedules, rows.Err()
}

func (s *Store) UpdateScheduleRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduleStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}
