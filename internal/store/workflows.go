package store

import (
	"database/sql"
	"fmt"
	"time"
)

// WorkflowRecord is the declarative workflow shape as persisted, so
// workflows registered at runtime survive a restart. StepsJSON holds
// the step list serialized by the caller.
type WorkflowRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	StepsJSON   []byte    `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func scanWorkflow(sc scanner) (*WorkflowRecord, error) {
	w := &WorkflowRecord{}
	var desc sql.NullString
	if err := sc.Scan(&w.ID, &w.Name, &desc, &w.StepsJSON, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Description = desc.String
	return w, nil
}

func (s *Store) SaveWorkflow(w *WorkflowRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO workflows (id, name, description, steps_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			steps_json = excluded.steps_json,
			updated_at = CURRENT_TIMESTAMP`,
		w.ID, w.Name, w.Description, w.StepsJSON)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflow(id string) (*WorkflowRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, steps_json, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

func (s *Store) ListWorkflows() ([]WorkflowRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, steps_json, created_at, updated_at
		FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []WorkflowRecord
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, *w)
	}
	return workflows, rows.Err()
}

func (s *Store) DeleteWorkflow(id string) error {
	_, err := s.db.Exec(`DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}
