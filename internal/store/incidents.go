package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"lukhas/internal/incident"
)

var _ incident.Recorder = (*LocalStore)(nil)

// SaveIncident implements incident.Recorder. It inserts or updates inc.
func (s *LocalStore) SaveIncident(ctx context.Context, inc *incident.Incident) error {
	indicators, err := json.Marshal(inc.Indicators)
	if err != nil {
		return fmt.Errorf("failed to encode indicators: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, category, severity, source, description, indicators, status, detected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		inc.ID, string(inc.Category), inc.Severity.String(), inc.Source, inc.Description, string(indicators),
		string(inc.Status), formatTime(inc.DetectedAt), formatTime(inc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

// SaveExecution implements incident.Recorder. The execution and its steps
// are written in one transaction.
func (s *LocalStore) SaveExecution(ctx context.Context, exec *incident.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO incident_executions (id, incident_id, playbook_id, status, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.IncidentID, exec.PlaybookID, string(exec.Status), formatTime(exec.StartedAt), formatTime(exec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	for i, st := range exec.Steps {
		output := []byte("{}")
		if len(st.Output) > 0 {
			if output, err = json.Marshal(st.Output); err != nil {
				return fmt.Errorf("failed to encode step output: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO incident_steps (execution_id, position, step_id, action, status, started_at, finished_at, error, output)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			exec.ID, i, st.StepID, st.Action, string(st.Status), formatTime(st.StartedAt), formatTime(st.FinishedAt), st.Error, string(output))
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", st.StepID, err)
		}
	}
	return tx.Commit()
}

// GetIncident returns an incident with every recorded execution.
func (s *LocalStore) GetIncident(ctx context.Context, id string) (*incident.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, err := scanIncident(s.db.QueryRowContext(ctx,
		`SELECT id, category, severity, source, description, indicators, status, detected_at, updated_at FROM incidents WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	resp := &incident.Response{Incident: inc}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, incident_id, playbook_id, status, started_at, finished_at FROM incident_executions WHERE incident_id = ? ORDER BY started_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	for rows.Next() {
		var e incident.Execution
		var status, started, finished string
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.PlaybookID, &status, &started, &finished); err != nil {
			rows.Close()
			return nil, err
		}
		e.Status = incident.ExecutionStatus(status)
		e.StartedAt = parseTime(started)
		e.FinishedAt = parseTime(finished)
		resp.Executions = append(resp.Executions, &e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range resp.Executions {
		if e.Steps, err = s.loadSteps(ctx, e.ID); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (s *LocalStore) loadSteps(ctx context.Context, execID string) ([]incident.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, action, status, started_at, finished_at, error, output FROM incident_steps WHERE execution_id = ? ORDER BY position`, execID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []incident.StepResult
	for rows.Next() {
		var st incident.StepResult
		var status, started, finished, output string
		if err := rows.Scan(&st.StepID, &st.Action, &status, &started, &finished, &st.Error, &output); err != nil {
			return nil, err
		}
		st.Status = incident.StepStatus(status)
		st.StartedAt = parseTime(started)
		st.FinishedAt = parseTime(finished)
		if output != "{}" {
			if err := json.Unmarshal([]byte(output), &st.Output); err != nil {
				return nil, fmt.Errorf("step %s: bad output: %w", st.StepID, err)
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListIncidents returns incidents newest first, without executions.
func (s *LocalStore) ListIncidents(ctx context.Context, limit int) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, severity, source, description, indicators, status, detected_at, updated_at FROM incidents ORDER BY detected_at DESC, id LIMIT ?`,
		clampLimit(limit, 500))
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func scanIncident(row interface{ Scan(...any) error }) (*incident.Incident, error) {
	var inc incident.Incident
	var category, severity, indicators, status, detected, updated string
	err := row.Scan(&inc.ID, &category, &severity, &inc.Source, &inc.Description, &indicators, &status, &detected, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	inc.Category = incident.Category(category)
	if inc.Severity, err = incident.ParseSeverity(severity); err != nil {
		return nil, err
	}
	if indicators != "null" {
		if err := json.Unmarshal([]byte(indicators), &inc.Indicators); err != nil {
			return nil, fmt.Errorf("incident %s: bad indicators: %w", inc.ID, err)
		}
	}
	inc.Status = incident.Status(status)
	inc.DetectedAt = parseTime(detected)
	inc.UpdatedAt = parseTime(updated)
	return &inc, nil
}
