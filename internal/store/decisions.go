package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lukhas/internal/authz"
)

var _ authz.DecisionSink = (*LocalStore)(nil)

// AppendDecision implements authz.DecisionSink.
func (s *LocalStore) AppendDecision(ctx context.Context, d authz.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	allow := 0
	if d.Allow {
		allow = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authz_decisions (id, at, request_id, subject, tier, module, action, allow, reason, source, policy_version, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, formatTime(d.At), d.RequestID, d.Subject, d.Tier, d.Module, d.Action, allow, d.Reason, d.Source, d.PolicyVersion, d.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	return nil
}

// DecisionFilter narrows ListDecisions. Zero fields match everything.
type DecisionFilter struct {
	Subject string
	Module  string
	Allow   *bool
	Since   time.Time
	Limit   int
}

// ListDecisions returns logged decisions, newest first.
func (s *LocalStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]authz.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if f.Module != "" {
		where = append(where, "module = ?")
		args = append(args, f.Module)
	}
	if f.Allow != nil {
		where = append(where, "allow = ?")
		if *f.Allow {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if !f.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT id, at, request_id, subject, tier, module, action, allow, reason, source, policy_version, duration_ms FROM authz_decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at DESC, id LIMIT ?"
	args = append(args, clampLimit(f.Limit, 1000))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []authz.DecisionRecord
	for rows.Next() {
		var d authz.DecisionRecord
		var at string
		var allow int
		if err := rows.Scan(&d.ID, &at, &d.RequestID, &d.Subject, &d.Tier, &d.Module, &d.Action, &allow, &d.Reason, &d.Source, &d.PolicyVersion, &d.DurationMs); err != nil {
			return nil, err
		}
		d.At = parseTime(at)
		d.Allow = allow == 1
		out = append(out, d)
	}
	return out, rows.Err()
}
