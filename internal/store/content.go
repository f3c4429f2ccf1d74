package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContentStatus is the review state of a content item.
type ContentStatus string

const (
	ContentPending  ContentStatus = "pending"  // awaiting review
	ContentApproved ContentStatus = "approved" // visible in feeds
	ContentRejected ContentStatus = "rejected" // hidden
)

// Valid reports whether s is a known status.
func (s ContentStatus) Valid() bool {
	switch s {
	case ContentPending, ContentApproved, ContentRejected:
		return true
	}
	return false
}

// ContentItem is a user post moving through review.
type ContentItem struct {
	ID         string        `json:"id"`
	AuthorID   string        `json:"author_id"`
	Title      string        `json:"title"`
	Body       string        `json:"body"`
	MediaFile  string        `json:"media_file,omitempty"`
	Status     ContentStatus `json:"status"`
	ReviewerID string        `json:"reviewer_id,omitempty"`
	ReviewNote string        `json:"review_note,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ReviewedAt time.Time     `json:"reviewed_at,omitempty"`
}

// CreateContent inserts c as pending.
func (s *LocalStore) CreateContent(ctx context.Context, c *ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.ID = uuid.NewString()
	c.Status = ContentPending
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_items (id, author_id, title, body, media_file, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AuthorID, c.Title, c.Body, c.MediaFile, string(c.Status), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create content: %w", err)
	}
	return nil
}

const contentColumns = `id, author_id, title, body, media_file, status, reviewer_id, review_note, created_at, reviewed_at`

func scanContent(row interface{ Scan(...any) error }) (*ContentItem, error) {
	var c ContentItem
	var status, created, reviewed string
	err := row.Scan(&c.ID, &c.AuthorID, &c.Title, &c.Body, &c.MediaFile, &status, &c.ReviewerID, &c.ReviewNote, &created, &reviewed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Status = ContentStatus(status)
	c.CreatedAt = parseTime(created)
	c.ReviewedAt = parseTime(reviewed)
	return &c, nil
}

// GetContent returns one item.
func (s *LocalStore) GetContent(ctx context.Context, id string) (*ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanContent(s.db.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content_items WHERE id = ?`, id))
}

// ListContent returns items newest first. An empty status lists everything.
func (s *LocalStore) ListContent(ctx context.Context, status ContentStatus, limit int) ([]*ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + contentColumns + ` FROM content_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, clampLimit(limit, 500))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}
	defer rows.Close()

	var out []*ContentItem
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReviewContent approves or rejects a pending item. Reviewing an item that
// is not pending returns ErrConflict.
func (s *LocalStore) ReviewContent(ctx context.Context, id, reviewerID string, approve bool, note string) (*ContentItem, error) {
	status := ContentRejected
	if approve {
		status = ContentApproved
	}

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE content_items SET status = ?, reviewer_id = ?, review_note = ?, reviewed_at = ? WHERE id = ? AND status = ?`,
		string(status), reviewerID, note, formatTime(time.Now().UTC()), id, string(ContentPending))
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to review content: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetContent(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: content %s is already %s", ErrConflict, id, existing.Status)
	}
	return s.GetContent(ctx, id)
}
