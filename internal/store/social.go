package store

import (
	"context"
	"fmt"
	"time"
)

// ChatMessage is one message posted to a room.
type ChatMessage struct {
	ID        int64     `json:"id"`
	Room      string    `json:"room"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// PostMessage appends m to its room and assigns id and time.
func (s *LocalStore) PostMessage(ctx context.Context, m *ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (room, user_id, username, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.Room, m.UserID, m.Username, m.Body, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

// ListMessages returns messages in room with id greater than sinceID, oldest
// first.
func (s *LocalStore) ListMessages(ctx context.Context, room string, sinceID int64, limit int) ([]*ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room, user_id, username, body, created_at FROM chat_messages WHERE room = ? AND id > ? ORDER BY id LIMIT ?`,
		room, sinceID, clampLimit(limit, 200))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*ChatMessage
	for rows.Next() {
		var m ChatMessage
		var created string
		if err := rows.Scan(&m.ID, &m.Room, &m.UserID, &m.Username, &m.Body, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Follow records that followerID follows followeeID. Following twice is a
// no-op; following yourself is a conflict.
func (s *LocalStore) Follow(ctx context.Context, followerID, followeeID string) error {
	if followerID == followeeID {
		return fmt.Errorf("%w: cannot follow yourself", ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO follows (follower_id, followee_id, created_at) VALUES (?, ?, ?)`,
		followerID, followeeID, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to follow: %w", err)
	}
	return nil
}

// Unfollow removes a follow edge. Missing edges return ErrNotFound.
func (s *LocalStore) Unfollow(ctx context.Context, followerID, followeeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`, followerID, followeeID)
	if err != nil {
		return fmt.Errorf("failed to unfollow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Following returns the ids followerID follows.
func (s *LocalStore) Following(ctx context.Context, followerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT followee_id FROM follows WHERE follower_id = ? ORDER BY created_at, followee_id`, followerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Feed returns approved content by users userID follows, newest first.
func (s *LocalStore) Feed(ctx context.Context, userID string, limit int) ([]*ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.author_id, c.title, c.body, c.media_file, c.status, c.reviewer_id, c.review_note, c.created_at, c.reviewed_at
		FROM content_items c
		JOIN follows f ON f.followee_id = c.author_id
		WHERE f.follower_id = ? AND c.status = ?
		ORDER BY c.created_at DESC, c.id
		LIMIT ?`,
		userID, string(ContentApproved), clampLimit(limit, 200))
	if err != nil {
		return nil, fmt.Errorf("failed to build feed: %w", err)
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
