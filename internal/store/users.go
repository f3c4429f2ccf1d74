package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a registered account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Tier         string    `json:"tier"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateUser inserts u, assigning its id and creation time. Emails are
// stored lower-cased. Duplicate usernames or emails return ErrConflict.
func (s *LocalStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.ID = uuid.NewString()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.CreatedAt = time.Now().UTC()
	if u.Tier == "" {
		u.Tier = "T1"
	}
	if u.Scopes == nil {
		u.Scopes = []string{}
	}
	scopes, err := json.Marshal(u.Scopes)
	if err != nil {
		return fmt.Errorf("failed to encode scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, tier, scopes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Tier, string(scopes), formatTime(u.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username or email already registered", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

const userColumns = `id, username, email, password_hash, tier, scopes, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var scopes, created string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Tier, &scopes, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &u.Scopes); err != nil {
		return nil, fmt.Errorf("user %s: bad scopes: %w", u.ID, err)
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// GetUserByEmail looks a user up by email, case-insensitively.
func (s *LocalStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email))))
}

// GetUserByID looks a user up by id.
func (s *LocalStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByUsername looks a user up by username.
func (s *LocalStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}
