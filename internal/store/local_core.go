// Package store persists lukhas state in SQLite: users, content, chat,
// follows, the authorization decision log and incident history.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"lukhas/internal/logging"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on unique constraint violations and invalid
	// state transitions.
	ErrConflict = errors.New("conflict")
)

// LocalStore is the SQLite-backed store.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewLocalStore opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("%s failed: %v", pragma, err)
		}
	}

	store := &LocalStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("LocalStore ready (%s)", path)
	return store, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	usersTable := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT 'T1',
		scopes TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);
	`

	contentTable := `
	CREATE TABLE IF NOT EXISTS content_items (
		id TEXT PRIMARY KEY,
		author_id TEXT NOT NULL REFERENCES users(id),
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		reviewer_id TEXT NOT NULL DEFAULT '',
		review_note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		reviewed_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_content_status ON content_items(status);
	CREATE INDEX IF NOT EXISTS idx_content_author ON content_items(author_id);
	`

	chatTable := `
	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_room ON chat_messages(room, id);
	`

	followsTable := `
	CREATE TABLE IF NOT EXISTS follows (
		follower_id TEXT NOT NULL,
		followee_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (follower_id, followee_id)
	);
	CREATE INDEX IF NOT EXISTS idx_follows_followee ON follows(followee_id);
	`

	decisionsTable := `
	CREATE TABLE IF NOT EXISTS authz_decisions (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		subject TEXT NOT NULL,
		tier TEXT NOT NULL,
		module TEXT NOT NULL,
		action TEXT NOT NULL,
		allow INTEGER NOT NULL,
		reason TEXT NOT NULL,
		source TEXT NOT NULL,
		policy_version TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_at ON authz_decisions(at);
	CREATE INDEX IF NOT EXISTS idx_decisions_subject ON authz_decisions(subject);
	`

	incidentsTable := `
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		indicators TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		detected_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_detected ON incidents(detected_at);

	CREATE TABLE IF NOT EXISTS incident_executions (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		playbook_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_incident ON incident_executions(incident_id);

	CREATE TABLE IF NOT EXISTS incident_steps (
		execution_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL DEFAULT '',
		finished_at TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (execution_id, step_id)
	);
	`

	for _, table := range []string{usersTable, contentTable, chatTable, followsTable, decisionsTable, incidentsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying connection.
func (s *LocalStore) GetDB() *sql.DB {
	return s.db
}

// GetStats returns the row count of every table.
func (s *LocalStore) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"users", "content_items", "chat_messages", "follows", "authz_decisions", "incidents", "incident_executions", "incident_steps"} {
		var n int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = n
	}
	return stats, nil
}

// timeFormat is fixed-width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Times are stored as text in UTC; the zero time is stored empty.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		logging.StoreDebug("bad timestamp %q: %v", s, err)
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
