// Package store is Kairo's SQLite persistence layer. A single kairo.db holds
// the user items (tasks and reminders), the conversation turn log, the tool
// activity audit, mirrored system logs, user preferences and the outbound
// delivery queue.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
CREATE TABLE IF NOT EXISTS items (
    item_id     TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    type        TEXT NOT NULL CHECK (type IN ('task', 'reminder')),
    status      TEXT NOT NULL CHECK (status IN ('new', 'in_progress', 'completed', 'deleted')),
    description TEXT NOT NULL DEFAULT '',
    project     TEXT NOT NULL DEFAULT '',
    due_date    TEXT NOT NULL DEFAULT '',
    remind_at   TEXT NOT NULL DEFAULT '',
    duration    TEXT NOT NULL DEFAULT '',
    size        TEXT NOT NULL DEFAULT '',
    worktime    TEXT NOT NULL DEFAULT '',
    priority    TEXT NOT NULL DEFAULT '',
    urgency     TEXT NOT NULL DEFAULT '',
    parent_id   TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_user_status ON items(user_id, status);

-- Conversation turns (append-only).
CREATE TABLE IF NOT EXISTS messages (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    user_id   TEXT NOT NULL,
    role      TEXT NOT NULL,
    kind      TEXT NOT NULL,
    content   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, id);

-- Every tool invocation attempt, successful or not.
CREATE TABLE IF NOT EXISTS tool_activity (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    tool_name   TEXT NOT NULL,
    args_json   TEXT NOT NULL DEFAULT '{}',
    result_json TEXT NOT NULL DEFAULT '{}',
    success     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_activity_user ON tool_activity(user_id, id);

-- Warnings and errors mirrored from the process logger.
CREATE TABLE IF NOT EXISTS system_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp  TEXT NOT NULL,
    level      TEXT NOT NULL,
    component  TEXT NOT NULL DEFAULT '',
    message    TEXT NOT NULL,
    attrs_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS user_preferences (
    user_id    TEXT PRIMARY KEY,
    data       TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Unacknowledged outbound messages for queue bridges.
CREATE TABLE IF NOT EXISTS outbox (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    delivery_id TEXT NOT NULL UNIQUE,
    recipient   TEXT NOT NULL,
    message     TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
`

// OpenDatabase opens (or creates) the SQLite database at path with WAL mode
// and creates all tables.
func OpenDatabase(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/kairo.db"
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}

// Store bundles the per-table stores over one database handle.
type Store struct {
	DB          *sql.DB
	Items       *ItemStore
	Turns       *TurnLog
	Activity    *ActivityLog
	Preferences *PreferenceStore
	Outbox      *Outbox
}

// Open opens the database at path and wires every table store. Preferences
// are loaded into memory eagerly.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}

	prefs, err := NewPreferenceStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		DB:          db,
		Items:       NewItemStore(db),
		Turns:       NewTurnLog(db),
		Activity:    NewActivityLog(db),
		Preferences: prefs,
		Outbox:      NewOutbox(db),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

// NewID returns a time-ordered UUIDv7, falling back to a random UUIDv4.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}
