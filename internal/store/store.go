// Package store is the SQLite-backed Storage Gateway: conversation
// turns, memory segments, pinned entries, notes, the tool call audit
// log, token usage, tool server definitions, and runtime configuration
// values.
//
// Gateway couples a Store with the semantic recall index so that turn
// writes and chat purges keep both in step.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/astarte-agent/internal/events"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Store is the relational half of the Storage Gateway. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// Open opens the database file at path with WAL journaling and runs
// migrations.
func Open(path string, bus *events.Bus, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db, bus, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database, creating the schema on first use.
// The bus receives tool server configuration events and may be nil.
func NewStore(db *sql.DB, bus *events.Bus, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		bus:    bus,
		logger: logger.With("component", "store"),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id          TEXT PRIMARY KEY,
		chat        TEXT NOT NULL,
		sender      TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		role        TEXT NOT NULL,
		body        TEXT NOT NULL,
		reply_to    TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_chat ON turns(chat, created_at, id);

	CREATE TABLE IF NOT EXISTS memory (
		scope      TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, key)
	);

	CREATE TABLE IF NOT EXISTS pinned (
		scope      TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notes (
		id         TEXT PRIMARY KEY,
		scope      TEXT NOT NULL,
		title      TEXT NOT NULL,
		body       TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notes_scope ON notes(scope, updated_at);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id         TEXT PRIMARY KEY,
		turn_id    TEXT NOT NULL,
		chat       TEXT NOT NULL,
		tool_name  TEXT NOT NULL,
		input      TEXT NOT NULL,
		output     TEXT NOT NULL DEFAULT '',
		error      TEXT NOT NULL DEFAULT '',
		latency_ms INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_turn ON tool_calls(turn_id);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_chat ON tool_calls(chat, created_at);

	CREATE TABLE IF NOT EXISTS mcp_servers (
		name        TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		transport   TEXT NOT NULL,
		url         TEXT NOT NULL DEFAULT '',
		command     TEXT NOT NULL DEFAULT '',
		args        TEXT NOT NULL DEFAULT '[]',
		env         TEXT NOT NULL DEFAULT '[]',
		headers     TEXT NOT NULL DEFAULT '{}',
		enabled     INTEGER NOT NULL DEFAULT 1,
		created_by  TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		request_id    TEXT NOT NULL,
		chat          TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL,
		round         INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at);

	CREATE TABLE IF NOT EXISTS config (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
