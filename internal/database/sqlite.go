package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS deposits (
	id TEXT PRIMARY KEY,
	external_ref TEXT NOT NULL UNIQUE,
	submitter TEXT NOT NULL,
	title TEXT NOT NULL,
	metadata TEXT NOT NULL,
	citations TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	submitted_at TEXT NOT NULL,
	state TEXT NOT NULL,
	validation_errors TEXT NOT NULL DEFAULT '[]',
	rejection_reason TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	processing_attempts INTEGER NOT NULL DEFAULT 0,
	label TEXT NOT NULL DEFAULT '',
	pending_notice TEXT,
	created_at TEXT NOT NULL,
	last_transition_at TEXT NOT NULL,
	processing_started_at TEXT,
	archived_at TEXT,
	archive_location TEXT NOT NULL DEFAULT '',
	archive_digest TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_deposits_state ON deposits(state, created_at);
CREATE TABLE IF NOT EXISTS deposit_transitions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	deposit_id TEXT NOT NULL REFERENCES deposits(id),
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	event TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deposit_transitions_deposit ON deposit_transitions(deposit_id, seq);`

// OpenSQLite opens (creating if needed) the SQLite database at path and
// applies the deposit schema. Timestamps are stored as RFC 3339 text.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Pragmas are per connection; a single connection keeps them applied.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return db, nil
}
