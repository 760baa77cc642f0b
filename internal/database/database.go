package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the deposit tables if needed. The migration lives in
// code so a fresh compose stack bootstraps itself.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS deposits (
	id TEXT PRIMARY KEY,
	external_ref TEXT NOT NULL UNIQUE,
	submitter TEXT NOT NULL,
	title TEXT NOT NULL,
	metadata TEXT NOT NULL,
	citations TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	state TEXT NOT NULL,
	validation_errors TEXT NOT NULL DEFAULT '[]',
	rejection_reason TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	processing_attempts INTEGER NOT NULL DEFAULT 0,
	label TEXT NOT NULL DEFAULT '',
	pending_notice TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	last_transition_at TIMESTAMPTZ NOT NULL,
	processing_started_at TIMESTAMPTZ,
	archived_at TIMESTAMPTZ,
	archive_location TEXT NOT NULL DEFAULT '',
	archive_digest TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_deposits_state ON deposits(state, created_at);
CREATE TABLE IF NOT EXISTS deposit_transitions (
	seq BIGSERIAL PRIMARY KEY,
	deposit_id TEXT NOT NULL REFERENCES deposits(id),
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	event TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deposit_transitions_deposit ON deposit_transitions(deposit_id, seq);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
