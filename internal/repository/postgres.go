package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/CiteDrop/internal/deposit"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// PostgresStore wraps all SQL used by the API, worker and CLI when the
// deposits live in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store over an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ deposit.Store = (*PostgresStore)(nil)

// Insert stores a new deposit and its creation audit row in one transaction.
func (s *PostgresStore) Insert(ctx context.Context, d *model.Deposit, rec model.Transition) error {
	cols, err := encodeColumns(d)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO deposits (`+depositColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (external_ref) DO NOTHING
	`, d.ID, d.ExternalRef, d.Submitter, d.Title, cols.metadata, cols.citations, d.SourceURL, d.SubmittedAt,
		d.State, cols.validationErrors, d.RejectionReason, d.FailureReason, d.ProcessingAttempts, d.Label, cols.pendingNotice,
		d.CreatedAt, d.LastTransitionAt, d.ProcessingStartedAt, d.ArchivedAt, d.ArchiveLocation, d.ArchiveDigest)
	if err != nil {
		return fmt.Errorf("insert deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return deposit.ErrDuplicateRef
	}
	if err := insertTransitionPG(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// Get returns a deposit by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Deposit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id=$1`, id)
	return scanPG(row)
}

// GetByExternalRef returns the deposit created for ref.
func (s *PostgresStore) GetByExternalRef(ctx context.Context, ref string) (*model.Deposit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE external_ref=$1`, ref)
	return scanPG(row)
}

// Update rewrites the mutable columns of d when the stored state equals
// expected, and appends rec in the same transaction.
func (s *PostgresStore) Update(ctx context.Context, d *model.Deposit, expected model.State, rec model.Transition) error {
	cols, err := encodeColumns(d)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE deposits
		SET state=$1,
			validation_errors=$2,
			rejection_reason=$3,
			failure_reason=$4,
			processing_attempts=$5,
			label=$6,
			pending_notice=$7,
			last_transition_at=$8,
			processing_started_at=$9,
			archived_at=$10,
			archive_location=$11,
			archive_digest=$12
		WHERE id=$13 AND state=$14
	`, d.State, cols.validationErrors, d.RejectionReason, d.FailureReason, d.ProcessingAttempts, d.Label,
		cols.pendingNotice, d.LastTransitionAt, d.ProcessingStartedAt, d.ArchivedAt, d.ArchiveLocation,
		d.ArchiveDigest, d.ID, expected)
	if err != nil {
		return fmt.Errorf("update deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deposits WHERE id=$1)`, d.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check deposit: %w", err)
		}
		if !exists {
			return deposit.ErrNotFound
		}
		return deposit.ErrStateConflict
	}
	if err := insertTransitionPG(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// SetNotice replaces the pending notice and label.
func (s *PostgresStore) SetNotice(ctx context.Context, id string, notice *model.Notice, label string) error {
	raw, err := encodeNotice(notice)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE deposits SET pending_notice=$1, label=$2 WHERE id=$3`, raw, label, id)
	if err != nil {
		return fmt.Errorf("set notice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return deposit.ErrNotFound
	}
	return nil
}

// IDsInState lists ids in state, oldest first.
func (s *PostgresStore) IDsInState(ctx context.Context, state model.State) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM deposits WHERE state=$1 ORDER BY created_at, id`, state)
}

// IDsWithPendingNotice lists ids with an undelivered notice, oldest first.
func (s *PostgresStore) IDsWithPendingNotice(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM deposits WHERE pending_notice IS NOT NULL ORDER BY created_at, id`)
}

// History returns the audit rows of id in insertion order.
func (s *PostgresStore) History(ctx context.Context, id string) ([]model.Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT deposit_id, from_state, to_state, event, reason, at
		FROM deposit_transitions WHERE deposit_id=$1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()
	var out []model.Transition
	for rows.Next() {
		var t model.Transition
		if err := rows.Scan(&t.DepositID, &t.From, &t.To, &t.Event, &t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		t.At = t.At.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertTransitionPG(ctx context.Context, tx pgx.Tx, rec model.Transition) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO deposit_transitions (deposit_id, from_state, to_state, event, reason, at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.DepositID, rec.From, rec.To, rec.Event, rec.Reason, rec.At)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func scanPG(row pgx.Row) (*model.Deposit, error) {
	var (
		d        model.Deposit
		cols     jsonColumns
		started  *time.Time
		archived *time.Time
	)
	err := row.Scan(&d.ID, &d.ExternalRef, &d.Submitter, &d.Title, &cols.metadata, &cols.citations, &d.SourceURL,
		&d.SubmittedAt, &d.State, &cols.validationErrors, &d.RejectionReason, &d.FailureReason,
		&d.ProcessingAttempts, &d.Label, &cols.pendingNotice, &d.CreatedAt, &d.LastTransitionAt,
		&started, &archived, &d.ArchiveLocation, &d.ArchiveDigest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, deposit.ErrNotFound
		}
		return nil, fmt.Errorf("select deposit: %w", err)
	}
	if err := cols.decodeInto(&d); err != nil {
		return nil, err
	}
	d.SubmittedAt = d.SubmittedAt.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	d.LastTransitionAt = d.LastTransitionAt.UTC()
	if started != nil {
		t := started.UTC()
		d.ProcessingStartedAt = &t
	}
	if archived != nil {
		t := archived.UTC()
		d.ArchivedAt = &t
	}
	return &d, nil
}
