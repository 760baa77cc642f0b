package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dharsanguruparan/CiteDrop/internal/deposit"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// timeLayout is fixed width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLiteStore persists deposits in a single SQLite file. It is the default
// store for single-node deployments and the CLI.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a database opened with database.OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var _ deposit.Store = (*SQLiteStore)(nil)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// inTx runs fn in a transaction, retrying the whole transaction while the
// database is busy.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Insert stores a new deposit and its creation audit row.
func (s *SQLiteStore) Insert(ctx context.Context, d *model.Deposit, rec model.Transition) error {
	cols, err := encodeColumns(d)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO deposits (`+depositColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (external_ref) DO NOTHING
		`, d.ID, d.ExternalRef, d.Submitter, d.Title, cols.metadata, cols.citations, d.SourceURL,
			formatTime(d.SubmittedAt), string(d.State), cols.validationErrors, d.RejectionReason, d.FailureReason,
			d.ProcessingAttempts, d.Label, nullString(cols.pendingNotice), formatTime(d.CreatedAt),
			formatTime(d.LastTransitionAt), nullTime(d.ProcessingStartedAt), nullTime(d.ArchivedAt),
			d.ArchiveLocation, d.ArchiveDigest)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return deposit.ErrDuplicateRef
		}
		return insertTransitionSQLite(ctx, tx, rec)
	})
	if err != nil && !errors.Is(err, deposit.ErrDuplicateRef) {
		return fmt.Errorf("insert deposit: %w", err)
	}
	return err
}

// Get returns a deposit by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Deposit, error) {
	return s.getOne(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = ?`, id)
}

// GetByExternalRef returns the deposit created for ref.
func (s *SQLiteStore) GetByExternalRef(ctx context.Context, ref string) (*model.Deposit, error) {
	return s.getOne(ctx, `SELECT `+depositColumns+` FROM deposits WHERE external_ref = ?`, ref)
}

func (s *SQLiteStore) getOne(ctx context.Context, query string, arg string) (*model.Deposit, error) {
	var d *model.Deposit
	err := retryOnBusy(ctx, func() error {
		var scanErr error
		d, scanErr = scanSQLite(s.db.QueryRowContext(ctx, query, arg))
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Update rewrites d when the stored state equals expected and appends rec.
func (s *SQLiteStore) Update(ctx context.Context, d *model.Deposit, expected model.State, rec model.Transition) error {
	cols, err := encodeColumns(d)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE deposits
			SET state = ?, validation_errors = ?, rejection_reason = ?, failure_reason = ?,
				processing_attempts = ?, label = ?, pending_notice = ?, last_transition_at = ?,
				processing_started_at = ?, archived_at = ?, archive_location = ?, archive_digest = ?
			WHERE id = ? AND state = ?
		`, string(d.State), cols.validationErrors, d.RejectionReason, d.FailureReason, d.ProcessingAttempts,
			d.Label, nullString(cols.pendingNotice), formatTime(d.LastTransitionAt),
			nullTime(d.ProcessingStartedAt), nullTime(d.ArchivedAt), d.ArchiveLocation, d.ArchiveDigest,
			d.ID, string(expected))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM deposits WHERE id = ?`, d.ID).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return deposit.ErrNotFound
			}
			return deposit.ErrStateConflict
		}
		return insertTransitionSQLite(ctx, tx, rec)
	})
	if err != nil && !errors.Is(err, deposit.ErrNotFound) && !errors.Is(err, deposit.ErrStateConflict) {
		return fmt.Errorf("update deposit: %w", err)
	}
	return err
}

// SetNotice replaces the pending notice and label.
func (s *SQLiteStore) SetNotice(ctx context.Context, id string, notice *model.Notice, label string) error {
	raw, err := encodeNotice(notice)
	if err != nil {
		return err
	}
	var affected int64
	err = retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE deposits SET pending_notice = ?, label = ? WHERE id = ?`,
			nullString(raw), label, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set notice: %w", err)
	}
	if affected == 0 {
		return deposit.ErrNotFound
	}
	return nil
}

// IDsInState lists ids in state, oldest first.
func (s *SQLiteStore) IDsInState(ctx context.Context, state model.State) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM deposits WHERE state = ? ORDER BY created_at, id`, string(state))
}

// IDsWithPendingNotice lists ids with an undelivered notice, oldest first.
func (s *SQLiteStore) IDsWithPendingNotice(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM deposits WHERE pending_notice IS NOT NULL ORDER BY created_at, id`)
}

// History returns the audit rows of id in insertion order.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]model.Transition, error) {
	var out []model.Transition
	err := retryOnBusy(ctx, func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx, `
			SELECT deposit_id, from_state, to_state, event, reason, at
			FROM deposit_transitions WHERE deposit_id = ? ORDER BY seq
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				t        model.Transition
				from, to string
				at       string
			)
			if err := rows.Scan(&t.DepositID, &from, &to, &t.Event, &t.Reason, &at); err != nil {
				return err
			}
			t.From, t.To = model.State(from), model.State(to)
			if t.At, err = parseTime(at); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	var ids []string
	err := retryOnBusy(ctx, func() error {
		ids = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("select ids: %w", err)
	}
	return ids, nil
}

func insertTransitionSQLite(ctx context.Context, tx *sql.Tx, rec model.Transition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO deposit_transitions (deposit_id, from_state, to_state, event, reason, at)
		VALUES (?,?,?,?,?,?)
	`, rec.DepositID, string(rec.From), string(rec.To), rec.Event, rec.Reason, formatTime(rec.At))
	return err
}

func scanSQLite(row *sql.Row) (*model.Deposit, error) {
	var (
		d         model.Deposit
		cols      jsonColumns
		state     string
		notice    sql.NullString
		started   sql.NullString
		archived  sql.NullString
		submitted string
		created   string
		last      string
	)
	err := row.Scan(&d.ID, &d.ExternalRef, &d.Submitter, &d.Title, &cols.metadata, &cols.citations, &d.SourceURL,
		&submitted, &state, &cols.validationErrors, &d.RejectionReason, &d.FailureReason,
		&d.ProcessingAttempts, &d.Label, &notice, &created, &last,
		&started, &archived, &d.ArchiveLocation, &d.ArchiveDigest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, deposit.ErrNotFound
		}
		return nil, err
	}
	d.State = model.State(state)
	if notice.Valid {
		cols.pendingNotice = &notice.String
	}
	if err := cols.decodeInto(&d); err != nil {
		return nil, err
	}
	if d.SubmittedAt, err = parseTime(submitted); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if d.LastTransitionAt, err = parseTime(last); err != nil {
		return nil, err
	}
	if d.ProcessingStartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if d.ArchivedAt, err = parseNullTime(archived); err != nil {
		return nil, err
	}
	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
