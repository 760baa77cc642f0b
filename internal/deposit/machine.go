// Package deposit owns the deposit lifecycle. The Machine is the single
// source of truth for deposit state: every change goes through Transition,
// which serializes writers per deposit id and compare-and-swaps the stored
// state so separate processes sharing a database cannot both apply an event.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/CiteDrop/internal/keylock"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// DefaultMaxAttempts bounds ingestion attempts when Options leaves it unset.
const DefaultMaxAttempts = 3

// Store persists deposits and their audit history.
type Store interface {
	// Insert stores a new deposit and its creation audit row. It returns
	// ErrDuplicateRef when the external ref is already known.
	Insert(ctx context.Context, d *model.Deposit, rec model.Transition) error
	Get(ctx context.Context, id string) (*model.Deposit, error)
	GetByExternalRef(ctx context.Context, ref string) (*model.Deposit, error)
	// Update replaces d and appends rec only if the stored state still equals
	// expected; otherwise it returns ErrStateConflict and changes nothing.
	Update(ctx context.Context, d *model.Deposit, expected model.State, rec model.Transition) error
	// SetNotice replaces the pending notice and the last projected label.
	SetNotice(ctx context.Context, id string, notice *model.Notice, label string) error
	// IDsInState lists ids ordered by creation time.
	IDsInState(ctx context.Context, state model.State) ([]string, error)
	// IDsWithPendingNotice lists ids whose notice is undelivered.
	IDsWithPendingNotice(ctx context.Context) ([]string, error)
	History(ctx context.Context, id string) ([]model.Transition, error)
}

// Options tunes a Machine.
type Options struct {
	MaxAttempts int
	Now         func() time.Time
	Logger      *slog.Logger
}

// Machine applies lifecycle events to stored deposits.
type Machine struct {
	store       Store
	locks       keylock.Locker
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

// NewMachine wires a Machine over store.
func NewMachine(store Store, opts Options) *Machine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Machine{
		store:       store,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		logger:      opts.Logger,
	}
}

// MaxAttempts returns the configured attempt bound.
func (m *Machine) MaxAttempts() int { return m.maxAttempts }

// Submission is the content of a new deposit.
type Submission struct {
	ExternalRef string
	Submitter   string
	Title       string
	Metadata    model.Table
	Citations   model.Table
	SourceURL   string
	SubmittedAt time.Time
}

// Create stores a SUBMITTED deposit for sub. When the external ref already
// exists the stored deposit is returned with created=false.
func (m *Machine) Create(ctx context.Context, sub Submission) (d *model.Deposit, created bool, err error) {
	ref := strings.TrimSpace(sub.ExternalRef)
	if ref == "" {
		return nil, false, fmt.Errorf("create deposit: external ref is required")
	}
	if existing, err := m.store.GetByExternalRef(ctx, ref); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("lookup external ref %s: %w", ref, err)
	}

	now := m.now().UTC()
	submittedAt := sub.SubmittedAt.UTC()
	if sub.SubmittedAt.IsZero() {
		submittedAt = now
	}
	d = &model.Deposit{
		ID:               uuid.NewString(),
		ExternalRef:      ref,
		Submitter:        sub.Submitter,
		Title:            sub.Title,
		Metadata:         sub.Metadata,
		Citations:        sub.Citations,
		SourceURL:        sub.SourceURL,
		SubmittedAt:      submittedAt,
		State:            model.StateSubmitted,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	rec := model.Transition{DepositID: d.ID, To: model.StateSubmitted, Event: "create", At: now}
	if err := m.store.Insert(ctx, d, rec); err != nil {
		if errors.Is(err, ErrDuplicateRef) {
			// Lost a race with another writer for the same ref.
			existing, getErr := m.store.GetByExternalRef(ctx, ref)
			if getErr != nil {
				return nil, false, fmt.Errorf("lookup external ref %s: %w", ref, getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert deposit: %w", err)
	}
	m.logger.Info("deposit created", "deposit_id", d.ID, "external_ref", ref, "submitter", sub.Submitter)
	return d.Clone(), true, nil
}

// Get returns a copy of the stored deposit.
func (m *Machine) Get(ctx context.Context, id string) (*model.Deposit, error) {
	return m.store.Get(ctx, id)
}

// GetByExternalRef returns the deposit created for ref.
func (m *Machine) GetByExternalRef(ctx context.Context, ref string) (*model.Deposit, error) {
	return m.store.GetByExternalRef(ctx, strings.TrimSpace(ref))
}

// CurrentState returns the stored state of id.
func (m *Machine) CurrentState(ctx context.Context, id string) (model.State, error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return d.State, nil
}

// Query lists the ids currently in state, oldest first.
func (m *Machine) Query(ctx context.Context, state model.State) ([]string, error) {
	return m.store.IDsInState(ctx, state)
}

// History returns the audit rows of id, oldest first.
func (m *Machine) History(ctx context.Context, id string) ([]model.Transition, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.History(ctx, id)
}

// Transition applies ev to the deposit id and returns the updated deposit.
// Illegal events return a *ConsistencyError and leave the deposit untouched.
func (m *Machine) Transition(ctx context.Context, id string, ev Event) (*model.Deposit, error) {
	release := m.locks.Lock(id)
	defer release()

	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	to, err := Next(current, ev, m.maxAttempts)
	if err != nil {
		var ce *ConsistencyError
		if errors.As(err, &ce) {
			m.logger.Warn("illegal deposit transition",
				"deposit_id", id, "state", current.State, "event", ev.Kind)
		}
		return current, err
	}

	at := m.now().UTC()
	next := current.Clone()
	apply(next, ev, to, at)
	rec := model.Transition{
		DepositID: id,
		From:      current.State,
		To:        to,
		Event:     string(ev.Kind),
		Reason:    ev.reason(),
		At:        at,
	}
	if err := m.store.Update(ctx, next, current.State, rec); err != nil {
		if errors.Is(err, ErrStateConflict) {
			m.logger.Warn("deposit changed by another writer",
				"deposit_id", id, "expected", current.State, "event", ev.Kind)
			return current, &ConsistencyError{ID: id, From: current.State, Event: ev.Kind, Err: err}
		}
		return current, fmt.Errorf("persist transition %s for %s: %w", ev.Kind, id, err)
	}
	m.logger.Info("deposit transitioned",
		"deposit_id", id, "from", current.State, "to", to, "event", ev.Kind)
	return next, nil
}

// PendingNotices returns the deposits whose notice has not been delivered.
func (m *Machine) PendingNotices(ctx context.Context) ([]*model.Deposit, error) {
	ids, err := m.store.IDsWithPendingNotice(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Deposit, 0, len(ids))
	for _, id := range ids {
		d, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if d.PendingNotice != nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// AckNotice records that delivered reached the ticketing platform. The
// pending notice is cleared only if it is still the delivered one, so a
// notice queued during delivery is kept for the next flush.
func (m *Machine) AckNotice(ctx context.Context, id string, delivered model.Notice) error {
	release := m.locks.Lock(id)
	defer release()

	d, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.PendingNotice == nil || *d.PendingNotice != delivered {
		return nil
	}
	label := d.Label
	if delivered.Label != "" {
		label = delivered.Label
	}
	if err := m.store.SetNotice(ctx, id, nil, label); err != nil {
		return fmt.Errorf("clear notice for %s: %w", id, err)
	}
	return nil
}
