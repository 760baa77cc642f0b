// Package archive copies DONE deposits to durable object storage and marks
// them ARCHIVED. Failures leave the deposit DONE; every run retries them.
package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dharsanguruparan/CiteDrop/internal/deposit"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// ErrRunInProgress is returned when another archival run holds the run lock.
var ErrRunInProgress = errors.New("archival run already in progress")

// Report summarizes one archival run.
type Report struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	Picked   int `json:"picked"`
	Archived int `json:"archived"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`

	ArchivedIDs []string `json:"archivedIds,omitempty"`
	FailedIDs   []string `json:"failedIds,omitempty"`
}

// Archiver runs archival passes.
type Archiver struct {
	machine *deposit.Machine
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
	running sync.Mutex
}

// Options tunes an Archiver.
type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// New builds an Archiver writing to backend.
func New(machine *deposit.Machine, backend Backend, opts Options) *Archiver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Archiver{machine: machine, backend: backend, now: opts.Now, logger: opts.Logger}
}

// Archive stores d and returns where it went.
func (a *Archiver) Archive(ctx context.Context, d *model.Deposit) (model.ArchiveReceipt, error) {
	data, digest, err := Encode(BuildRecord(d))
	if err != nil {
		return model.ArchiveReceipt{}, &deposit.ArchivalError{DepositID: d.ID, Err: err}
	}
	location, err := a.backend.Put(ctx, ObjectKey(d, a.now()), data)
	if err != nil {
		return model.ArchiveReceipt{}, &deposit.ArchivalError{DepositID: d.ID, Err: err}
	}
	return model.ArchiveReceipt{Location: location, Digest: digest}, nil
}

// RunArchival archives every deposit that was DONE when the run started.
func (a *Archiver) RunArchival(ctx context.Context) (Report, error) {
	if !a.running.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer a.running.Unlock()

	report := Report{StartedAt: a.now().UTC()}
	snapshot, err := a.machine.Query(ctx, model.StateDone)
	if err != nil {
		return report, err
	}
	a.logger.Info("archival run started", "done", len(snapshot))

	for _, id := range snapshot {
		if ctx.Err() != nil {
			break
		}
		d, err := a.machine.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, deposit.ErrNotFound) {
				a.logger.Warn("load deposit for archival failed", "deposit_id", id, "error", err)
			}
			report.Skipped++
			continue
		}
		if d.State != model.StateDone {
			report.Skipped++
			continue
		}
		report.Picked++
		receipt, err := a.Archive(ctx, d)
		if err != nil {
			a.logger.Warn("archival failed, deposit stays done", "deposit_id", id, "error", err)
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, id)
			continue
		}
		if _, err := a.machine.Transition(ctx, id, deposit.Archived(receipt)); err != nil {
			var ce *deposit.ConsistencyError
			if errors.As(err, &ce) {
				report.Picked--
				report.Skipped++
				continue
			}
			a.logger.Error("record archival failed", "deposit_id", id, "location", receipt.Location, "error", err)
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, id)
			continue
		}
		report.Archived++
		report.ArchivedIDs = append(report.ArchivedIDs, id)
	}
	report.FinishedAt = a.now().UTC()
	a.logger.Info("archival run finished",
		"picked", report.Picked, "archived", report.Archived, "failed", report.Failed, "skipped", report.Skipped)
	return report, ctx.Err()
}
