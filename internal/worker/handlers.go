// Package worker plugs CiteDrop's engines into the asynq worker loop and
// registers the periodic batch, archival and notice runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/CiteDrop/internal/archive"
	"github.com/dharsanguruparan/CiteDrop/internal/batch"
	"github.com/dharsanguruparan/CiteDrop/internal/intake"
	"github.com/dharsanguruparan/CiteDrop/internal/queue"
)

// Submissions handles intake events.
type Submissions interface {
	HandleSubmission(ctx context.Context, ev intake.Event) (intake.Outcome, error)
}

// Batches runs ingestion batches.
type Batches interface {
	RunBatch(ctx context.Context) (batch.Report, error)
}

// Archivals runs archival passes.
type Archivals interface {
	RunArchival(ctx context.Context) (archive.Report, error)
}

// Notices flushes the notice outbox.
type Notices interface {
	FlushPending(ctx context.Context) (int, error)
}

// Handlers routes tasks to the engines.
type Handlers struct {
	intake   Submissions
	batches  Batches
	archives Archivals
	notices  Notices
	logger   *slog.Logger
}

// NewHandlers constructs the worker handlers. notices may be nil.
func NewHandlers(in Submissions, b Batches, a Archivals, n Notices, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handlers{intake: in, batches: b, archives: a, notices: n, logger: logger}
}

// Mux registers every task handler.
func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.IntakeTask, h.HandleIntake)
	mux.HandleFunc(queue.BatchTask, h.HandleBatch)
	mux.HandleFunc(queue.ArchiveTask, h.HandleArchive)
	mux.HandleFunc(queue.NoticeTask, h.HandleNotices)
	return mux
}

// HandleIntake runs one submission. Undecodable payloads are not retried.
func (h *Handlers) HandleIntake(ctx context.Context, task *asynq.Task) error {
	ev, err := queue.DecodeIntake(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	out, err := h.intake.HandleSubmission(ctx, ev)
	if err != nil {
		h.logger.Error("intake failed", "external_ref", ev.ExternalRef, "error", err)
		return err
	}
	h.logger.Info("intake handled",
		"external_ref", out.ExternalRef, "deposit_id", out.DepositID, "state", out.State, "replayed", out.Replayed)
	return nil
}

// HandleBatch runs a batch. A run already in progress makes this a no-op.
func (h *Handlers) HandleBatch(ctx context.Context, _ *asynq.Task) error {
	report, err := h.batches.RunBatch(ctx)
	if errors.Is(err, batch.ErrRunInProgress) {
		h.logger.Info("batch run skipped, another run holds the lock")
		return nil
	}
	if err != nil {
		return err
	}
	h.logger.Info("batch run complete",
		"picked", report.Picked, "succeeded", report.Succeeded, "retried", report.Retried,
		"failed", report.Failed, "skipped", report.Skipped, "recovered", report.Recovered)
	h.flush(ctx)
	return nil
}

// HandleArchive runs an archival pass.
func (h *Handlers) HandleArchive(ctx context.Context, _ *asynq.Task) error {
	report, err := h.archives.RunArchival(ctx)
	if errors.Is(err, archive.ErrRunInProgress) {
		h.logger.Info("archival run skipped, another run holds the lock")
		return nil
	}
	if err != nil {
		return err
	}
	h.logger.Info("archival run complete",
		"picked", report.Picked, "archived", report.Archived, "failed", report.Failed, "skipped", report.Skipped)
	return nil
}

// HandleNotices re-delivers queued notices.
func (h *Handlers) HandleNotices(ctx context.Context, _ *asynq.Task) error {
	if h.notices == nil {
		return nil
	}
	_, err := h.notices.FlushPending(ctx)
	return err
}

func (h *Handlers) flush(ctx context.Context) {
	if h.notices == nil {
		return
	}
	if _, err := h.notices.FlushPending(ctx); err != nil {
		h.logger.Warn("notice flush failed", "error", err)
	}
}
