// Package batch moves READY deposits through ingestion. A run fixes its set
// of ids up front, fans them out to a bounded pool of workers and records
// every outcome through the deposit state machine.
package batch

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

// ErrRunInProgress is returned when another batch run holds the run lock.
var ErrRunInProgress = errors.New("batch run already in progress")

// ErrStuck is the cause recorded for deposits recovered from PROCESSING.
var ErrStuck = errors.New("processing did not finish before the stuck timeout")

// DefaultStuckTimeout is used when Options leaves StuckTimeout unset.
const DefaultStuckTimeout = 30 * time.Minute

// Deliverer pushes a deposit's pending notice out.
type Deliverer interface {
	Deliver(ctx context.Context, d *model.Deposit) error
}

// Options tunes a Processor.
type Options struct {
	Workers      int
	StuckTimeout time.Duration
	Deliverer    Deliverer
	Now          func() time.Time
	Logger       *slog.Logger
}

// Report summarizes one run. Id lists follow snapshot order.
type Report struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	Picked    int `json:"picked"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Recovered int `json:"recovered"`

	SucceededIDs []string `json:"succeededIds,omitempty"`
	RetriedIDs   []string `json:"retriedIds,omitempty"`
	FailedIDs    []string `json:"failedIds,omitempty"`
	SkippedIDs   []string `json:"skippedIds,omitempty"`
	RecoveredIDs []string `json:"recoveredIds,omitempty"`
}

// Empty reports whether the run touched nothing.
func (r Report) Empty() bool {
	return r.Picked == 0 && r.Skipped == 0 && r.Recovered == 0
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSucceeded
	outcomeRetried
	outcomeFailed
	outcomeSkipped
)

// Processor runs ingestion batches.
type Processor struct {
	machine      *deposit.Machine
	ingester     Ingester
	workers      int
	stuckTimeout time.Duration
	deliverer    Deliverer
	now          func() time.Time
	logger       *slog.Logger
	running      sync.Mutex
}

// New builds a Processor.
func New(machine *deposit.Machine, ingester Ingester, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = DefaultStuckTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{
		machine:      machine,
		ingester:     ingester,
		workers:      opts.Workers,
		stuckTimeout: opts.StuckTimeout,
		deliverer:    opts.Deliverer,
		now:          opts.Now,
		logger:       opts.Logger,
	}
}

// RunBatch recovers stuck deposits, then ingests every deposit that was
// READY when the run started. Per-deposit failures are recorded on the
// deposit and never abort the run. A cancelled context stops new pickups;
// deposits already PROCESSING stay there for the next run's recovery.
func (p *Processor) RunBatch(ctx context.Context) (Report, error) {
	if !p.running.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer p.running.Unlock()

	report := Report{StartedAt: p.now().UTC()}
	recovered, err := p.recoverStuck(ctx)
	if err != nil {
		return report, err
	}
	report.RecoveredIDs = recovered
	report.Recovered = len(recovered)

	snapshot, err := p.machine.Query(ctx, model.StateReady)
	if err != nil {
		return report, err
	}
	p.logger.Info("batch run started", "ready", len(snapshot), "recovered", report.Recovered, "workers", p.workers)

	results := make([]outcome, len(snapshot))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = p.process(ctx, snapshot[idx])
			}
		}()
	}
feed:
	for idx := range snapshot {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- idx:
		}
	}
	close(jobs)
	wg.Wait()

	for idx, res := range results {
		id := snapshot[idx]
		switch res {
		case outcomeSucceeded:
			report.Picked++
			report.Succeeded++
			report.SucceededIDs = append(report.SucceededIDs, id)
		case outcomeRetried:
			report.Picked++
			report.Retried++
			report.RetriedIDs = append(report.RetriedIDs, id)
		case outcomeFailed:
			report.Picked++
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, id)
		case outcomeSkipped:
			report.Skipped++
			report.SkippedIDs = append(report.SkippedIDs, id)
		}
	}
	report.FinishedAt = p.now().UTC()
	p.logger.Info("batch run finished",
		"picked", report.Picked, "succeeded", report.Succeeded, "retried", report.Retried,
		"failed", report.Failed, "skipped", report.Skipped)
	return report, ctx.Err()
}

// recoverStuck feeds an ingestion failure to every deposit that has been
// PROCESSING longer than the stuck timeout.
func (p *Processor) recoverStuck(ctx context.Context) ([]string, error) {
	ids, err := p.machine.Query(ctx, model.StateProcessing)
	if err != nil {
		return nil, err
	}
	cutoff := p.now().Add(-p.stuckTimeout)
	var recovered []string
	for _, id := range ids {
		d, err := p.machine.Get(ctx, id)
		if err != nil {
			if errors.Is(err, deposit.ErrNotFound) {
				continue
			}
			return recovered, err
		}
		if d.ProcessingStartedAt != nil && d.ProcessingStartedAt.After(cutoff) {
			continue
		}
		next, err := p.machine.Transition(ctx, id, deposit.IngestFailed(&deposit.IngestionError{DepositID: id, Err: ErrStuck}))
		if err != nil {
			var ce *deposit.ConsistencyError
			if errors.As(err, &ce) {
				continue
			}
			return recovered, err
		}
		p.logger.Warn("recovered stuck deposit", "deposit_id", id, "state", next.State, "attempts", next.ProcessingAttempts)
		recovered = append(recovered, id)
	}
	return recovered, nil
}

func (p *Processor) process(ctx context.Context, id string) outcome {
	if ctx.Err() != nil {
		return outcomeNone
	}
	d, err := p.machine.Transition(ctx, id, deposit.Pickup())
	if err != nil {
		var ce *deposit.ConsistencyError
		if errors.As(err, &ce) || errors.Is(err, deposit.ErrNotFound) {
			return outcomeSkipped
		}
		p.logger.Error("pickup failed", "deposit_id", id, "error", err)
		return outcomeNone
	}

	ingestErr := p.ingester.Ingest(ctx, PayloadFor(d))
	if ctx.Err() != nil {
		p.logger.Warn("batch cancelled during ingestion, leaving deposit processing", "deposit_id", id)
		return outcomeNone
	}
	if ingestErr == nil {
		done, err := p.machine.Transition(ctx, id, deposit.IngestSucceeded().WithNotice(model.Notice{Label: model.LabelDone}))
		if err != nil {
			p.logger.Error("record ingestion success failed", "deposit_id", id, "error", err)
			return outcomeNone
		}
		p.deliver(ctx, done)
		return outcomeSucceeded
	}

	cause := &deposit.IngestionError{DepositID: id, Err: ingestErr}
	next, err := p.machine.Transition(ctx, id, deposit.IngestFailed(cause))
	if err != nil {
		p.logger.Error("record ingestion failure failed", "deposit_id", id, "error", err)
		return outcomeNone
	}
	if next.State == model.StateFailed {
		p.logger.Error("deposit failed permanently", "deposit_id", id, "attempts", next.ProcessingAttempts, "error", ingestErr)
		return outcomeFailed
	}
	p.logger.Warn("ingestion failed, will retry", "deposit_id", id, "attempts", next.ProcessingAttempts, "error", ingestErr)
	return outcomeRetried
}

func (p *Processor) deliver(ctx context.Context, d *model.Deposit) {
	if p.deliverer == nil || d.PendingNotice == nil {
		return
	}
	if err := p.deliverer.Deliver(ctx, d); err != nil {
		p.logger.Warn("notice left in outbox", "deposit_id", d.ID, "error", err)
	}
}
