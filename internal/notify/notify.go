// Package notify delivers queued deposit notices to the ticketing platform.
//
// Notices are written to the deposit record together with the transition
// that produced them (an outbox). The Dispatcher delivers them and clears
// each one only after the sink accepted it, so a crash between the two is
// repaired by the next FlushPending sweep.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// Sink projects a notice onto the ticket identified by ref.
type Sink interface {
	Deliver(ctx context.Context, ref string, notice model.Notice) error
}

// Outbox is the deposit-side view the Dispatcher needs.
type Outbox interface {
	PendingNotices(ctx context.Context) ([]*model.Deposit, error)
	AckNotice(ctx context.Context, id string, delivered model.Notice) error
}

// LogSink writes notices to the log. It stands in for the ticketing
// platform when none is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *slog.Logger) LogSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return LogSink{logger: logger}
}

// Deliver logs the notice.
func (s LogSink) Deliver(_ context.Context, ref string, notice model.Notice) error {
	s.logger.Info("deposit notice",
		"external_ref", ref,
		"label", notice.Label,
		"close", notice.Close,
		"comment", notice.Comment,
	)
	return nil
}

// Dispatcher moves notices from the outbox to a sink.
type Dispatcher struct {
	outbox Outbox
	sink   Sink
	logger *slog.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(outbox Outbox, sink Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{outbox: outbox, sink: sink, logger: logger}
}

// Deliver sends d's pending notice, if any, and acknowledges it.
func (d *Dispatcher) Deliver(ctx context.Context, dep *model.Deposit) error {
	if dep == nil || dep.PendingNotice == nil {
		return nil
	}
	notice := *dep.PendingNotice
	if err := d.sink.Deliver(ctx, dep.ExternalRef, notice); err != nil {
		return fmt.Errorf("deliver notice for %s: %w", dep.ExternalRef, err)
	}
	if err := d.outbox.AckNotice(ctx, dep.ID, notice); err != nil {
		return fmt.Errorf("ack notice for %s: %w", dep.ID, err)
	}
	d.logger.Debug("notice delivered", "deposit_id", dep.ID, "external_ref", dep.ExternalRef, "label", notice.Label)
	return nil
}

// FlushPending delivers every undelivered notice. Individual failures are
// logged and left in the outbox; the count of delivered notices is returned.
func (d *Dispatcher) FlushPending(ctx context.Context) (int, error) {
	pending, err := d.outbox.PendingNotices(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending notices: %w", err)
	}
	delivered := 0
	for _, dep := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err := d.Deliver(ctx, dep); err != nil {
			d.logger.Warn("notice delivery failed", "deposit_id", dep.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}
