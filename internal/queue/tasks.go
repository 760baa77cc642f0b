// Package queue defines the asynq tasks CiteDrop hands to its worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/CiteDrop/internal/intake"
)

const (
	// IntakeTask carries one submission event.
	IntakeTask = "deposit:intake"
	// BatchTask triggers a batch ingestion run.
	BatchTask = "deposit:batch"
	// ArchiveTask triggers an archival run.
	ArchiveTask = "deposit:archive"
	// NoticeTask flushes queued ticket notices.
	NoticeTask = "deposit:notices"
)

// runUniqueWindow collapses repeated run triggers while one is pending.
const runUniqueWindow = 10 * time.Minute

// ErrDuplicate is returned when the queue already holds an equivalent task.
var ErrDuplicate = errors.New("task already queued")

// Enqueuer is the part of *asynq.Client the helpers use.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewIntakeTask wraps a submission event. The external ref doubles as the
// task id so the queue itself drops duplicate deliveries while one is held.
func NewIntakeTask(ev intake.Event) (*asynq.Task, []asynq.Option, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{asynq.MaxRetry(5)}
	if ev.ExternalRef != "" {
		opts = append(opts, asynq.TaskID("intake:"+ev.ExternalRef))
	}
	return asynq.NewTask(IntakeTask, data), opts, nil
}

// DecodeIntake reads the event out of an intake task.
func DecodeIntake(task *asynq.Task) (intake.Event, error) {
	var ev intake.Event
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return ev, fmt.Errorf("decode payload: %w", err)
	}
	return ev, nil
}

// EnqueueIntake enqueues a submission event.
func EnqueueIntake(ctx context.Context, client Enqueuer, ev intake.Event) error {
	task, opts, err := NewIntakeTask(ev)
	if err != nil {
		return err
	}
	return enqueue(ctx, client, task, opts...)
}

// EnqueueBatch asks the worker for a batch run.
func EnqueueBatch(ctx context.Context, client Enqueuer) error {
	return enqueue(ctx, client, NewRunTask(BatchTask), asynq.MaxRetry(0), asynq.Unique(runUniqueWindow))
}

// EnqueueArchive asks the worker for an archival run.
func EnqueueArchive(ctx context.Context, client Enqueuer) error {
	return enqueue(ctx, client, NewRunTask(ArchiveTask), asynq.MaxRetry(0), asynq.Unique(runUniqueWindow))
}

// NewRunTask builds a payload-less run task (batch, archive, notices).
func NewRunTask(typename string) *asynq.Task {
	return asynq.NewTask(typename, nil)
}

func enqueue(ctx context.Context, client Enqueuer, task *asynq.Task, opts ...asynq.Option) error {
	if _, err := client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
			return ErrDuplicate
		}
		return fmt.Errorf("enqueue %s task: %w", task.Type(), err)
	}
	return nil
}
