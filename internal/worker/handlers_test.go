package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/CiteDrop/internal/archive"
	"github.com/dharsanguruparan/CiteDrop/internal/batch"
	"github.com/dharsanguruparan/CiteDrop/internal/intake"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
	"github.com/dharsanguruparan/CiteDrop/internal/queue"
)

type stubEngines struct {
	events   []intake.Event
	intake   error
	batchErr error
	batches  int
	archives int
	flushes  int
}

func (s *stubEngines) HandleSubmission(_ context.Context, ev intake.Event) (intake.Outcome, error) {
	s.events = append(s.events, ev)
	return intake.Outcome{ExternalRef: ev.ExternalRef, State: model.StateReady}, s.intake
}

func (s *stubEngines) RunBatch(context.Context) (batch.Report, error) {
	s.batches++
	return batch.Report{}, s.batchErr
}

func (s *stubEngines) RunArchival(context.Context) (archive.Report, error) {
	s.archives++
	return archive.Report{}, archive.ErrRunInProgress
}

func (s *stubEngines) FlushPending(context.Context) (int, error) {
	s.flushes++
	return 0, nil
}

func TestHandleIntake(t *testing.T) {
	s := &stubEngines{}
	h := NewHandlers(s, s, s, s, nil)
	task, _, err := queue.NewIntakeTask(intake.Event{ExternalRef: "o/r#1", Submitter: "1"})
	if err != nil {
		t.Fatalf("NewIntakeTask: %v", err)
	}
	if err := h.HandleIntake(context.Background(), task); err != nil {
		t.Fatalf("HandleIntake: %v", err)
	}
	if len(s.events) != 1 || s.events[0].ExternalRef != "o/r#1" {
		t.Fatalf("events = %+v", s.events)
	}

	s.intake = errors.New("store down")
	if err := h.HandleIntake(context.Background(), task); err == nil {
		t.Fatal("expected intake error to surface for retry")
	}
	err = h.HandleIntake(context.Background(), asynq.NewTask(queue.IntakeTask, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestRunHandlers(t *testing.T) {
	s := &stubEngines{}
	h := NewHandlers(s, s, s, s, nil)
	ctx := context.Background()
	if err := h.HandleBatch(ctx, queue.NewRunTask(queue.BatchTask)); err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if s.batches != 1 || s.flushes != 1 {
		t.Fatalf("batches=%d flushes=%d", s.batches, s.flushes)
	}
	s.batchErr = batch.ErrRunInProgress
	if err := h.HandleBatch(ctx, queue.NewRunTask(queue.BatchTask)); err != nil {
		t.Fatalf("overlapping batch should be a no-op: %v", err)
	}
	if err := h.HandleArchive(ctx, queue.NewRunTask(queue.ArchiveTask)); err != nil {
		t.Fatalf("overlapping archival should be a no-op: %v", err)
	}
	if err := h.HandleNotices(ctx, queue.NewRunTask(queue.NoticeTask)); err != nil || s.flushes != 2 {
		t.Fatalf("HandleNotices err=%v flushes=%d", err, s.flushes)
	}
}

type recordingRegistrar struct {
	specs map[string]string
}

func (r *recordingRegistrar) Register(spec string, task *asynq.Task, _ ...asynq.Option) (string, error) {
	if r.specs == nil {
		r.specs = make(map[string]string)
	}
	r.specs[task.Type()] = spec
	return task.Type(), nil
}

func TestRegister(t *testing.T) {
	r := &recordingRegistrar{}
	ids, err := Register(r, Schedule{Batch: DefaultBatchSpec, Archive: DefaultArchiveSpec})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(ids) != 2 || r.specs[queue.BatchTask] != "@monthly" || r.specs[queue.ArchiveTask] != "@weekly" {
		t.Fatalf("ids=%v specs=%v", ids, r.specs)
	}
	if _, ok := r.specs[queue.NoticeTask]; ok {
		t.Fatal("empty notice spec should not be registered")
	}
}
