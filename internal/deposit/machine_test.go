package deposit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dharsanguruparan/CiteDrop/internal/deposit"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
	"github.com/dharsanguruparan/CiteDrop/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newMachine(t *testing.T, maxAttempts int) (*deposit.Machine, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return deposit.NewMachine(store, deposit.Options{MaxAttempts: maxAttempts, Now: clock.Now}), store
}

func create(t *testing.T, m *deposit.Machine, ref string) *model.Deposit {
	t.Helper()
	d, created, err := m.Create(context.Background(), deposit.Submission{ExternalRef: ref, Submitter: "alice", Title: "Deposit: OK"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatalf("expected %s to be created", ref)
	}
	return d
}

func mustTransition(t *testing.T, m *deposit.Machine, id string, ev deposit.Event) *model.Deposit {
	t.Helper()
	d, err := m.Transition(context.Background(), id, ev)
	if err != nil {
		t.Fatalf("Transition %s: %v", ev.Kind, err)
	}
	return d
}

func ingestErr(id string) *deposit.IngestionError {
	return &deposit.IngestionError{DepositID: id, Err: errors.New("index unavailable")}
}

func TestCreateIsIdempotentByExternalRef(t *testing.T) {
	m, _ := newMachine(t, 3)
	first := create(t, m, "issue-1")
	again, created, err := m.Create(context.Background(), deposit.Submission{ExternalRef: "issue-1"})
	if err != nil {
		t.Fatalf("Create replay: %v", err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("expected replay to return %s, got %s (created=%v)", first.ID, again.ID, created)
	}
	if first.State != model.StateSubmitted {
		t.Fatalf("new deposit state = %s", first.State)
	}
	if _, _, err := m.Create(context.Background(), deposit.Submission{ExternalRef: "  "}); err == nil {
		t.Fatal("expected error for empty external ref")
	}
}

func TestHappyPathToArchived(t *testing.T) {
	m, _ := newMachine(t, 3)
	ctx := context.Background()
	d := create(t, m, "issue-1")

	mustTransition(t, m, d.ID, deposit.Accept().WithNotice(model.Notice{Label: model.LabelQueued, Comment: "thanks"}))
	picked := mustTransition(t, m, d.ID, deposit.Pickup())
	if picked.ProcessingAttempts != 1 || picked.ProcessingStartedAt == nil {
		t.Fatalf("pickup bookkeeping missing: %#v", picked)
	}
	done := mustTransition(t, m, d.ID, deposit.IngestSucceeded())
	if done.ProcessingAttempts != 0 || done.ProcessingStartedAt != nil {
		t.Fatalf("success did not reset attempts: %#v", done)
	}
	archived := mustTransition(t, m, d.ID, deposit.Archived(model.ArchiveReceipt{Location: "s3://b/k", Digest: "blake3:1"}))
	if archived.ArchivedAt == nil || archived.ArchiveLocation != "s3://b/k" {
		t.Fatalf("archive bookkeeping missing: %#v", archived)
	}

	state, err := m.CurrentState(ctx, d.ID)
	if err != nil || state != model.StateArchived {
		t.Fatalf("CurrentState = %s, %v", state, err)
	}
	history, err := m.History(ctx, d.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	wantEvents := []string{"create", "accept", "pickup", "ingest_ok", "archived"}
	if len(history) != len(wantEvents) {
		t.Fatalf("history = %#v", history)
	}
	for i, ev := range wantEvents {
		if history[i].Event != ev {
			t.Fatalf("history[%d].Event = %s, want %s", i, history[i].Event, ev)
		}
		if i > 0 && history[i].From != history[i-1].To {
			t.Fatalf("history is not contiguous at %d: %#v", i, history)
		}
	}
}

func TestIllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		setup []deposit.Event
		event deposit.Event
	}{
		{name: "pickup from submitted", event: deposit.Pickup()},
		{name: "accept twice", setup: []deposit.Event{deposit.Accept()}, event: deposit.Accept()},
		{name: "archive from ready", setup: []deposit.Event{deposit.Accept()}, event: deposit.Archived(model.ArchiveReceipt{Location: "x"})},
		{name: "ingest from ready", setup: []deposit.Event{deposit.Accept()}, event: deposit.IngestSucceeded()},
		{name: "leave rejected", setup: []deposit.Event{deposit.Reject(&deposit.AuthorizationError{Submitter: "bob", Reason: "not on list"})}, event: deposit.Accept()},
		{name: "requeue from ready", setup: []deposit.Event{deposit.Accept()}, event: deposit.Requeue("ops")},
		{name: "leave archived", setup: []deposit.Event{
			deposit.Accept(), deposit.Pickup(), deposit.IngestSucceeded(), deposit.Archived(model.ArchiveReceipt{Location: "x"}),
		}, event: deposit.Requeue("ops")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newMachine(t, 3)
			d := create(t, m, "issue")
			for _, ev := range tc.setup {
				mustTransition(t, m, d.ID, ev)
			}
			before, _ := m.Get(context.Background(), d.ID)
			_, err := m.Transition(context.Background(), d.ID, tc.event)
			var ce *deposit.ConsistencyError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConsistencyError, got %v", err)
			}
			if deposit.Kind(err) != deposit.KindConsistency {
				t.Fatalf("Kind = %s", deposit.Kind(err))
			}
			after, _ := m.Get(context.Background(), d.ID)
			if after.State != before.State || !after.LastTransitionAt.Equal(before.LastTransitionAt) {
				t.Fatalf("deposit changed: before %#v after %#v", before, after)
			}
		})
	}
}

func TestEventsRequireMatchingCause(t *testing.T) {
	m, _ := newMachine(t, 3)
	d := create(t, m, "issue")
	if _, err := m.Transition(context.Background(), d.ID, deposit.Invalidate(&deposit.FormatError{})); err == nil {
		t.Fatal("expected invalidate without findings to fail")
	}
	if _, err := m.Transition(context.Background(), d.ID, deposit.Reject(nil)); err == nil {
		t.Fatal("expected reject without cause to fail")
	}
	if state, _ := m.CurrentState(context.Background(), d.ID); state != model.StateSubmitted {
		t.Fatalf("state = %s, want submitted", state)
	}
}

func TestRejectAndInvalidateAreMutuallyExclusive(t *testing.T) {
	m, _ := newMachine(t, 3)
	rejected := create(t, m, "issue-r")
	got := mustTransition(t, m, rejected.ID, deposit.Reject(&deposit.AuthorizationError{Submitter: "bob", Reason: "not on list"}))
	if got.RejectionReason != "not on list" || len(got.ValidationErrors) != 0 {
		t.Fatalf("unexpected rejected deposit: %#v", got)
	}

	invalid := create(t, m, "issue-i")
	findings := []model.ValidationError{{Table: "metadata", Row: 1, Column: "id", Reason: "required field is empty"}}
	got = mustTransition(t, m, invalid.ID, deposit.Invalidate(&deposit.FormatError{Errors: findings}))
	if got.RejectionReason != "" || len(got.ValidationErrors) != 1 {
		t.Fatalf("unexpected invalid deposit: %#v", got)
	}
}

func TestRetryBound(t *testing.T) {
	t.Run("fail fail succeed", func(t *testing.T) {
		m, _ := newMachine(t, 3)
		d := create(t, m, "issue")
		mustTransition(t, m, d.ID, deposit.Accept())
		for i := 0; i < 2; i++ {
			mustTransition(t, m, d.ID, deposit.Pickup())
			got := mustTransition(t, m, d.ID, deposit.IngestFailed(ingestErr(d.ID)))
			if got.State != model.StateReady {
				t.Fatalf("failure %d: state = %s, want ready", i+1, got.State)
			}
			if got.FailureReason == "" {
				t.Fatalf("failure %d: reason not recorded", i+1)
			}
		}
		mustTransition(t, m, d.ID, deposit.Pickup())
		got := mustTransition(t, m, d.ID, deposit.IngestSucceeded())
		if got.State != model.StateDone || got.ProcessingAttempts != 0 || got.FailureReason != "" {
			t.Fatalf("unexpected final deposit: %#v", got)
		}
	})
	t.Run("three failures", func(t *testing.T) {
		m, _ := newMachine(t, 3)
		d := create(t, m, "issue")
		mustTransition(t, m, d.ID, deposit.Accept())
		var got *model.Deposit
		for i := 0; i < 3; i++ {
			mustTransition(t, m, d.ID, deposit.Pickup())
			got = mustTransition(t, m, d.ID, deposit.IngestFailed(ingestErr(d.ID)))
		}
		if got.State != model.StateFailed || got.ProcessingAttempts != 3 {
			t.Fatalf("unexpected deposit after three failures: %#v", got)
		}
		requeued := mustTransition(t, m, d.ID, deposit.Requeue("index fixed"))
		if requeued.State != model.StateReady || requeued.ProcessingAttempts != 0 || requeued.FailureReason != "" {
			t.Fatalf("requeue did not reset bookkeeping: %#v", requeued)
		}
	})
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	m, _ := newMachine(t, 3)
	d := create(t, m, "issue")
	mustTransition(t, m, d.ID, deposit.Accept())

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Transition(context.Background(), d.ID, deposit.Pickup())
			var ce *deposit.ConsistencyError
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.As(err, &ce):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded.Load() != 1 || conflicts.Load() != 19 {
		t.Fatalf("succeeded=%d conflicts=%d, want 1 and 19", succeeded.Load(), conflicts.Load())
	}
	got, _ := m.Get(context.Background(), d.ID)
	if got.ProcessingAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.ProcessingAttempts)
	}
}

type conflictingStore struct {
	*repository.MemoryStore
}

func (s conflictingStore) Update(context.Context, *model.Deposit, model.State, model.Transition) error {
	return deposit.ErrStateConflict
}

func TestStoreConflictSurfacesAsConsistencyError(t *testing.T) {
	mem := repository.NewMemoryStore()
	m := deposit.NewMachine(conflictingStore{mem}, deposit.Options{})
	d := create(t, m, "issue")
	_, err := m.Transition(context.Background(), d.ID, deposit.Accept())
	if !errors.Is(err, deposit.ErrStateConflict) {
		t.Fatalf("expected wrapped ErrStateConflict, got %v", err)
	}
	var ce *deposit.ConsistencyError
	if !errors.As(err, &ce) || ce.From != model.StateSubmitted {
		t.Fatalf("expected ConsistencyError from submitted, got %v", err)
	}
}

func TestNoticesMergeAndAck(t *testing.T) {
	m, _ := newMachine(t, 3)
	ctx := context.Background()
	d := create(t, m, "issue")
	queued := model.Notice{Label: model.LabelQueued, Comment: "thanks"}
	mustTransition(t, m, d.ID, deposit.Accept().WithNotice(queued))
	mustTransition(t, m, d.ID, deposit.Pickup())
	mustTransition(t, m, d.ID, deposit.IngestSucceeded().WithNotice(model.Notice{Label: model.LabelDone}))

	pending, err := m.PendingNotices(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingNotices = %v, %v", pending, err)
	}
	merged := *pending[0].PendingNotice
	if merged.Label != model.LabelDone || merged.Comment != "thanks" {
		t.Fatalf("unexpected merged notice: %#v", merged)
	}

	// Acknowledging a superseded notice must keep the newer one.
	if err := m.AckNotice(ctx, d.ID, queued); err != nil {
		t.Fatalf("AckNotice stale: %v", err)
	}
	if pending, _ := m.PendingNotices(ctx); len(pending) != 1 {
		t.Fatalf("stale ack cleared the notice")
	}
	if err := m.AckNotice(ctx, d.ID, merged); err != nil {
		t.Fatalf("AckNotice: %v", err)
	}
	got, _ := m.Get(ctx, d.ID)
	if got.PendingNotice != nil || got.Label != model.LabelDone {
		t.Fatalf("ack did not clear notice: %#v", got)
	}
}

func TestQueryListsIDsByState(t *testing.T) {
	m, _ := newMachine(t, 3)
	a := create(t, m, "a")
	b := create(t, m, "b")
	mustTransition(t, m, b.ID, deposit.Accept())

	submitted, err := m.Query(context.Background(), model.StateSubmitted)
	if err != nil || len(submitted) != 1 || submitted[0] != a.ID {
		t.Fatalf("Query submitted = %v, %v", submitted, err)
	}
	ready, _ := m.Query(context.Background(), model.StateReady)
	if len(ready) != 1 || ready[0] != b.ID {
		t.Fatalf("Query ready = %v", ready)
	}
	if _, err := m.CurrentState(context.Background(), "missing"); !errors.Is(err, deposit.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
