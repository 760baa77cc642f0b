package intake_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dharsanguruparan/CiteDrop/internal/authz"
	"github.com/dharsanguruparan/CiteDrop/internal/deposit"
	"github.com/dharsanguruparan/CiteDrop/internal/intake"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
	"github.com/dharsanguruparan/CiteDrop/internal/notify"
	"github.com/dharsanguruparan/CiteDrop/internal/repository"
	"github.com/dharsanguruparan/CiteDrop/internal/validation"
)

const plainSchema = `
version: 1
separator: "===###===@@@==="
title:
  pattern: '(?i)^deposit:\s*\S.*$'
identifier_schemas: [doi, pmid]
metadata:
  columns: [id, title]
  required: [id]
  identifier_columns: [id]
citations:
  columns: [citing_id, cited_id]
  required: [citing_id, cited_id]
  identifier_columns: [citing_id, cited_id]
  reference_columns: [citing_id, cited_id]
`

type countingSink struct {
	mu      sync.Mutex
	fail    bool
	notices map[string][]model.Notice
}

func (s *countingSink) Deliver(_ context.Context, ref string, n model.Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("ticketing down")
	}
	if s.notices == nil {
		s.notices = make(map[string][]model.Notice)
	}
	s.notices[ref] = append(s.notices[ref], n)
	return nil
}

func (s *countingSink) count(ref string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notices[ref])
}

type spyAuthorizer struct {
	inner authz.Roster
	mu    sync.Mutex
	calls int
}

func (a *spyAuthorizer) Authorize(ctx context.Context, identity string) authz.Decision {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return authz.NewChecker(a.inner, nil).Authorize(ctx, identity)
}

type harness struct {
	machine    *deposit.Machine
	coord      *intake.Coordinator
	sink       *countingSink
	dispatcher *notify.Dispatcher
	auth       *spyAuthorizer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	schema, err := validation.ParseSchema([]byte(plainSchema))
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	machine := deposit.NewMachine(repository.NewMemoryStore(), deposit.Options{MaxAttempts: 3})
	sink := &countingSink{}
	dispatcher := notify.NewDispatcher(machine, sink, nil)
	auth := &spyAuthorizer{inner: authz.NewStaticRoster("alice")}
	coord := intake.NewCoordinator(machine, auth, intake.Options{Schema: schema, Deliverer: dispatcher})
	return &harness{machine: machine, coord: coord, sink: sink, dispatcher: dispatcher, auth: auth}
}

func validEvent(ref, submitter string) intake.Event {
	return intake.Event{
		ExternalRef: ref,
		Submitter:   submitter,
		Title:       "Deposit: OK",
		Metadata: model.Table{
			{"id", "title"},
			{"doi:10.1000/a", "First"},
			{"doi:10.1000/b", "Second"},
		},
		Citations: model.Table{
			{"citing_id", "cited_id"},
			{"doi:10.1000/a", "doi:10.1000/b"},
		},
	}
}

func TestValidSubmissionBecomesReady(t *testing.T) {
	h := newHarness(t)
	out, err := h.coord.HandleSubmission(context.Background(), validEvent("A", "alice"))
	if err != nil {
		t.Fatalf("HandleSubmission: %v", err)
	}
	if out.State != model.StateReady || out.Label != model.LabelQueued || out.Replayed {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if h.sink.count("A") != 1 {
		t.Fatalf("expected one notice, got %d", h.sink.count("A"))
	}
	n := h.sink.notices["A"][0]
	if n.Label != model.LabelQueued || !n.Close || !strings.HasPrefix(n.Comment, "Thank you") {
		t.Fatalf("unexpected notice: %+v", n)
	}
	d, _ := h.machine.Get(context.Background(), out.DepositID)
	if d.PendingNotice != nil || d.Label != model.LabelQueued {
		t.Fatalf("notice not acknowledged: %+v", d)
	}
}

func TestDanglingReferenceIsInvalid(t *testing.T) {
	h := newHarness(t)
	ev := validEvent("A", "alice")
	ev.Citations = model.Table{{"citing_id", "cited_id"}, {"doi:10.1000/a", "doi:10.1000/zzz"}}
	out, err := h.coord.HandleSubmission(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleSubmission: %v", err)
	}
	if out.State != model.StateInvalid || out.Label != model.LabelInvalid {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(out.Errors) != 1 || !strings.Contains(out.Errors[0].Reason, "doi:10.1000/zzz") {
		t.Fatalf("expected one dangling reference error, got %+v", out.Errors)
	}
	comment := h.sink.notices["A"][0].Comment
	if !strings.Contains(comment, "Citations validation errors:") {
		t.Fatalf("comment does not list citation errors: %q", comment)
	}
}

func TestUnauthorizedSubmitterIsRejectedWithoutValidation(t *testing.T) {
	h := newHarness(t)
	ev := validEvent("A", "mallory")
	ev.Title = "not a deposit title"
	out, err := h.coord.HandleSubmission(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleSubmission: %v", err)
	}
	if out.State != model.StateRejected || out.Label != model.LabelRejected {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(out.Errors) != 0 || out.RejectionReason == "" {
		t.Fatalf("rejected deposit must carry a reason and no validation errors: %+v", out)
	}
	if got := h.sink.notices["A"][0].Comment; got != intake.DefaultContactMessage {
		t.Fatalf("unexpected rejection comment: %q", got)
	}
}

func TestMalformedTitleIsReportedFirst(t *testing.T) {
	h := newHarness(t)
	ev := validEvent("A", "alice")
	ev.Title = "hello"
	ev.Metadata = model.Table{{"id", "title"}, {"", "missing id"}}
	out, err := h.coord.HandleSubmission(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleSubmission: %v", err)
	}
	if out.State != model.StateInvalid || len(out.Errors) < 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Errors[0].Table != validation.TableTitle {
		t.Fatalf("expected title error first, got %+v", out.Errors)
	}
}

func TestBodySubmissionIsSplit(t *testing.T) {
	h := newHarness(t)
	ev := intake.Event{
		ExternalRef: "B",
		Submitter:   "alice",
		Title:       "deposit: body",
		Body:        "id,title\ndoi:10.1000/a,A\n===###===@@@===\nciting_id,cited_id\ndoi:10.1000/a,doi:10.1000/a\n",
	}
	out, err := h.coord.HandleSubmission(context.Background(), ev)
	if err != nil || out.State != model.StateReady {
		t.Fatalf("HandleSubmission = %+v, %v", out, err)
	}

	ev.ExternalRef = "C"
	ev.Body = "id,title\ndoi:10.1000/a,A\n"
	out, err = h.coord.HandleSubmission(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleSubmission: %v", err)
	}
	if out.State != model.StateInvalid || len(out.Errors) != 1 || out.Errors[0].Table != validation.TableBody {
		t.Fatalf("expected a single separator error, got %+v", out)
	}
}

func TestReplayReturnsStoredOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.coord.HandleSubmission(ctx, validEvent("A", "alice"))
	if err != nil {
		t.Fatalf("HandleSubmission: %v", err)
	}
	callsAfterFirst := h.auth.calls
	for i := 0; i < 3; i++ {
		again, err := h.coord.HandleSubmission(ctx, validEvent("A", "alice"))
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if again.DepositID != first.DepositID || again.State != first.State || !again.Replayed {
			t.Fatalf("replay %d differs: %+v vs %+v", i, again, first)
		}
	}
	if h.auth.calls != callsAfterFirst {
		t.Fatalf("replays re-evaluated the submission")
	}
	if h.sink.count("A") != 1 {
		t.Fatalf("expected one notification sequence, got %d notices", h.sink.count("A"))
	}
	ids, _ := h.machine.Query(ctx, model.StateReady)
	if len(ids) != 1 {
		t.Fatalf("expected exactly one deposit, got %v", ids)
	}
}

func TestConcurrentReplaysCreateOneDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	outcomes := make([]intake.Outcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.coord.HandleSubmission(ctx, validEvent("A", "alice"))
			if err != nil {
				t.Errorf("HandleSubmission: %v", err)
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()
	fresh := 0
	for _, out := range outcomes {
		if out.DepositID != outcomes[0].DepositID {
			t.Fatalf("different deposits created: %+v", outcomes)
		}
		if !out.Replayed {
			fresh++
		}
	}
	if fresh != 1 || h.sink.count("A") != 1 {
		t.Fatalf("fresh=%d notices=%d, want 1 and 1", fresh, h.sink.count("A"))
	}
}

func TestReplayRedeliversUndeliveredNotice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sink.fail = true
	out, err := h.coord.HandleSubmission(ctx, validEvent("A", "alice"))
	if err != nil {
		t.Fatalf("HandleSubmission: %v", err)
	}
	d, _ := h.machine.Get(ctx, out.DepositID)
	if d.PendingNotice == nil {
		t.Fatal("expected notice to stay in the outbox")
	}
	h.sink.fail = false
	if _, err := h.coord.HandleSubmission(ctx, validEvent("A", "alice")); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if h.sink.count("A") != 1 {
		t.Fatalf("expected the pending notice to be delivered once, got %d", h.sink.count("A"))
	}
	if _, err := h.coord.HandleSubmission(ctx, validEvent("A", "alice")); err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if h.sink.count("A") != 1 {
		t.Fatalf("notice delivered twice")
	}
}

func TestReplayResumesDepositLeftSubmitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// Simulates a crash between create and transition.
	d, _, err := h.machine.Create(ctx, deposit.Submission{
		ExternalRef: "A",
		Submitter:   "alice",
		Title:       "Deposit: OK",
		Metadata:    validEvent("A", "alice").Metadata,
		Citations:   validEvent("A", "alice").Citations,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	out, err := h.coord.HandleSubmission(ctx, validEvent("A", "alice"))
	if err != nil {
		t.Fatalf("HandleSubmission: %v", err)
	}
	if out.DepositID != d.ID || out.State != model.StateReady || !out.Replayed {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestEmptyExternalRefIsAnError(t *testing.T) {
	h := newHarness(t)
	if _, err := h.coord.HandleSubmission(context.Background(), intake.Event{Submitter: "alice"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestPreviewMatchesIntakeChecks(t *testing.T) {
	schema, err := validation.ParseSchema([]byte(plainSchema))
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	ok := "id,title\ndoi:10.1/a,A\ndoi:10.1/b,B\n===###===@@@===\nciting_id,cited_id\ndoi:10.1/a,doi:10.1/b\n"
	if errs := intake.Preview(schema, "Deposit: ok", ok); len(errs) != 0 {
		t.Fatalf("unexpected findings: %+v", errs)
	}
	errs := intake.Preview(schema, "no keyword", "no separator here")
	if len(errs) != 2 || errs[0].Table != validation.TableTitle || errs[1].Table != validation.TableBody {
		t.Fatalf("findings = %+v", errs)
	}
}
