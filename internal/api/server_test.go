package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/CiteDrop/internal/api"
	"github.com/dharsanguruparan/CiteDrop/internal/authz"
	"github.com/dharsanguruparan/CiteDrop/internal/batch"
	"github.com/dharsanguruparan/CiteDrop/internal/deposit"
	"github.com/dharsanguruparan/CiteDrop/internal/intake"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
	"github.com/dharsanguruparan/CiteDrop/internal/queue"
	"github.com/dharsanguruparan/CiteDrop/internal/repository"
	"github.com/dharsanguruparan/CiteDrop/internal/signing"
	"github.com/dharsanguruparan/CiteDrop/internal/validation"
)

const testSchema = `
version: 1
separator: "===###===@@@==="
title:
  pattern: '(?i)^deposit:\s*\S.*$'
identifier_schemas: [doi]
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

type fixture struct {
	machine *deposit.Machine
	handler http.Handler
}

func newFixture(t *testing.T, mutate func(*api.Options)) fixture {
	t.Helper()
	schema, err := validation.ParseSchema([]byte(testSchema))
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	m := deposit.NewMachine(repository.NewMemoryStore(), deposit.Options{})
	coord := intake.NewCoordinator(m, authz.NewChecker(authz.NewStaticRoster("1042"), nil), intake.Options{Schema: schema})
	opts := api.Options{
		WebhookSecret: []byte("hook"),
		Submissions:   coord,
		Batches:       batch.New(m, batch.NoopIngester{}, batch.Options{}),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return fixture{machine: m, handler: api.New(m, opts).Handler()}
}

func (f fixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func validEvent(ref string) intake.Event {
	return intake.Event{
		ExternalRef: ref,
		Submitter:   "1042",
		Title:       "Deposit: journal",
		Metadata:    model.Table{{"id", "title"}, {"doi:10.1/a", "A"}, {"doi:10.1/b", "B"}},
		Citations:   model.Table{{"citing_id", "cited_id"}, {"doi:10.1/a", "doi:10.1/b"}},
	}
}

func TestSubmitAndInspect(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/deposits", validEvent("o/r#1"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /deposits = %d %s", rec.Code, rec.Body)
	}
	var out intake.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if out.State != model.StateReady || out.DepositID == "" {
		t.Fatalf("outcome = %+v", out)
	}

	replay := f.do(t, http.MethodPost, "/deposits", validEvent("o/r#1"), nil)
	if replay.Code != http.StatusOK {
		t.Fatalf("replay = %d", replay.Code)
	}

	if rec := f.do(t, http.MethodGet, "/deposits/"+out.DepositID, nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("GET deposit = %d", rec.Code)
	}
	hist := f.do(t, http.MethodGet, "/deposits/"+out.DepositID+"/history", nil, nil)
	var transitions []model.Transition
	if err := json.Unmarshal(hist.Body.Bytes(), &transitions); err != nil || len(transitions) != 2 {
		t.Fatalf("history = %s (%v)", hist.Body, err)
	}

	list := f.do(t, http.MethodGet, "/deposits?state=ready", nil, nil)
	var summaries []map[string]any
	if err := json.Unmarshal(list.Body.Bytes(), &summaries); err != nil || len(summaries) != 1 {
		t.Fatalf("list = %s (%v)", list.Body, err)
	}
	if rec := f.do(t, http.MethodGet, "/deposits?state=bogus", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad state = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/deposits/missing", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing deposit = %d", rec.Code)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodPost, "/deposits", []byte("{"), nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed = %d", rec.Code)
	}
	ev := validEvent("")
	if rec := f.do(t, http.MethodPost, "/deposits", ev, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing ref = %d", rec.Code)
	}
}

func TestRequeueRequiresFailed(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/deposits", validEvent("o/r#2"), nil)
	var out intake.Outcome
	_ = json.Unmarshal(rec.Body.Bytes(), &out)

	if rec := f.do(t, http.MethodPost, "/deposits/"+out.DepositID+"/requeue", nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("requeue READY = %d", rec.Code)
	}

	ctx := context.Background()
	m := f.machine
	for i := 0; i < m.MaxAttempts(); i++ {
		if _, err := m.Transition(ctx, out.DepositID, deposit.Pickup()); err != nil {
			t.Fatalf("Pickup: %v", err)
		}
		cause := &deposit.IngestionError{DepositID: out.DepositID, Err: errors.New("down")}
		if _, err := m.Transition(ctx, out.DepositID, deposit.IngestFailed(cause)); err != nil {
			t.Fatalf("IngestFailed: %v", err)
		}
	}
	rec = f.do(t, http.MethodPost, "/deposits/"+out.DepositID+"/requeue", map[string]string{"reason": "index fixed"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("requeue FAILED = %d %s", rec.Code, rec.Body)
	}
	if state, _ := m.CurrentState(ctx, out.DepositID); state != model.StateReady {
		t.Fatalf("state = %s", state)
	}
}

func TestBatchesInline(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/deposits", validEvent("o/r#3"), nil)
	rec := f.do(t, http.MethodPost, "/batches", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /batches = %d", rec.Code)
	}
	var report batch.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil || report.Succeeded != 1 {
		t.Fatalf("report = %s (%v)", rec.Body, err)
	}
	if rec := f.do(t, http.MethodPost, "/archivals", nil, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("archivals without archiver = %d", rec.Code)
	}
}

type capturingQueue struct {
	tasks []*asynq.Task
}

func (q *capturingQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func TestQueuedMode(t *testing.T) {
	q := &capturingQueue{}
	f := newFixture(t, func(o *api.Options) { o.Queue = q })
	if rec := f.do(t, http.MethodPost, "/deposits", validEvent("o/r#4"), nil); rec.Code != http.StatusAccepted {
		t.Fatalf("POST /deposits = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/archivals", nil, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("POST /archivals = %d", rec.Code)
	}
	if len(q.tasks) != 2 || q.tasks[0].Type() != queue.IntakeTask || q.tasks[1].Type() != queue.ArchiveTask {
		t.Fatalf("tasks = %+v", q.tasks)
	}
}

func TestGitHubWebhook(t *testing.T) {
	f := newFixture(t, nil)
	payload := map[string]any{
		"action": "opened",
		"issue": map[string]any{
			"number": 12,
			"title":  "Deposit: journal",
			"state":  "open",
			"body":   "id,title\ndoi:10.1/a,A\ndoi:10.1/b,B\n===###===@@@===\nciting_id,cited_id\ndoi:10.1/a,doi:10.1/b\n",
			"user":   map[string]any{"login": "alice", "id": 1042},
			"labels": []map[string]string{{"name": "deposit"}},
		},
		"repository": map[string]any{"name": "r", "owner": map[string]any{"login": "o"}},
	}
	body, _ := json.Marshal(payload)
	signer := signing.NewSigner([]byte("hook"))

	unsigned := f.do(t, http.MethodPost, "/webhooks/github", body, http.Header{"X-Github-Event": {"issues"}})
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned = %d", unsigned.Code)
	}
	headers := http.Header{
		"X-Github-Event":      {"issues"},
		"X-Hub-Signature-256": {signer.Sign(body)},
	}
	rec := f.do(t, http.MethodPost, "/webhooks/github", body, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("webhook = %d %s", rec.Code, rec.Body)
	}
	d, err := f.machine.GetByExternalRef(context.Background(), "o/r#12")
	if err != nil {
		t.Fatalf("GetByExternalRef: %v", err)
	}
	if d.Submitter != "1042" || d.State != model.StateReady {
		t.Fatalf("deposit = %+v", d)
	}

	ping := f.do(t, http.MethodPost, "/webhooks/github", []byte("{}"), http.Header{
		"X-Github-Event":      {"ping"},
		"X-Hub-Signature-256": {signer.Sign([]byte("{}"))},
	})
	if ping.Code != http.StatusOK {
		t.Fatalf("ping = %d", ping.Code)
	}
}
