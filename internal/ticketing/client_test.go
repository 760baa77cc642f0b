package ticketing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dharsanguruparan/CiteDrop/internal/intake"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, Token: "tkn"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error without token")
	}
	if _, err := NewClient(Config{Token: "x", BaseURL: "ftp://example"}); err == nil {
		t.Fatal("expected error for non-http base URL")
	}
}

func TestParseRef(t *testing.T) {
	repo, n, err := ParseRef("opencitations/crowdsourcing#42")
	if err != nil || repo.Owner != "opencitations" || repo.Name != "crowdsourcing" || n != 42 {
		t.Fatalf("ParseRef = %+v %d %v", repo, n, err)
	}
	for _, bad := range []string{"", "no-hash", "owner#1", "o/r#x", "o/r#0", "/r#1", "o/r/x#1"} {
		if _, _, err := ParseRef(bad); err == nil {
			t.Errorf("ParseRef(%q) expected error", bad)
		}
	}
	if got := FormatRef(repo, n); got != "opencitations/crowdsourcing#42" {
		t.Fatalf("FormatRef = %q", got)
	}
}

func TestListOpenIssuesFollowsPagination(t *testing.T) {
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/o/r/issues", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tkn" {
			http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("labels") != "deposit" || r.URL.Query().Get("state") != "open" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"number":3,"title":"deposit c","user":{"login":"c","id":3}}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/o/r/issues?labels=deposit&state=open&page=2>; rel="next"`, base))
		fmt.Fprint(w, `[{"number":1,"title":"deposit a","user":{"login":"a","id":1}},
			{"number":2,"title":"a PR","pull_request":{},"user":{"login":"b","id":2}}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL
	c, _ := NewClient(Config{BaseURL: srv.URL, Token: "tkn"})

	issues, err := c.ListOpenIssues(context.Background(), Repo{Owner: "o", Name: "r"}, "deposit")
	if err != nil {
		t.Fatalf("ListOpenIssues: %v", err)
	}
	if len(issues) != 2 || issues[0].Number != 1 || issues[1].Number != 3 {
		t.Fatalf("issues = %+v", issues)
	}
}

func TestAPIErrors(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/ghost":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		default:
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
		}
	}))
	_, err := c.UserID(context.Background(), "ghost")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	err = c.Comment(context.Background(), Repo{Owner: "o", Name: "r"}, 1, "hi")
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestRateLimitedRequestIsRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"message":"You have exceeded a secondary rate limit"}`)
			return
		}
		fmt.Fprint(w, `{"login":"alice","id":1042}`)
	}))
	id, err := c.UserID(context.Background(), "alice")
	if err != nil || id != 1042 {
		t.Fatalf("UserID = %d, %v", id, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestExhaustedBudgetHonoursContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(time.Now().Add(time.Hour).Unix()))
		fmt.Fprint(w, `{"login":"alice","id":1}`)
	}))
	if _, err := c.UserID(context.Background(), "alice"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.UserID(ctx, "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type recordedCall struct {
	Method string
	Path   string
	Body   map[string]any
}

func TestNotifierDeliver(t *testing.T) {
	var (
		mu      sync.Mutex
		calls   []recordedCall
		current = `[]`
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		calls = append(calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: body})
		mu.Unlock()
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/labels"):
			fmt.Fprint(w, current)
		default:
			fmt.Fprint(w, `{}`)
		}
	}))
	n := NewNotifier(c)
	err := n.Deliver(context.Background(), "o/r#7", model.Notice{Label: model.LabelInvalid, Comment: "bad rows", Close: true})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	want := []struct{ method, path string }{
		{http.MethodPost, "/repos/o/r/issues/7/comments"},
		{http.MethodGet, "/repos/o/r/issues/7/labels"},
		{http.MethodPost, "/repos/o/r/issues/7/labels"},
		{http.MethodPatch, "/repos/o/r/issues/7"},
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v", calls)
	}
	for i, w := range want {
		if calls[i].Method != w.method || calls[i].Path != w.path {
			t.Errorf("call %d = %s %s, want %s %s", i, calls[i].Method, calls[i].Path, w.method, w.path)
		}
	}
	if calls[0].Body["body"] != "bad rows" || calls[3].Body["state"] != "closed" {
		t.Fatalf("bodies = %+v", calls)
	}

	if err := n.Deliver(context.Background(), "not-a-ref", model.Notice{Label: "x"}); err == nil {
		t.Fatal("expected error for malformed ref")
	}
}

func TestNotifierReplacesPreviousStateLabel(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, recordedCall{Method: r.Method, Path: r.URL.Path})
		mu.Unlock()
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `[{"name":"deposit"},{"name":"to be processed"}]`)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	n := NewNotifier(c)
	if err := n.Deliver(context.Background(), "o/r#7", model.Notice{Label: model.LabelDone}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	want := []struct{ method, path string }{
		{http.MethodGet, "/repos/o/r/issues/7/labels"},
		{http.MethodDelete, "/repos/o/r/issues/7/labels/to be processed"},
		{http.MethodPost, "/repos/o/r/issues/7/labels"},
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v", calls)
	}
	for i, w := range want {
		if calls[i].Method != w.method || calls[i].Path != w.path {
			t.Errorf("call %d = %s %s, want %s %s", i, calls[i].Method, calls[i].Path, w.method, w.path)
		}
	}

	calls = nil
	if err := n.Deliver(context.Background(), "o/r#7", model.Notice{Label: "triaged"}); err != nil {
		t.Fatalf("Deliver non-state label: %v", err)
	}
	if len(calls) != 1 || calls[0].Method != http.MethodPost {
		t.Fatalf("non-state label should only be added, calls = %+v", calls)
	}
}

func TestRemoveLabelIgnoresMissing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Label does not exist"}`)
	}))
	if err := c.RemoveLabel(context.Background(), Repo{Owner: "o", Name: "r"}, 7, "done"); err != nil {
		t.Fatalf("RemoveLabel on missing label: %v", err)
	}
}

func TestPollerHandsOffIssues(t *testing.T) {
	created := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/o/r/issues":
			issues := []Issue{
				{Number: 5, Title: "deposit x doi:10.1/a", Body: "a===###===@@@===b", HTMLURL: "https://github.com/o/r/issues/5", User: User{Login: "alice", ID: 1042}, CreatedAt: created},
				{Number: 6, Title: "deposit y doi:10.1/b", User: User{Login: "bob"}},
				{Number: 7, Title: "deposit z doi:10.1/c", User: User{Login: "ghost"}},
			}
			_ = json.NewEncoder(w).Encode(issues)
		case "/users/bob":
			fmt.Fprint(w, `{"login":"bob","id":7}`)
		default:
			http.NotFound(w, r)
		}
	}))
	var got []intake.Event
	p := NewPoller(c, Repo{Owner: "o", Name: "r"}, "", time.Minute, func(_ context.Context, ev intake.Event) error {
		got = append(got, ev)
		return nil
	}, nil)

	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 2 || len(got) != 2 {
		t.Fatalf("handled %d, events %+v", n, got)
	}
	first := got[0]
	if first.ExternalRef != "o/r#5" || first.Submitter != "1042" || first.SourceURL == "" || !first.SubmittedAt.Equal(created) {
		t.Fatalf("first event = %+v", first)
	}
	if got[1].Submitter != "7" {
		t.Fatalf("resolved submitter = %q", got[1].Submitter)
	}
}

func TestParseIssueWebhook(t *testing.T) {
	payload := func(action, label, state string, labels ...string) []byte {
		ls := make([]Label, 0, len(labels))
		for _, l := range labels {
			ls = append(ls, Label{Name: l})
		}
		body := map[string]any{
			"action": action,
			"issue": map[string]any{
				"number": 9, "title": "deposit t doi:10.1/x", "state": state,
				"user": map[string]any{"login": "alice", "id": 1042}, "labels": ls,
			},
			"repository": map[string]any{"name": "r", "owner": map[string]any{"login": "o"}},
		}
		if label != "" {
			body["label"] = map[string]any{"name": label}
		}
		raw, _ := json.Marshal(body)
		return raw
	}
	tests := []struct {
		name string
		body []byte
		want bool
	}{
		{"opened with label", payload("opened", "", "open", "deposit"), true},
		{"opened without label", payload("opened", "", "open"), false},
		{"labelled deposit", payload("labeled", "deposit", "open", "deposit"), true},
		{"labelled other", payload("labeled", "bug", "open", "deposit", "bug"), false},
		{"closed issue", payload("opened", "", "closed", "deposit"), false},
		{"edited", payload("edited", "", "open", "deposit"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := ParseIssueWebhook(tt.body, "")
			if err != nil {
				t.Fatalf("ParseIssueWebhook: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("ok = %v, want %v", ok, tt.want)
			}
			if ok && (ev.ExternalRef != "o/r#9" || ev.Submitter != "1042") {
				t.Fatalf("event = %+v", ev)
			}
		})
	}
	if _, _, err := ParseIssueWebhook([]byte("{"), ""); err == nil {
		t.Fatal("expected decode error")
	}
}
