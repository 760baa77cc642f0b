package ticketing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/dharsanguruparan/CiteDrop/internal/intake"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// EventFromIssue converts an issue into a submission. The submitter is the
// author's numeric id, which survives login renames.
func EventFromIssue(repo Repo, issue Issue) intake.Event {
	return intake.Event{
		ExternalRef: FormatRef(repo, issue.Number),
		Submitter:   strconv.FormatInt(issue.User.ID, 10),
		Title:       issue.Title,
		Body:        issue.Body,
		SourceURL:   issue.HTMLURL,
		SubmittedAt: issue.CreatedAt,
	}
}

// HandlerFunc consumes one submission event.
type HandlerFunc func(ctx context.Context, ev intake.Event) error

// Poller periodically turns open deposit issues into submission events.
// Issues are closed once answered, so a poll only sees unanswered ones;
// the intake idempotency covers the rest.
type Poller struct {
	client   *Client
	repo     Repo
	label    string
	interval time.Duration
	handle   HandlerFunc
	logger   *slog.Logger
}

// NewPoller builds a Poller for repo. Only issues labelled label are read.
func NewPoller(client *Client, repo Repo, label string, interval time.Duration, handle HandlerFunc, logger *slog.Logger) *Poller {
	if label == "" {
		label = model.LabelIntakeQueue
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{client: client, repo: repo, label: label, interval: interval, handle: handle, logger: logger}
}

// Poll runs one pass and returns how many issues were handed off. A failing
// issue is logged and does not stop the pass.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	issues, err := p.client.ListOpenIssues(ctx, p.repo, p.label)
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, issue := range issues {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if issue.User.ID == 0 && issue.User.Login != "" {
			id, err := p.client.UserID(ctx, issue.User.Login)
			if err != nil {
				p.logger.Warn("cannot resolve submitter", "issue", issue.Number, "login", issue.User.Login, "error", err)
				continue
			}
			issue.User.ID = id
		}
		ev := EventFromIssue(p.repo, issue)
		if err := p.handle(ctx, ev); err != nil {
			p.logger.Error("submission hand-off failed", "external_ref", ev.ExternalRef, "error", err)
			continue
		}
		handled++
	}
	return handled, nil
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("issue poller started", "repo", p.repo.String(), "label", p.label, "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		n, err := p.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			p.logger.Error("issue poll failed", "error", err)
		case n > 0:
			p.logger.Info("issue poll finished", "handled", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type webhookPayload struct {
	Action     string `json:"action"`
	Issue      Issue  `json:"issue"`
	Label      *Label `json:"label,omitempty"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// ParseIssueWebhook reads an "issues" webhook delivery. It reports false for
// deliveries that are not new deposit submissions.
func ParseIssueWebhook(body []byte, intakeLabel string) (intake.Event, bool, error) {
	if intakeLabel == "" {
		intakeLabel = model.LabelIntakeQueue
	}
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return intake.Event{}, false, fmt.Errorf("decode issues webhook: %w", err)
	}
	switch p.Action {
	case "opened", "reopened":
	case "labeled":
		if p.Label == nil || p.Label.Name != intakeLabel {
			return intake.Event{}, false, nil
		}
	default:
		return intake.Event{}, false, nil
	}
	if p.Issue.PullRequest != nil || p.Issue.State == "closed" || !p.Issue.HasLabel(intakeLabel) {
		return intake.Event{}, false, nil
	}
	repo := Repo{Owner: p.Repository.Owner.Login, Name: p.Repository.Name}
	if repo.Owner == "" || repo.Name == "" || p.Issue.Number <= 0 {
		return intake.Event{}, false, fmt.Errorf("issues webhook without repository or issue number")
	}
	return EventFromIssue(repo, p.Issue), true, nil
}
