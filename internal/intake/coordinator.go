// Package intake turns raw submissions into deposits. Each external ref is
// handled at most once: a replay returns the stored outcome instead of
// creating or re-validating anything.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dharsanguruparan/CiteDrop/internal/authz"
	"github.com/dharsanguruparan/CiteDrop/internal/deposit"
	"github.com/dharsanguruparan/CiteDrop/internal/keylock"
	"github.com/dharsanguruparan/CiteDrop/internal/model"
	"github.com/dharsanguruparan/CiteDrop/internal/validation"
)

// Event is one submission as received from a source. Either Body (a ticket
// body holding both CSV tables) or Metadata and Citations are set.
type Event struct {
	ExternalRef string      `json:"externalRef"`
	Submitter   string      `json:"submitter"`
	Title       string      `json:"title"`
	Body        string      `json:"body,omitempty"`
	Metadata    model.Table `json:"metadata,omitempty"`
	Citations   model.Table `json:"citations,omitempty"`
	SourceURL   string      `json:"sourceUrl,omitempty"`
	SubmittedAt time.Time   `json:"submittedAt,omitempty"`
}

// Outcome is what HandleSubmission reports back to the source.
type Outcome struct {
	DepositID       string                  `json:"depositId"`
	ExternalRef     string                  `json:"externalRef"`
	State           model.State             `json:"state"`
	Label           string                  `json:"label,omitempty"`
	Replayed        bool                    `json:"replayed"`
	Errors          []model.ValidationError `json:"errors,omitempty"`
	RejectionReason string                  `json:"rejectionReason,omitempty"`
}

// Authorizer decides whether a submitter may deposit.
type Authorizer interface {
	Authorize(ctx context.Context, identity string) authz.Decision
}

// Deliverer pushes a deposit's pending notice out. Failures leave the notice
// queued for the next sweep.
type Deliverer interface {
	Deliver(ctx context.Context, d *model.Deposit) error
}

// Options configures a Coordinator.
type Options struct {
	Schema         *validation.Schema
	Deliverer      Deliverer
	ContactMessage string
	ThanksMessage  string
	Logger         *slog.Logger
}

// Coordinator runs the intake algorithm.
type Coordinator struct {
	machine   *deposit.Machine
	authz     Authorizer
	schema    *validation.Schema
	validator *validation.Validator
	deliverer Deliverer
	contact   string
	thanks    string
	locks     keylock.Locker
	logger    *slog.Logger
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(machine *deposit.Machine, authorizer Authorizer, opts Options) *Coordinator {
	if opts.Schema == nil {
		opts.Schema = validation.DefaultSchema()
	}
	if opts.ContactMessage == "" {
		opts.ContactMessage = DefaultContactMessage
	}
	if opts.ThanksMessage == "" {
		opts.ThanksMessage = DefaultThanksMessage
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		machine:   machine,
		authz:     authorizer,
		schema:    opts.Schema,
		validator: validation.NewValidator(opts.Schema),
		deliverer: opts.Deliverer,
		contact:   opts.ContactMessage,
		thanks:    opts.ThanksMessage,
		logger:    opts.Logger,
	}
}

// HandleSubmission creates and evaluates the deposit for ev. Exactly one
// transition is applied per new external ref; replays return the stored
// outcome with Replayed set.
func (c *Coordinator) HandleSubmission(ctx context.Context, ev Event) (Outcome, error) {
	ref := strings.TrimSpace(ev.ExternalRef)
	if ref == "" {
		return Outcome{}, errors.New("intake: external ref is required")
	}
	release := c.locks.Lock(ref)
	defer release()

	metadata, citations, bodyIssues := ev.Metadata, ev.Citations, []model.ValidationError(nil)
	if ev.Body != "" && metadata == nil && citations == nil {
		metadata, citations, bodyIssues = c.schema.SplitBody(ev.Body)
	}

	d, created, err := c.machine.Create(ctx, deposit.Submission{
		ExternalRef: ref,
		Submitter:   strings.TrimSpace(ev.Submitter),
		Title:       ev.Title,
		Metadata:    metadata,
		Citations:   citations,
		SourceURL:   ev.SourceURL,
		SubmittedAt: ev.SubmittedAt,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("intake %s: %w", ref, err)
	}
	if !created && d.State != model.StateSubmitted {
		c.logger.Info("submission replayed", "external_ref", ref, "deposit_id", d.ID, "state", d.State)
		c.deliver(ctx, d)
		return outcomeOf(d, true), nil
	}
	if !created {
		// Left SUBMITTED by an interrupted run: evaluate the stored content.
		c.logger.Warn("re-evaluating deposit left in submitted", "external_ref", ref, "deposit_id", d.ID)
		if ev.Body == "" {
			bodyIssues = nil
		}
	}

	next, err := c.machine.Transition(ctx, d.ID, c.evaluate(ctx, d, bodyIssues))
	if err != nil {
		var ce *deposit.ConsistencyError
		if errors.As(err, &ce) {
			// Another process evaluated it first; report what it decided.
			current, getErr := c.machine.Get(ctx, d.ID)
			if getErr != nil {
				return Outcome{}, fmt.Errorf("intake %s: %w", ref, getErr)
			}
			return outcomeOf(current, true), nil
		}
		return Outcome{}, fmt.Errorf("intake %s: %w", ref, err)
	}
	c.logger.Info("submission evaluated",
		"external_ref", ref, "deposit_id", next.ID, "state", next.State,
		"errors", len(next.ValidationErrors))
	c.deliver(ctx, next)
	return outcomeOf(next, !created), nil
}

// evaluate computes the single event for a SUBMITTED deposit. Authorization
// is checked first so rejected submissions never get validated.
func (c *Coordinator) evaluate(ctx context.Context, d *model.Deposit, bodyIssues []model.ValidationError) deposit.Event {
	decision := c.authz.Authorize(ctx, d.Submitter)
	if !decision.Allowed {
		cause := &deposit.AuthorizationError{Submitter: d.Submitter, Reason: decision.Reason}
		return deposit.Reject(cause).WithNotice(model.Notice{
			Label:   model.LabelRejected,
			Comment: c.contact,
			Close:   true,
		})
	}

	findings := formatFindings(c.schema, c.validator, d.Title, d.Metadata, d.Citations, bodyIssues)
	if len(findings) > 0 {
		return deposit.Invalidate(&deposit.FormatError{Errors: findings}).WithNotice(model.Notice{
			Label:   model.LabelInvalid,
			Comment: FormatErrors(findings),
			Close:   true,
		})
	}
	return deposit.Accept().WithNotice(model.Notice{
		Label:   model.LabelQueued,
		Comment: c.thanks,
		Close:   true,
	})
}

func (c *Coordinator) deliver(ctx context.Context, d *model.Deposit) {
	if c.deliverer == nil || d.PendingNotice == nil {
		return
	}
	if err := c.deliverer.Deliver(ctx, d); err != nil {
		c.logger.Warn("notice left in outbox", "deposit_id", d.ID, "external_ref", d.ExternalRef, "error", err)
	}
}

func outcomeOf(d *model.Deposit, replayed bool) Outcome {
	label := d.Label
	if l, ok := model.LabelFor(d.State); ok {
		label = l
	}
	return Outcome{
		DepositID:       d.ID,
		ExternalRef:     d.ExternalRef,
		State:           d.State,
		Label:           label,
		Replayed:        replayed,
		Errors:          d.ValidationErrors,
		RejectionReason: d.RejectionReason,
	}
}

// formatFindings lists title findings, then body layout issues, then table
// findings. Tables are skipped when the body could not be split at all.
func formatFindings(schema *validation.Schema, v *validation.Validator, title string, metadata, citations model.Table, bodyIssues []model.ValidationError) []model.ValidationError {
	_, findings := schema.ParseTitle(title)
	findings = append(findings, bodyIssues...)
	if len(bodyIssues) == 0 || metadata != nil || citations != nil {
		findings = append(findings, v.Validate(metadata, citations).Errors...)
	}
	return findings
}

// Preview runs the intake format checks on a title and ticket body without
// creating a deposit. Authorization is not checked.
func Preview(schema *validation.Schema, title, body string) []model.ValidationError {
	if schema == nil {
		schema = validation.DefaultSchema()
	}
	metadata, citations, bodyIssues := schema.SplitBody(body)
	return formatFindings(schema, validation.NewValidator(schema), title, metadata, citations, bodyIssues)
}
