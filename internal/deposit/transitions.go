package deposit

import (
	"fmt"
	"time"

	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventReject       EventKind = "reject"
	EventInvalidate   EventKind = "invalidate"
	EventAccept       EventKind = "accept"
	EventPickup       EventKind = "pickup"
	EventIngestOK     EventKind = "ingest_ok"
	EventIngestFailed EventKind = "ingest_failed"
	EventArchived     EventKind = "archived"
	EventRequeue      EventKind = "requeue"
)

// Event drives one transition. Cause must match the kind: an
// *AuthorizationError for reject, a *FormatError for invalidate and an
// *IngestionError for ingest_failed.
type Event struct {
	Kind    EventKind
	Cause   error
	Receipt *model.ArchiveReceipt
	// Notice is queued on the deposit in the same write as the transition.
	Notice *model.Notice
	// Reason is recorded in the audit row for events without a Cause.
	Reason string
}

// WithNotice returns a copy of e that queues n.
func (e Event) WithNotice(n model.Notice) Event {
	e.Notice = &n
	return e
}

func Reject(cause *AuthorizationError) Event { return Event{Kind: EventReject, Cause: cause} }

func Invalidate(cause *FormatError) Event { return Event{Kind: EventInvalidate, Cause: cause} }

func Accept() Event { return Event{Kind: EventAccept} }

func Pickup() Event { return Event{Kind: EventPickup} }

func IngestSucceeded() Event { return Event{Kind: EventIngestOK} }

func IngestFailed(cause *IngestionError) Event { return Event{Kind: EventIngestFailed, Cause: cause} }

func Archived(receipt model.ArchiveReceipt) Event {
	return Event{Kind: EventArchived, Receipt: &receipt}
}

// Requeue is the administrative FAILED -> READY event.
func Requeue(reason string) Event { return Event{Kind: EventRequeue, Reason: reason} }

// edges lists the single source state of every event.
var edges = map[EventKind]model.State{
	EventReject:       model.StateSubmitted,
	EventInvalidate:   model.StateSubmitted,
	EventAccept:       model.StateSubmitted,
	EventPickup:       model.StateReady,
	EventIngestOK:     model.StateProcessing,
	EventIngestFailed: model.StateProcessing,
	EventArchived:     model.StateDone,
	EventRequeue:      model.StateFailed,
}

// Next computes the target state of ev applied to d without mutating d.
// maxAttempts bounds processing attempts before a deposit is FAILED.
func Next(d *model.Deposit, ev Event, maxAttempts int) (model.State, error) {
	from, ok := edges[ev.Kind]
	if !ok {
		return "", fmt.Errorf("unknown event %q", ev.Kind)
	}
	if d.State != from {
		return "", &ConsistencyError{ID: d.ID, From: d.State, Event: ev.Kind}
	}
	if err := ev.check(); err != nil {
		return "", err
	}
	switch ev.Kind {
	case EventReject:
		return model.StateRejected, nil
	case EventInvalidate:
		return model.StateInvalid, nil
	case EventAccept, EventRequeue:
		return model.StateReady, nil
	case EventPickup:
		return model.StateProcessing, nil
	case EventIngestOK:
		return model.StateDone, nil
	case EventIngestFailed:
		// Attempts are counted on pickup, so the current value includes the
		// attempt that just failed.
		if d.ProcessingAttempts < maxAttempts {
			return model.StateReady, nil
		}
		return model.StateFailed, nil
	case EventArchived:
		return model.StateArchived, nil
	}
	return "", fmt.Errorf("unhandled event %q", ev.Kind)
}

func (e Event) check() error {
	switch e.Kind {
	case EventReject:
		if ae, ok := e.Cause.(*AuthorizationError); !ok || ae == nil {
			return fmt.Errorf("reject requires an *AuthorizationError cause")
		}
	case EventInvalidate:
		fe, ok := e.Cause.(*FormatError)
		if !ok || fe == nil || len(fe.Errors) == 0 {
			return fmt.Errorf("invalidate requires a *FormatError with findings")
		}
	case EventIngestFailed:
		if ie, ok := e.Cause.(*IngestionError); !ok || ie == nil {
			return fmt.Errorf("ingest_failed requires an *IngestionError cause")
		}
	case EventArchived:
		if e.Receipt == nil {
			return fmt.Errorf("archived requires a receipt")
		}
	}
	return nil
}

// reason is the audit text for ev.
func (e Event) reason() string {
	switch cause := e.Cause.(type) {
	case *AuthorizationError:
		return cause.Reason
	case *FormatError:
		return fmt.Sprintf("%d validation errors", len(cause.Errors))
	case nil:
		return e.Reason
	default:
		return cause.Error()
	}
}

// apply mutates d into the target state. d must be a private copy.
func apply(d *model.Deposit, ev Event, to model.State, at time.Time) {
	d.State = to
	d.LastTransitionAt = at
	switch ev.Kind {
	case EventReject:
		d.RejectionReason = ev.Cause.(*AuthorizationError).Reason
		d.ValidationErrors = nil
	case EventInvalidate:
		d.ValidationErrors = append([]model.ValidationError(nil), ev.Cause.(*FormatError).Errors...)
		d.RejectionReason = ""
	case EventPickup:
		d.ProcessingAttempts++
		started := at
		d.ProcessingStartedAt = &started
	case EventIngestOK:
		d.ProcessingAttempts = 0
		d.FailureReason = ""
		d.ProcessingStartedAt = nil
	case EventIngestFailed:
		d.FailureReason = ev.reason()
		d.ProcessingStartedAt = nil
	case EventArchived:
		archivedAt := at
		d.ArchivedAt = &archivedAt
		d.ArchiveLocation = ev.Receipt.Location
		d.ArchiveDigest = ev.Receipt.Digest
	case EventRequeue:
		d.ProcessingAttempts = 0
		d.FailureReason = ""
	}
	if ev.Notice != nil {
		d.PendingNotice = mergeNotice(d.PendingNotice, *ev.Notice)
	}
}

// mergeNotice folds n into an undelivered notice. The newest label wins and
// comments are kept in order so nothing queued earlier is lost.
func mergeNotice(pending *model.Notice, n model.Notice) *model.Notice {
	if pending == nil {
		return &n
	}
	merged := model.Notice{Label: n.Label, Close: pending.Close || n.Close}
	switch {
	case pending.Comment == "":
		merged.Comment = n.Comment
	case n.Comment == "":
		merged.Comment = pending.Comment
	default:
		merged.Comment = pending.Comment + "\n\n" + n.Comment
	}
	if merged.Label == "" {
		merged.Label = pending.Label
	}
	return &merged
}
