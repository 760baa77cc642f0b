// Package model contains the deposit record and the small value types shared
// by the intake, batch and archival packages.
package model

import (
	"fmt"
	"time"
)

// State describes where a deposit sits in its lifecycle.
type State string

const (
	StateSubmitted  State = "submitted"
	StateInvalid    State = "invalid"
	StateRejected   State = "rejected"
	StateReady      State = "ready"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateArchived   State = "archived"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateSubmitted,
	StateInvalid,
	StateRejected,
	StateReady,
	StateProcessing,
	StateDone,
	StateFailed,
	StateArchived,
}

// ParseState converts user input (CLI flags, query strings) into a State.
func ParseState(raw string) (State, error) {
	for _, s := range AllStates {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown state %q", raw)
}

// Terminal reports whether the automated workflow never moves a deposit out
// of s. FAILED is terminal for automation even though an operator may requeue it.
func (s State) Terminal() bool {
	switch s {
	case StateInvalid, StateRejected, StateFailed, StateArchived:
		return true
	}
	return false
}

// Labels projected onto the ticketing platform.
const (
	LabelInvalid     = "invalid"
	LabelRejected    = "rejected"
	LabelQueued      = "to be processed"
	LabelDone        = "done"
	LabelIntakeQueue = "deposit"
)

// StateLabels lists every label that mirrors a state. An issue carries at
// most one of them.
var StateLabels = []string{LabelInvalid, LabelRejected, LabelQueued, LabelDone}

// LabelFor returns the external label mirroring s. States without a label
// contract return false and the caller keeps the last known label.
func LabelFor(s State) (string, bool) {
	switch s {
	case StateInvalid:
		return LabelInvalid, true
	case StateRejected:
		return LabelRejected, true
	case StateReady:
		return LabelQueued, true
	case StateDone:
		return LabelDone, true
	}
	return "", false
}

// Table is raw tabular content: ordered rows of ordered fields. Row 0 is the
// header when the table is non-empty.
type Table [][]string

// ValidationError is one structured finding about a submission. Row 0 is the
// header row; Row -1 marks findings that are not tied to a table row (the
// title, the issue body layout).
type ValidationError struct {
	Table  string `json:"table"`
	Row    int    `json:"row"`
	Column string `json:"column,omitempty"`
	Reason string `json:"reason"`
}

func (e ValidationError) String() string {
	switch {
	case e.Row < 0 && e.Column == "":
		return fmt.Sprintf("%s: %s", e.Table, e.Reason)
	case e.Row < 0:
		return fmt.Sprintf("%s, %s: %s", e.Table, e.Column, e.Reason)
	case e.Column == "":
		return fmt.Sprintf("%s row %d: %s", e.Table, e.Row, e.Reason)
	}
	return fmt.Sprintf("%s row %d, column %q: %s", e.Table, e.Row, e.Column, e.Reason)
}

// Notice is an outward notification waiting to be delivered to the ticket
// that originated a deposit.
type Notice struct {
	Label   string `json:"label"`
	Comment string `json:"comment,omitempty"`
	Close   bool   `json:"close,omitempty"`
}

// ArchiveReceipt records where an archived deposit ended up.
type ArchiveReceipt struct {
	Location string `json:"location"`
	Digest   string `json:"digest"`
}

// Deposit is a single crowdsourced submission bundling metadata and citation
// tables together with its lifecycle bookkeeping.
type Deposit struct {
	ID          string `json:"id"`
	ExternalRef string `json:"externalRef"`
	Submitter   string `json:"submitter"`
	Title       string `json:"title"`
	Metadata    Table  `json:"metadata"`
	Citations   Table  `json:"citations"`
	// SourceURL and SubmittedAt describe the originating ticket and feed the
	// provenance section of the archival record.
	SourceURL   string    `json:"sourceUrl,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`

	State              State             `json:"state"`
	ValidationErrors   []ValidationError `json:"validationErrors,omitempty"`
	RejectionReason    string            `json:"rejectionReason,omitempty"`
	FailureReason      string            `json:"failureReason,omitempty"`
	ProcessingAttempts int               `json:"processingAttempts"`
	Label              string            `json:"label,omitempty"`
	PendingNotice      *Notice           `json:"pendingNotice,omitempty"`

	CreatedAt           time.Time  `json:"createdAt"`
	LastTransitionAt    time.Time  `json:"lastTransitionAt"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	ArchivedAt          *time.Time `json:"archivedAt,omitempty"`
	ArchiveLocation     string     `json:"archiveLocation,omitempty"`
	ArchiveDigest       string     `json:"archiveDigest,omitempty"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Metadata = cloneTable(d.Metadata)
	cp.Citations = cloneTable(d.Citations)
	if d.ValidationErrors != nil {
		cp.ValidationErrors = append([]ValidationError(nil), d.ValidationErrors...)
	}
	if d.PendingNotice != nil {
		n := *d.PendingNotice
		cp.PendingNotice = &n
	}
	if d.ProcessingStartedAt != nil {
		t := *d.ProcessingStartedAt
		cp.ProcessingStartedAt = &t
	}
	if d.ArchivedAt != nil {
		t := *d.ArchivedAt
		cp.ArchivedAt = &t
	}
	return &cp
}

func cloneTable(t Table) Table {
	if t == nil {
		return nil
	}
	out := make(Table, len(t))
	for i, row := range t {
		out[i] = append([]string(nil), row...)
	}
	return out
}

// Transition is one row of a deposit's audit history.
type Transition struct {
	DepositID string    `json:"depositId"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Event     string    `json:"event"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
