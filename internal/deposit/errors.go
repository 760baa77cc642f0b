package deposit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dharsanguruparan/CiteDrop/internal/model"
)

var (
	// ErrNotFound is returned by stores and the machine for unknown ids or refs.
	ErrNotFound = errors.New("deposit not found")
	// ErrDuplicateRef is returned by Store.Insert when the external ref exists.
	ErrDuplicateRef = errors.New("deposit external ref already exists")
	// ErrStateConflict is returned by Store.Update when the stored state no
	// longer matches the expected source state.
	ErrStateConflict = errors.New("deposit state changed concurrently")
)

// ErrorKind classifies failures for logging, reports and HTTP mapping.
type ErrorKind string

const (
	KindFormat        ErrorKind = "format"
	KindAuthorization ErrorKind = "authorization"
	KindIngestion     ErrorKind = "ingestion"
	KindArchival      ErrorKind = "archival"
	KindConsistency   ErrorKind = "consistency"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal"
)

// ErrorClassifier is implemented by errors that declare their kind.
type ErrorClassifier interface {
	ErrorKind() ErrorKind
}

// Kind walks err's chain and returns the first declared kind. Unclassified
// errors are internal.
func Kind(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// FormatError carries the structured findings that make a submission INVALID.
type FormatError struct {
	Errors []model.ValidationError
}

func (e *FormatError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("submission is malformed (%d findings): %s", len(e.Errors), strings.Join(parts, "; "))
}

func (e *FormatError) ErrorKind() ErrorKind { return KindFormat }

// AuthorizationError records why a submitter was refused.
type AuthorizationError struct {
	Submitter string
	Reason    string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("submitter %q is not authorized: %s", e.Submitter, e.Reason)
}

func (e *AuthorizationError) ErrorKind() ErrorKind { return KindAuthorization }

// IngestionError wraps a failure reported by the ingest collaborator.
type IngestionError struct {
	DepositID string
	Err       error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest deposit %s: %v", e.DepositID, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

func (e *IngestionError) ErrorKind() ErrorKind { return KindIngestion }

// ArchivalError wraps a failure reported by the archive collaborator. The
// deposit stays DONE and is picked up again by the next archival run.
type ArchivalError struct {
	DepositID string
	Err       error
}

func (e *ArchivalError) Error() string {
	return fmt.Sprintf("archive deposit %s: %v", e.DepositID, e.Err)
}

func (e *ArchivalError) Unwrap() error { return e.Err }

func (e *ArchivalError) ErrorKind() ErrorKind { return KindArchival }

// ConsistencyError reports an event that is not legal from the deposit's
// current state. The deposit is left untouched.
type ConsistencyError struct {
	ID    string
	From  model.State
	Event EventKind
	// Err is ErrStateConflict when another writer moved the deposit between
	// the read and the compare-and-swap write.
	Err error
}

func (e *ConsistencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deposit %s: event %s from %s: %v", e.ID, e.Event, e.From, e.Err)
	}
	return fmt.Sprintf("deposit %s: event %s is not allowed from state %s", e.ID, e.Event, e.From)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

func (e *ConsistencyError) ErrorKind() ErrorKind { return KindConsistency }
