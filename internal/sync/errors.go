package sync

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind labels the failure class in per-entity sync reports.
type ErrorKind string

const (
	ErrorKindNone     ErrorKind = ""
	ErrorKindFetch    ErrorKind = "fetch"
	ErrorKindMapping  ErrorKind = "mapping"
	ErrorKindCommit   ErrorKind = "commit"
	ErrorKindCanceled ErrorKind = "canceled"
)

// FetchError is the classified failure returned by a PageFetcher. Transient
// failures (network timeouts, 5xx, rate limits) are retried by the Retrier;
// everything else aborts the entity sync immediately.
type FetchError struct {
	Transient bool
	Status    int // HTTP status when applicable, 0 otherwise
	Err       error
}

func (e *FetchError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s fetch error (status %d): %v", kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s fetch error: %v", kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TransientFetch wraps err as a retryable fetch failure.
func TransientFetch(status int, err error) *FetchError {
	return &FetchError{Transient: true, Status: status, Err: err}
}

// FatalFetch wraps err as a non-retryable fetch failure.
func FatalFetch(status int, err error) *FetchError {
	return &FetchError{Transient: false, Status: status, Err: err}
}

// IsTransient reports whether err is a retryable fetch failure.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

// MappingError describes a single raw record that could not be converted to
// a typed row. Mapping errors are absorbed per row and counted; only
// exceeding the per-page threshold escalates to a fatal sync failure.
type MappingError struct {
	Column string
	Reason string
}

func (e *MappingError) Error() string {
	if e.Column == "" {
		return "mapping error: " + e.Reason
	}
	return fmt.Sprintf("mapping error in column %q: %s", e.Column, e.Reason)
}

// ErrMappingThreshold aborts an entity sync when too many rows in one page
// fail mapping (poison-page protection).
var ErrMappingThreshold = errors.New("mapping error threshold exceeded")

// CommitError wraps a failed sink stage or cursor commit. The batch is
// discarded, the cursor stays where it was, and the next scheduled run
// re-fetches the window.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string { return "commit failed: " + e.Err.Error() }
func (e *CommitError) Unwrap() error { return e.Err }

// KindOf maps an error to the report taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrMappingThreshold):
		return ErrorKindMapping
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindCanceled
	}
	var ce *CommitError
	if errors.As(err, &ce) {
		return ErrorKindCommit
	}
	return ErrorKindFetch
}
