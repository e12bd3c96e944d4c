// Package errorsx contains domain errors that different layers can use to add
// meaning to an error and that the queue and handlers can transform to a
// retry decision or a status code. This is implemented as a separate package
// in order to avoid cycle import errors.
package errorsx

import (
	"errors"
	"fmt"
)

// The following errors serve as domain errors that can be used by the
// different layers. The HTTP handlers intercept these and convert them to
// the relevant response codes.
var (
	// ErrNotFound is used when a resource doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is used when a resource can't be created because it
	// already exists.
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrInvalidArgument is used when the provided argument is incorrect
	// (e.g. format, reserved).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConcurrencyConflict is used when an optimistic status check fails,
	// i.e. a stale worker reported after a duplicate or cancelled job. It is
	// logged and dropped, never surfaced as a document failure.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrJobTerminal is used when a terminal job is asked to transition.
	ErrJobTerminal = errors.New("job already terminal")
)

// TransientError wraps failures that are worth retrying: storage timeouts,
// network blips, rate limits.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

// Unwrap exposes the cause.
func (e *TransientError) Unwrap() error { return e.Err }

// StructuralError wraps failures that retrying cannot fix: corrupt files,
// unsupported formats, invalid offsets. The document moves straight to
// failed.
type StructuralError struct {
	Reason string
	Err    error
}

func (e *StructuralError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

// Unwrap exposes the cause.
func (e *StructuralError) Unwrap() error { return e.Err }

// TimeoutError marks a stage execution that exceeded its bounded timeout.
// Treated as transient until retries are exhausted.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return "timeout: " + e.Err.Error() }

// Unwrap exposes the cause.
func (e *TimeoutError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Structural wraps err as non-retryable with a short reason.
func Structural(reason string, err error) error {
	return &StructuralError{Reason: reason, Err: err}
}

// Timeout wraps err as a bounded-execution timeout.
func Timeout(err error) error {
	if err == nil {
		return nil
	}
	return &TimeoutError{Err: err}
}

// IsStructural reports whether err (or its chain) is a structural failure.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// IsTimeout reports whether err (or its chain) is a timeout failure.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Retryable reports whether a job failing with err should go back to the
// queue. Structural failures never retry; everything else, timeouts
// included, does until retries run out.
func Retryable(err error) bool {
	return !IsStructural(err)
}
