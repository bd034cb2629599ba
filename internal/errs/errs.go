// Package errs holds the error taxonomy shared by every stage of the
// pipeline. Callers classify failures with errors.Is against the sentinels.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument rejects bad geometry or region parameters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInsufficientMatches is returned when a fitting step lacks tie points.
	ErrInsufficientMatches = errors.New("insufficient matches")
	// ErrConfiguration covers unknown execution modes and malformed input documents.
	ErrConfiguration = errors.New("configuration error")
	// ErrBackendUnavailable means the execution backend could not provision or keep workers.
	ErrBackendUnavailable = errors.New("execution backend unavailable")
	// ErrTaskFailure wraps the error raised by one unit of work.
	ErrTaskFailure = errors.New("task failure")
)

// TaskError reports the failure of a single submitted task.
type TaskError struct {
	Handle string
	Kind   string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s) failed: %v", e.Handle, e.Kind, e.Err)
}

// Unwrap exposes both ErrTaskFailure and the underlying cause to errors.Is.
func (e *TaskError) Unwrap() []error {
	return []error{ErrTaskFailure, e.Err}
}

// Invalid formats an ErrInvalidArgument with context.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
