// Package services provides standardized error types shared by the workflow and backup layers.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed workflow, step or schedule definitions (400 Bad Request).
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks unknown workflow, run, backup or schedule ids (404 Not Found).
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedEvent marks an event that the target workflow does not declare (422).
	ErrUnsupportedEvent = errors.New("event not declared by workflow")

	// ErrExecution marks a step that exited non-zero or timed out. It is recorded
	// into the run and never returned from dispatch.
	ErrExecution = errors.New("step execution failed")

	// ErrConflict marks a restore target collision (409 Conflict).
	ErrConflict = errors.New("conflict")

	// ErrIO marks storage or disk failures.
	ErrIO = errors.New("storage failure")

	// ErrLockContention marks an overlapping backup or restore on the same path (423 Locked).
	ErrLockContention = errors.New("path is locked by another operation")

	// ErrInvalidTransition marks an attempt to move a run backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid run state transition")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	if err == nil {
		err = ErrValidation
	} else if !errors.Is(err, ErrValidation) {
		err = fmt.Errorf("%w: %w", ErrValidation, err)
	}

	return &ServiceError{Op: op, Code: code, Message: message, Err: err}
}

// NewNotFoundError creates a not-found error for the given kind and id.
func NewNotFoundError(op, kind, id string) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    kind + "_not_found",
		Message: fmt.Sprintf("%s %q not found", kind, id),
		Err:     ErrNotFound,
	}
}

// NewUnsupportedEventError reports an event the workflow does not declare.
func NewUnsupportedEventError(op, workflow, event string) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    "unsupported_event",
		Message: fmt.Sprintf("workflow %q does not declare event %q", workflow, event),
		Err:     ErrUnsupportedEvent,
	}
}

// NewConflictError creates a conflict error.
func NewConflictError(op, message string) *ServiceError {
	return &ServiceError{Op: op, Code: "conflict", Message: message, Err: ErrConflict}
}

// NewIOError wraps a storage failure. The cause stays reachable through errors.Is/As.
func NewIOError(op string, err error) *ServiceError {
	return &ServiceError{Op: op, Code: "io_error", Err: fmt.Errorf("%w: %w", ErrIO, err)}
}

// NewLockContentionError reports that path is held by another operation.
func NewLockContentionError(op, path string) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    "lock_contention",
		Message: fmt.Sprintf("%s is locked by another backup or restore", path),
		Err:     ErrLockContention,
	}
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound checks if an error should return HTTP 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnsupportedEvent checks if an error reports an undeclared event.
func IsUnsupportedEvent(err error) bool {
	return errors.Is(err, ErrUnsupportedEvent)
}

// IsConflictError checks if an error is a conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsLockContention checks if an error reports a held path lock.
func IsLockContention(err error) bool {
	return errors.Is(err, ErrLockContention)
}

// IsIOError checks if an error is a storage failure.
func IsIOError(err error) bool {
	return errors.Is(err, ErrIO)
}
