// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/repokeeper/pkg/services"
)

// Standard persistence error types that all implementations should use.
// Each wraps services.ErrNotFound so adapters can classify them uniformly.
var (
	// ErrWorkflowNotFound indicates a workflow definition was not found by name.
	ErrWorkflowNotFound = fmt.Errorf("workflow %w", services.ErrNotFound)

	// ErrRunNotFound indicates a workflow run was not found by id.
	ErrRunNotFound = fmt.Errorf("run %w", services.ErrNotFound)

	// ErrBackupNotFound indicates a backup record was not found by id.
	ErrBackupNotFound = fmt.Errorf("backup %w", services.ErrNotFound)

	// ErrScheduleNotFound indicates a backup schedule was not found by id.
	ErrScheduleNotFound = fmt.Errorf("schedule %w", services.ErrNotFound)

	// ErrInvalidKey indicates an identifier that is unsafe to use as a storage key.
	ErrInvalidKey = errors.New("invalid storage key")
)

// StoreError wraps repository errors with the operation and key involved.
type StoreError struct {
	Op   string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	Kind string // Entity kind (workflow, run, backup, schedule)
	Key  string // Entity key if applicable
	Err  error  // Underlying error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Kind, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Kind, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for store errors.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(op, kind, key string, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, Key: key, Err: err}
}

// ValidateKey rejects keys that could escape a storage namespace.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}

	if strings.Contains(key, "..") || strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidKey, key)
	}

	return nil
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsBackupNotFound checks if an error indicates a backup record was not found.
func IsBackupNotFound(err error) bool {
	return errors.Is(err, ErrBackupNotFound)
}

// IsScheduleNotFound checks if an error indicates a schedule was not found.
func IsScheduleNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound)
}
