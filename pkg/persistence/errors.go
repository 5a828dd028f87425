// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrAssetNotFound indicates an asset was not found by the given identifier.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrExecutionNotFound indicates a workflow execution was not found.
	ErrExecutionNotFound = errors.New("workflow execution not found")

	// ErrDestinationNotFound indicates a destination was not found.
	ErrDestinationNotFound = errors.New("destination not found")

	// ErrExecutionConflict indicates the asset already has a non-terminal
	// execution; the single-flight invariant rejects a second one.
	ErrExecutionConflict = errors.New("asset already has an execution in progress")
)

// StoreError wraps storage errors with operation context.
type StoreError struct {
	Op     string // Operation being performed (e.g., "Create", "MarkRunning")
	Entity string // Entity type ("asset", "execution", "destination")
	ID     string // Identifier if applicable
	Err    error  // Underlying error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Entity, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(op, entity, id string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Err: err}
}

// IsAssetNotFound checks if an error indicates an asset was not found.
func IsAssetNotFound(err error) bool {
	return errors.Is(err, ErrAssetNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsDestinationNotFound checks if an error indicates a destination was not found.
func IsDestinationNotFound(err error) bool {
	return errors.Is(err, ErrDestinationNotFound)
}

// IsExecutionConflict checks if an error indicates the single-flight guard fired.
func IsExecutionConflict(err error) bool {
	return errors.Is(err, ErrExecutionConflict)
}
