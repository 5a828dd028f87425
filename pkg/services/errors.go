// Package services implements the publishing orchestration pipeline: trigger
// dispatch, staggered batches, retry, cancellation and callback
// reconciliation.
package services

import (
	"errors"
	"fmt"

	"github.com/postflow/postflow/pkg/persistence"
)

// Business logic errors surfaced to API callers.
var (
	// Validation errors (400 Bad Request).
	ErrInvalidWorkflowKind   = errors.New("invalid workflow kind")
	ErrInvalidCallbackStatus = errors.New("callback status must be completed or failed")
	ErrEmptyBatch            = errors.New("batch requires at least one asset id")

	// Conflicts (409 Conflict).
	ErrPublishInProgress = errors.New("asset already has a publish in flight")

	// Not found (404).
	ErrNoFailedExecution = errors.New("asset has no failed execution to retry")
)

// DispatchFailedError reports an engine dispatch that failed after local
// state was written. The execution referenced by ExecutionID stays in
// started; the remote side may or may not have received the request.
type DispatchFailedError struct {
	AssetID     string
	ExecutionID string
	Err         error
}

func (e *DispatchFailedError) Error() string {
	return fmt.Sprintf("dispatch for asset %s failed: %v", e.AssetID, e.Err)
}

func (e *DispatchFailedError) Unwrap() error {
	return e.Err
}

// IsValidationError checks if an error should map to HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidWorkflowKind) ||
		errors.Is(err, ErrInvalidCallbackStatus) ||
		errors.Is(err, ErrEmptyBatch)
}

// IsConflictError checks if an error should map to HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrPublishInProgress)
}

// IsNotFoundError checks if an error should map to HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNoFailedExecution) ||
		persistence.IsAssetNotFound(err) ||
		persistence.IsExecutionNotFound(err)
}

// IsDispatchError checks if an error should map to HTTP 502.
func IsDispatchError(err error) bool {
	var dispatchErr *DispatchFailedError

	return errors.As(err, &dispatchErr)
}
