// Package persistence provides the data storage abstraction for assets,
// executions and destinations.
package persistence

import (
	"context"
	"time"

	"github.com/postflow/postflow/pkg/models"
)

// Persistence is the narrow storage surface the orchestration pipeline uses.
// InTransaction runs fn against a store view whose writes commit or roll back
// together; the callback reconciliation path relies on this to never leave a
// half-applied update behind.
type Persistence interface {
	Assets() AssetRepository
	Executions() ExecutionRepository
	Destinations() DestinationRepository

	InTransaction(ctx context.Context, fn func(tx Persistence) error) error
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// AssetRepository mutates asset publishing state. Every writer uses
// conditional updates keyed by asset id; there is no read-modify-write path.
type AssetRepository interface {
	Create(ctx context.Context, asset *models.Asset) error
	GetByID(ctx context.Context, id string) (*models.Asset, error)

	// MarkQueued sets status=queued, links the execution and clears the last
	// error, in one update.
	MarkQueued(ctx context.Context, id, executionID string) error

	// SetExternalRun records the engine-assigned run id after a dispatch is
	// accepted and moves the asset to publishing.
	SetExternalRun(ctx context.Context, id, externalRunID string) error

	// MarkDispatchFailed sets status=failed with the dispatch error. Used when
	// the HTTP call to the engine fails after local state was written.
	MarkDispatchFailed(ctx context.Context, id, lastError string) error

	MarkPublished(ctx context.Context, id string, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id, lastError string) error

	// IncrementRetryCount bumps the counter atomically in the store.
	IncrementRetryCount(ctx context.Context, id string) error
}

// ExecutionRepository owns workflow execution records.
type ExecutionRepository interface {
	// Create persists a new execution. The store enforces the single-flight
	// invariant: at most one non-terminal execution per asset. A violation
	// returns ErrExecutionConflict.
	Create(ctx context.Context, execution *models.WorkflowExecution) error

	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	GetByExternalRunID(ctx context.Context, externalRunID string) (*models.WorkflowExecution, error)
	ListForAsset(ctx context.Context, assetID string) ([]*models.WorkflowExecution, error)

	// LatestFailedForAsset returns the most recently started failed execution,
	// or ErrExecutionNotFound.
	LatestFailedForAsset(ctx context.Context, assetID string) (*models.WorkflowExecution, error)

	// MarkRunning transitions started -> running and records the external run
	// id. The update is a no-op (ErrExecutionNotFound) unless the execution is
	// still in started.
	MarkRunning(ctx context.Context, id, externalRunID string) error

	// Complete moves a non-terminal execution to the given terminal status.
	// Returns false with a nil error when the execution was already terminal,
	// which callers treat as an idempotent duplicate.
	Complete(ctx context.Context, id string, status models.ExecutionStatus, output map[string]any, errDetail string, completedAt time.Time) (bool, error)

	// MarkCancelled moves the execution with the given external run id to
	// cancelled if it is still non-terminal.
	MarkCancelled(ctx context.Context, externalRunID string, completedAt time.Time) (bool, error)

	// ListStaleStarted returns executions still in started that began before
	// cutoff. The reconciliation sweep uses this to close unconfirmed
	// dispatches.
	ListStaleStarted(ctx context.Context, cutoff time.Time) ([]*models.WorkflowExecution, error)
}

// DestinationRepository owns per-platform destination rows.
type DestinationRepository interface {
	Create(ctx context.Context, destination *models.Destination) error
	GetByID(ctx context.Context, id string) (*models.Destination, error)
	ListForAsset(ctx context.Context, assetID string) ([]*models.Destination, error)

	// ApplyResult records a callback-reported outcome: status, platform post
	// id and error message, incrementing publishing_attempts in the same
	// update.
	ApplyResult(ctx context.Context, id string, status models.DestinationStatus, platformPostID, errorMessage string) error
}
