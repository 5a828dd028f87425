// Package memory provides an in-memory persistence implementation used by
// tests and local development. Operations are individually atomic under one
// mutex; real transactional rollback is only provided by the postgresql
// implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/postflow/postflow/pkg/models"
	"github.com/postflow/postflow/pkg/persistence"
)

// Store keeps all records in maps guarded by a single mutex.
type Store struct {
	mu           sync.Mutex
	assets       map[string]*models.Asset
	executions   map[string]*models.WorkflowExecution
	destinations map[string]*models.Destination
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		assets:       make(map[string]*models.Asset),
		executions:   make(map[string]*models.WorkflowExecution),
		destinations: make(map[string]*models.Destination),
	}
}

func (s *Store) Assets() persistence.AssetRepository             { return &assetRepository{s} }
func (s *Store) Executions() persistence.ExecutionRepository     { return &executionRepository{s} }
func (s *Store) Destinations() persistence.DestinationRepository { return &destinationRepository{s} }

// InTransaction runs fn against the same store. The in-memory implementation
// offers per-operation atomicity only.
func (s *Store) InTransaction(ctx context.Context, fn func(tx persistence.Persistence) error) error {
	return fn(s)
}

func (s *Store) HealthCheck(ctx context.Context) error { return nil }

func (s *Store) Close(ctx context.Context) error { return nil }

type assetRepository struct {
	store *Store
}

func (r *assetRepository) Create(ctx context.Context, asset *models.Asset) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	copied := *asset
	r.store.assets[asset.ID] = &copied

	return nil
}

func (r *assetRepository) GetByID(ctx context.Context, id string) (*models.Asset, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	asset, ok := r.store.assets[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "asset", id, persistence.ErrAssetNotFound)
	}

	copied := *asset

	return &copied, nil
}

func (r *assetRepository) MarkQueued(ctx context.Context, id, executionID string) error {
	return r.update("MarkQueued", id, func(a *models.Asset) {
		a.Status = models.AssetStatusQueued
		a.CurrentExecutionID = executionID
		a.LastError = ""
	})
}

func (r *assetRepository) SetExternalRun(ctx context.Context, id, externalRunID string) error {
	return r.update("SetExternalRun", id, func(a *models.Asset) {
		a.Status = models.AssetStatusPublishing
		a.ExternalRunID = externalRunID
	})
}

func (r *assetRepository) MarkDispatchFailed(ctx context.Context, id, lastError string) error {
	return r.update("MarkDispatchFailed", id, func(a *models.Asset) {
		a.Status = models.AssetStatusFailed
		a.LastError = lastError
	})
}

func (r *assetRepository) MarkPublished(ctx context.Context, id string, publishedAt time.Time) error {
	return r.update("MarkPublished", id, func(a *models.Asset) {
		a.Status = models.AssetStatusPublished
		a.PublishedAt = &publishedAt
		a.LastError = ""
	})
}

func (r *assetRepository) MarkFailed(ctx context.Context, id, lastError string) error {
	return r.update("MarkFailed", id, func(a *models.Asset) {
		a.Status = models.AssetStatusFailed
		a.LastError = lastError
	})
}

func (r *assetRepository) IncrementRetryCount(ctx context.Context, id string) error {
	return r.update("IncrementRetryCount", id, func(a *models.Asset) {
		a.RetryCount++
	})
}

func (r *assetRepository) update(op, id string, apply func(*models.Asset)) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	asset, ok := r.store.assets[id]
	if !ok {
		return persistence.NewStoreError(op, "asset", id, persistence.ErrAssetNotFound)
	}

	apply(asset)
	asset.UpdatedAt = time.Now().UTC()

	return nil
}

type executionRepository struct {
	store *Store
}

func (r *executionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	// Single-flight guard: reject when any non-terminal execution exists for
	// the asset. The postgresql implementation enforces the same rule with a
	// partial unique index.
	for _, existing := range r.store.executions {
		if existing.AssetID == execution.AssetID && !existing.Status.IsTerminal() {
			return persistence.NewStoreError("Create", "execution", execution.ID, persistence.ErrExecutionConflict)
		}
	}

	copied := cloneExecution(execution)
	r.store.executions[execution.ID] = copied

	return nil
}

func (r *executionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	execution, ok := r.store.executions[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	return cloneExecution(execution), nil
}

func (r *executionRepository) GetByExternalRunID(ctx context.Context, externalRunID string) (*models.WorkflowExecution, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, execution := range r.store.executions {
		if execution.ExternalRunID == externalRunID && externalRunID != "" {
			return cloneExecution(execution), nil
		}
	}

	return nil, persistence.NewStoreError("GetByExternalRunID", "execution", externalRunID, persistence.ErrExecutionNotFound)
}

func (r *executionRepository) ListForAsset(ctx context.Context, assetID string) ([]*models.WorkflowExecution, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	executions := make([]*models.WorkflowExecution, 0)

	for _, execution := range r.store.executions {
		if execution.AssetID == assetID {
			executions = append(executions, cloneExecution(execution))
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})

	return executions, nil
}

func (r *executionRepository) LatestFailedForAsset(ctx context.Context, assetID string) (*models.WorkflowExecution, error) {
	executions, err := r.ListForAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}

	for _, execution := range executions {
		if execution.Status == models.ExecutionStatusFailed {
			return execution, nil
		}
	}

	return nil, persistence.NewStoreError("LatestFailedForAsset", "execution", assetID, persistence.ErrExecutionNotFound)
}

func (r *executionRepository) MarkRunning(ctx context.Context, id, externalRunID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	execution, ok := r.store.executions[id]
	if !ok || execution.Status != models.ExecutionStatusStarted {
		return persistence.NewStoreError("MarkRunning", "execution", id, persistence.ErrExecutionNotFound)
	}

	execution.Status = models.ExecutionStatusRunning
	execution.ExternalRunID = externalRunID

	return nil
}

func (r *executionRepository) Complete(ctx context.Context, id string, status models.ExecutionStatus, output map[string]any, errDetail string, completedAt time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	execution, ok := r.store.executions[id]
	if !ok {
		return false, persistence.NewStoreError("Complete", "execution", id, persistence.ErrExecutionNotFound)
	}

	if execution.Status.IsTerminal() {
		return false, nil
	}

	execution.Finish(status, output, errDetail, completedAt)

	return true, nil
}

func (r *executionRepository) MarkCancelled(ctx context.Context, externalRunID string, completedAt time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, execution := range r.store.executions {
		if execution.ExternalRunID != externalRunID || externalRunID == "" {
			continue
		}

		if execution.Status.IsTerminal() {
			return false, nil
		}

		execution.Finish(models.ExecutionStatusCancelled, execution.Output, execution.ErrorDetail, completedAt)

		return true, nil
	}

	return false, persistence.NewStoreError("MarkCancelled", "execution", externalRunID, persistence.ErrExecutionNotFound)
}

func (r *executionRepository) ListStaleStarted(ctx context.Context, cutoff time.Time) ([]*models.WorkflowExecution, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stale := make([]*models.WorkflowExecution, 0)

	for _, execution := range r.store.executions {
		if execution.Status == models.ExecutionStatusStarted && execution.StartedAt.Before(cutoff) {
			stale = append(stale, cloneExecution(execution))
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].StartedAt.Before(stale[j].StartedAt)
	})

	return stale, nil
}

type destinationRepository struct {
	store *Store
}

func (r *destinationRepository) Create(ctx context.Context, destination *models.Destination) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	copied := *destination
	r.store.destinations[destination.ID] = &copied

	return nil
}

func (r *destinationRepository) GetByID(ctx context.Context, id string) (*models.Destination, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	destination, ok := r.store.destinations[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "destination", id, persistence.ErrDestinationNotFound)
	}

	copied := *destination

	return &copied, nil
}

func (r *destinationRepository) ListForAsset(ctx context.Context, assetID string) ([]*models.Destination, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	destinations := make([]*models.Destination, 0)

	for _, destination := range r.store.destinations {
		if destination.AssetID == assetID {
			copied := *destination
			destinations = append(destinations, &copied)
		}
	}

	sort.Slice(destinations, func(i, j int) bool {
		return destinations[i].ID < destinations[j].ID
	})

	return destinations, nil
}

func (r *destinationRepository) ApplyResult(ctx context.Context, id string, status models.DestinationStatus, platformPostID, errorMessage string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	destination, ok := r.store.destinations[id]
	if !ok {
		return persistence.NewStoreError("ApplyResult", "destination", id, persistence.ErrDestinationNotFound)
	}

	destination.Status = status
	destination.PlatformPostID = platformPostID
	destination.ErrorMessage = errorMessage
	destination.PublishingAttempts++
	destination.UpdatedAt = time.Now().UTC()

	return nil
}

func cloneExecution(execution *models.WorkflowExecution) *models.WorkflowExecution {
	copied := *execution

	if execution.Input != nil {
		input := *execution.Input
		input.DestinationIDs = append([]string(nil), execution.Input.DestinationIDs...)
		copied.Input = &input
	}

	if execution.Output != nil {
		output := make(map[string]any, len(execution.Output))
		for k, v := range execution.Output {
			output[k] = v
		}

		copied.Output = output
	}

	return &copied
}
