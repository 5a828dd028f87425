package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postflow/postflow/pkg/models"
	"github.com/postflow/postflow/pkg/persistence/memory"
)

// seedRunningExecution stands up an asset with one destination and a running
// execution acknowledged by the engine as externalRunID.
func seedRunningExecution(t *testing.T, store *memory.Store, assetID, executionID, externalRunID string) {
	t.Helper()

	ctx := context.Background()

	seedAsset(t, store, assetID, assetID+"-dest")

	err := store.Executions().Create(ctx, &models.WorkflowExecution{
		ID:           executionID,
		AssetID:      assetID,
		WorkflowKind: models.WorkflowKindPublishSingle,
		Status:       models.ExecutionStatusStarted,
		StartedAt:    time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, store.Assets().MarkQueued(ctx, assetID, executionID))
	require.NoError(t, store.Executions().MarkRunning(ctx, executionID, externalRunID))
	require.NoError(t, store.Assets().SetExternalRun(ctx, assetID, externalRunID))
}

func TestCallbacks_HandleCompletion_Success(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	callbacks := NewCallbacks(store, nil, slog.Default())

	seedRunningExecution(t, store, "asset-1", "exec-1", "run-1")

	payload := CompletionPayload{
		ExternalRunID: "run-1",
		Status:        models.ExecutionStatusCompleted,
		AssetID:       "asset-1",
		Destinations: []DestinationResult{
			{ID: "asset-1-dest", Status: models.DestinationStatusPublished, PlatformPostID: "post-42"},
		},
		Output: map[string]any{"status": "completed"},
	}

	require.NoError(t, callbacks.HandleCompletion(ctx, payload))

	execution, err := store.Executions().GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	require.NotNil(t, execution.CompletedAt)
	require.NotNil(t, execution.DurationMS)
	assert.Positive(t, *execution.DurationMS)
	assert.Equal(t, map[string]any{"status": "completed"}, execution.Output)

	asset, err := store.Assets().GetByID(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusPublished, asset.Status)
	require.NotNil(t, asset.PublishedAt)

	destination, err := store.Destinations().GetByID(ctx, "asset-1-dest")
	require.NoError(t, err)
	assert.Equal(t, models.DestinationStatusPublished, destination.Status)
	assert.Equal(t, "post-42", destination.PlatformPostID)
	assert.Equal(t, 1, destination.PublishingAttempts)
}

func TestCallbacks_HandleCompletion_Failure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	callbacks := NewCallbacks(store, nil, slog.Default())

	seedRunningExecution(t, store, "asset-1", "exec-1", "run-1")

	payload := CompletionPayload{
		ExternalRunID: "run-1",
		Status:        models.ExecutionStatusFailed,
		AssetID:       "asset-1",
		Error:         "platform rate limited",
		Destinations: []DestinationResult{
			{ID: "asset-1-dest", Status: models.DestinationStatusFailed, Error: "rate limited"},
		},
	}

	require.NoError(t, callbacks.HandleCompletion(ctx, payload))

	execution, err := store.Executions().GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, "platform rate limited", execution.ErrorDetail)

	asset, err := store.Assets().GetByID(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusFailed, asset.Status)
	assert.Equal(t, "platform rate limited", asset.LastError)
	assert.Nil(t, asset.PublishedAt)

	destination, err := store.Destinations().GetByID(ctx, "asset-1-dest")
	require.NoError(t, err)
	assert.Equal(t, models.DestinationStatusFailed, destination.Status)
	assert.Equal(t, "rate limited", destination.ErrorMessage)
}

func TestCallbacks_HandleCompletion_DuplicateIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	callbacks := NewCallbacks(store, nil, slog.Default())

	seedRunningExecution(t, store, "asset-1", "exec-1", "run-1")

	payload := CompletionPayload{
		ExternalRunID: "run-1",
		Status:        models.ExecutionStatusCompleted,
		AssetID:       "asset-1",
		Destinations: []DestinationResult{
			{ID: "asset-1-dest", Status: models.DestinationStatusPublished, PlatformPostID: "post-42"},
		},
	}

	require.NoError(t, callbacks.HandleCompletion(ctx, payload))
	require.NoError(t, callbacks.HandleCompletion(ctx, payload))

	// Redelivery must not re-increment the attempt counter.
	destination, err := store.Destinations().GetByID(ctx, "asset-1-dest")
	require.NoError(t, err)
	assert.Equal(t, 1, destination.PublishingAttempts)

	execution, err := store.Executions().GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
}

func TestCallbacks_HandleCompletion_UnknownRunIsNoOp(t *testing.T) {
	store := memory.NewStore()
	callbacks := NewCallbacks(store, nil, slog.Default())

	err := callbacks.HandleCompletion(context.Background(), CompletionPayload{
		ExternalRunID: "run-stale",
		Status:        models.ExecutionStatusCompleted,
	})
	require.NoError(t, err)
}

func TestCallbacks_HandleCompletion_InvalidStatus(t *testing.T) {
	store := memory.NewStore()
	callbacks := NewCallbacks(store, nil, slog.Default())

	err := callbacks.HandleCompletion(context.Background(), CompletionPayload{
		ExternalRunID: "run-1",
		Status:        models.ExecutionStatusRunning,
	})
	require.ErrorIs(t, err, ErrInvalidCallbackStatus)
	assert.True(t, IsValidationError(err))
}

func TestCallbacks_HandleCompletion_UnknownDestinationSkipped(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	callbacks := NewCallbacks(store, nil, slog.Default())

	seedRunningExecution(t, store, "asset-1", "exec-1", "run-1")

	payload := CompletionPayload{
		ExternalRunID: "run-1",
		Status:        models.ExecutionStatusCompleted,
		AssetID:       "asset-1",
		Destinations: []DestinationResult{
			{ID: "not-a-destination", Status: models.DestinationStatusPublished},
			{ID: "asset-1-dest", Status: models.DestinationStatusPublished, PlatformPostID: "post-7"},
		},
	}

	require.NoError(t, callbacks.HandleCompletion(ctx, payload))

	destination, err := store.Destinations().GetByID(ctx, "asset-1-dest")
	require.NoError(t, err)
	assert.Equal(t, "post-7", destination.PlatformPostID)
}

func TestCallbacks_HandleCompletion_OverridesLocalDispatchFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	callbacks := NewCallbacks(store, nil, slog.Default())

	// The dispatch was acknowledged as run-1, then a transient error marked
	// the asset failed locally. The late callback is authoritative.
	seedRunningExecution(t, store, "asset-1", "exec-1", "run-1")
	require.NoError(t, store.Assets().MarkFailed(ctx, "asset-1", "local timeout"))

	err := callbacks.HandleCompletion(ctx, CompletionPayload{
		ExternalRunID: "run-1",
		Status:        models.ExecutionStatusCompleted,
		AssetID:       "asset-1",
	})
	require.NoError(t, err)

	asset, err := store.Assets().GetByID(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusPublished, asset.Status)
	assert.Empty(t, asset.LastError)
}
