package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postflow/postflow/pkg/engine"
	"github.com/postflow/postflow/pkg/models"
	"github.com/postflow/postflow/pkg/persistence/memory"
)

type dispatchCall struct {
	kind    models.WorkflowKind
	request engine.DispatchRequest
}

// fakeEngine records dispatch and cancel calls and returns configured
// results.
type fakeEngine struct {
	mu          sync.Mutex
	dispatches  []dispatchCall
	dispatchErr error
	cancelErr   error
	cancelled   []string
}

func (f *fakeEngine) Dispatch(_ context.Context, kind models.WorkflowKind, request engine.DispatchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dispatches = append(f.dispatches, dispatchCall{kind: kind, request: request})

	if f.dispatchErr != nil {
		return "", f.dispatchErr
	}

	return fmt.Sprintf("run-%d", len(f.dispatches)), nil
}

func (f *fakeEngine) CancelRun(_ context.Context, externalRunID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancelErr != nil {
		return f.cancelErr
	}

	f.cancelled = append(f.cancelled, externalRunID)

	return nil
}

func newTestPublisher(t *testing.T, store *memory.Store, eng *fakeEngine) *Publisher {
	t.Helper()

	return NewPublisher(store, eng, nil, slog.Default()).WithDispatchDelay(0)
}

func seedAsset(t *testing.T, store *memory.Store, id string, destinationIDs ...string) {
	t.Helper()

	ctx := context.Background()

	err := store.Assets().Create(ctx, &models.Asset{
		ID:     id,
		Name:   "Asset " + id,
		Status: models.AssetStatusScheduled,
	})
	require.NoError(t, err)

	for _, destinationID := range destinationIDs {
		err := store.Destinations().Create(ctx, &models.Destination{
			ID:       destinationID,
			AssetID:  id,
			Platform: "mastodon",
			Status:   models.DestinationStatusPending,
		})
		require.NoError(t, err)
	}
}

func TestPublisher_Trigger_Success(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eng := &fakeEngine{}
	publisher := newTestPublisher(t, store, eng)

	seedAsset(t, store, "asset-1", "dest-1", "dest-2")

	executionID, err := publisher.Trigger(ctx, "asset-1", models.WorkflowKindPublishSingle, TriggerOptions{Priority: 2})
	require.NoError(t, err)
	require.NotEmpty(t, executionID)

	execution, err := store.Executions().GetByID(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)
	assert.Equal(t, "run-1", execution.ExternalRunID)
	require.NotNil(t, execution.Input)
	assert.Equal(t, 2, execution.Input.Priority)

	asset, err := store.Assets().GetByID(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusPublishing, asset.Status)
	assert.Equal(t, executionID, asset.CurrentExecutionID)
	assert.Equal(t, "run-1", asset.ExternalRunID)
	assert.Empty(t, asset.LastError)

	require.Len(t, eng.dispatches, 1)
	request := eng.dispatches[0].request
	assert.Equal(t, "asset-1", request.AssetID)
	assert.Equal(t, []string{"dest-1", "dest-2"}, request.Destinations)
	assert.Equal(t, executionID, request.Metadata.ExecutionID)
}

func TestPublisher_Trigger_DestinationSelection(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eng := &fakeEngine{}
	publisher := newTestPublisher(t, store, eng)

	seedAsset(t, store, "asset-1", "dest-1", "dest-2", "dest-3")

	_, err := publisher.Trigger(ctx, "asset-1", models.WorkflowKindPublishMulti, TriggerOptions{
		DestinationIDs: []string{"dest-3", "dest-1"},
	})
	require.NoError(t, err)

	require.Len(t, eng.dispatches, 1)
	assert.ElementsMatch(t, []string{"dest-1", "dest-3"}, eng.dispatches[0].request.Destinations)
}

func TestPublisher_Trigger_InvalidKind(t *testing.T) {
	store := memory.NewStore()
	publisher := newTestPublisher(t, store, &fakeEngine{})

	_, err := publisher.Trigger(context.Background(), "asset-1", "mystery-workflow", TriggerOptions{})
	require.ErrorIs(t, err, ErrInvalidWorkflowKind)
	assert.True(t, IsValidationError(err))
}

func TestPublisher_Trigger_UnknownAsset(t *testing.T) {
	store := memory.NewStore()
	publisher := newTestPublisher(t, store, &fakeEngine{})

	_, err := publisher.Trigger(context.Background(), "ghost", models.WorkflowKindPublishSingle, TriggerOptions{})
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestPublisher_Trigger_ConflictWhileInFlight(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eng := &fakeEngine{}
	publisher := newTestPublisher(t, store, eng)

	seedAsset(t, store, "asset-1", "dest-1")

	_, err := publisher.Trigger(ctx, "asset-1", models.WorkflowKindPublishSingle, TriggerOptions{})
	require.NoError(t, err)

	_, err = publisher.Trigger(ctx, "asset-1", models.WorkflowKindPublishSingle, TriggerOptions{})
	require.ErrorIs(t, err, ErrPublishInProgress)
	assert.True(t, IsConflictError(err))

	// Only the first call reached the engine.
	assert.Len(t, eng.dispatches, 1)
}

func TestPublisher_Trigger_DispatchFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eng := &fakeEngine{dispatchErr: errors.New("connection refused")}
	publisher := newTestPublisher(t, store, eng)

	seedAsset(t, store, "asset-1", "dest-1")

	_, err := publisher.Trigger(ctx, "asset-1", models.WorkflowKindPublishSingle, TriggerOptions{})
	require.Error(t, err)
	assert.True(t, IsDispatchError(err))

	var dispatchErr *DispatchFailedError

	require.ErrorAs(t, err, &dispatchErr)
	require.NotEmpty(t, dispatchErr.ExecutionID)

	// The execution stays in started; the reconciliation sweep owns it now.
	execution, err := store.Executions().GetByID(ctx, dispatchErr.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusStarted, execution.Status)
	assert.Empty(t, execution.ExternalRunID)

	asset, err := store.Assets().GetByID(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusFailed, asset.Status)
	assert.Contains(t, asset.LastError, "connection refused")
}

func TestPublisher_BatchTrigger_StaggeredSchedule(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eng := &fakeEngine{}
	publisher := newTestPublisher(t, store, eng)

	seedAsset(t, store, "a", "dest-a")
	seedAsset(t, store, "b", "dest-b")
	seedAsset(t, store, "c", "dest-c")

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	results, err := publisher.BatchTrigger(ctx, []string{"a", "b", "c"}, models.WorkflowKindSchedulePost, BatchOptions{
		ScheduledTime:  &base,
		StaggerMinutes: 5,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Len(t, eng.dispatches, 3)

	for i, want := range []time.Time{base, base.Add(5 * time.Minute), base.Add(10 * time.Minute)} {
		request := eng.dispatches[i].request
		require.NotNil(t, request.ScheduledTime)
		assert.Equal(t, want, *request.ScheduledTime)
	}

	// Input order is preserved.
	assert.Equal(t, "a", eng.dispatches[0].request.AssetID)
	assert.Equal(t, "b", eng.dispatches[1].request.AssetID)
	assert.Equal(t, "c", eng.dispatches[2].request.AssetID)
}

func TestPublisher_BatchTrigger_PartialFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eng := &fakeEngine{}
	publisher := newTestPublisher(t, store, eng)

	seedAsset(t, store, "a", "dest-a")
	seedAsset(t, store, "c", "dest-c")

	results, err := publisher.BatchTrigger(ctx, []string{"a", "missing", "c"}, models.WorkflowKindPublishSingle, BatchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].ExecutionID)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.NotEmpty(t, results[2].ExecutionID)

	// The failing middle entry never reached the engine.
	assert.Len(t, eng.dispatches, 2)
}

func TestPublisher_BatchTrigger_Empty(t *testing.T) {
	store := memory.NewStore()
	publisher := newTestPublisher(t, store, &fakeEngine{})

	_, err := publisher.BatchTrigger(context.Background(), nil, models.WorkflowKindPublishSingle, BatchOptions{})
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestPublisher_Retry_ReusesStoredInput(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eng := &fakeEngine{dispatchErr: errors.New("engine down")}
	publisher := newTestPublisher(t, store, eng)

	seedAsset(t, store, "asset-1", "dest-1", "dest-2")

	_, err := publisher.Trigger(ctx, "asset-1", models.WorkflowKindPublishMulti, TriggerOptions{
		DestinationIDs: []string{"dest-1"},
		Priority:       2,
	})
	require.Error(t, err)

	// Close the started execution so the asset is free to retry, the way the
	// reconciliation sweep would.
	var dispatchErr *DispatchFailedError

	require.ErrorAs(t, err, &dispatchErr)

	applied, err := store.Executions().Complete(ctx, dispatchErr.ExecutionID, models.ExecutionStatusFailed, nil, "engine down", time.Now())
	require.NoError(t, err)
	require.True(t, applied)

	eng.dispatchErr = nil

	executionID, err := publisher.Retry(ctx, "asset-1")
	require.NoError(t, err)
	require.NotEmpty(t, executionID)

	require.Len(t, eng.dispatches, 2)
	request := eng.dispatches[1].request
	assert.Equal(t, models.WorkflowKindPublishMulti, request.WorkflowType)
	assert.Equal(t, []string{"dest-1"}, request.Destinations)
	assert.Equal(t, 2, request.Metadata.Priority)

	asset, err := store.Assets().GetByID(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, 1, asset.RetryCount)
}

func TestPublisher_Retry_NoFailedExecution(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	publisher := newTestPublisher(t, store, &fakeEngine{})

	seedAsset(t, store, "asset-1", "dest-1")

	_, err := publisher.Retry(ctx, "asset-1")
	require.ErrorIs(t, err, ErrNoFailedExecution)
	assert.True(t, IsNotFoundError(err))
}

func TestPublisher_Cancel_Accepted(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eng := &fakeEngine{}
	publisher := newTestPublisher(t, store, eng)

	seedAsset(t, store, "asset-1", "dest-1")

	executionID, err := publisher.Trigger(ctx, "asset-1", models.WorkflowKindPublishSingle, TriggerOptions{})
	require.NoError(t, err)

	cancelled, err := publisher.Cancel(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, []string{"run-1"}, eng.cancelled)

	execution, err := store.Executions().GetByID(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	require.NotNil(t, execution.CompletedAt)
}

func TestPublisher_Cancel_Rejected(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eng := &fakeEngine{cancelErr: fmt.Errorf("%w: engine returned 409 Conflict", engine.ErrCancelRejected)}
	publisher := newTestPublisher(t, store, eng)

	seedAsset(t, store, "asset-1", "dest-1")

	executionID, err := publisher.Trigger(ctx, "asset-1", models.WorkflowKindPublishSingle, TriggerOptions{})
	require.NoError(t, err)

	cancelled, err := publisher.Cancel(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	// Rejected cancellations leave state untouched.
	execution, err := store.Executions().GetByID(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)
}

func TestPublisher_Cancel_UnknownRun(t *testing.T) {
	store := memory.NewStore()
	publisher := newTestPublisher(t, store, &fakeEngine{})

	_, err := publisher.Cancel(context.Background(), "run-unknown")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestPublisher_Trigger_ConcurrentSingleFlight(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eng := &fakeEngine{}
	publisher := newTestPublisher(t, store, eng)

	seedAsset(t, store, "asset-1", "dest-1")

	const attempts = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)

	for range attempts {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := publisher.Trigger(ctx, "asset-1", models.WorkflowKindPublishSingle, TriggerOptions{})

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrPublishInProgress):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, conflicts)
}
