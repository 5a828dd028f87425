package postgresql_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/postflow/postflow/pkg/models"
	"github.com/postflow/postflow/pkg/persistence"
	"github.com/postflow/postflow/pkg/persistence/postgresql"
)

// Integration tests need Docker; opt in with POSTFLOW_INTEGRATION=1.
func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	if os.Getenv("POSTFLOW_INTEGRATION") == "" {
		t.Skip("set POSTFLOW_INTEGRATION=1 to run postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("postflow_test"),
		postgres.WithUsername("postflow"),
		postgres.WithPassword("postflow"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, p.Close(ctx))
		require.NoError(t, container.Terminate(ctx))
		cancel()
	})

	return p, ctx
}

func createTestAsset(t *testing.T, p *postgresql.Persistence, ctx context.Context) *models.Asset {
	t.Helper()

	asset := &models.Asset{
		ID:     uuid.New().String(),
		Name:   "Integration test asset",
		Owner:  "tester",
		Status: models.AssetStatusDraft,
	}
	require.NoError(t, p.Assets().Create(ctx, asset))

	return asset
}

func TestPersistenceIntegration_ExecutionLifecycle(t *testing.T) {
	p, ctx := setupTestDB(t)
	asset := createTestAsset(t, p, ctx)

	scheduled := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	execution := &models.WorkflowExecution{
		ID:           uuid.New().String(),
		AssetID:      asset.ID,
		WorkflowKind: models.WorkflowKindPublishSingle,
		Status:       models.ExecutionStatusStarted,
		Input: &models.TriggerInput{
			DestinationIDs: []string{"d1", "d2"},
			ScheduledTime:  &scheduled,
			Priority:       2,
		},
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, p.Executions().Create(ctx, execution))

	// Single-flight: a second non-terminal execution for the asset must hit
	// the partial unique index.
	duplicate := &models.WorkflowExecution{
		ID:           uuid.New().String(),
		AssetID:      asset.ID,
		WorkflowKind: models.WorkflowKindPublishSingle,
		Status:       models.ExecutionStatusStarted,
		StartedAt:    time.Now().UTC(),
	}
	err := p.Executions().Create(ctx, duplicate)
	require.Error(t, err)
	assert.True(t, persistence.IsExecutionConflict(err))

	require.NoError(t, p.Executions().MarkRunning(ctx, execution.ID, "run-42"))

	got, err := p.Executions().GetByExternalRunID(ctx, "run-42")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, got.Status)
	require.NotNil(t, got.Input)
	assert.Equal(t, []string{"d1", "d2"}, got.Input.DestinationIDs)
	assert.Equal(t, 2, got.Input.Priority)

	applied, err := p.Executions().Complete(ctx, execution.ID, models.ExecutionStatusCompleted, map[string]any{"posts": float64(2)}, "", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = p.Executions().Complete(ctx, execution.ID, models.ExecutionStatusFailed, nil, "dup", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied, "second completion is an idempotent no-op")

	got, err = p.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	require.NotNil(t, got.DurationMS)
	assert.GreaterOrEqual(t, *got.DurationMS, int64(0))
}

func TestPersistenceIntegration_CallbackTransaction(t *testing.T) {
	p, ctx := setupTestDB(t)
	asset := createTestAsset(t, p, ctx)

	destination := &models.Destination{
		ID:        uuid.New().String(),
		AssetID:   asset.ID,
		AccountID: "acct-1",
		Platform:  "instagram",
	}
	require.NoError(t, p.Destinations().Create(ctx, destination))

	execution := &models.WorkflowExecution{
		ID:            uuid.New().String(),
		AssetID:       asset.ID,
		WorkflowKind:  models.WorkflowKindPublishSingle,
		Status:        models.ExecutionStatusRunning,
		ExternalRunID: "run-77",
		StartedAt:     time.Now().UTC(),
	}
	require.NoError(t, p.Executions().Create(ctx, execution))

	err := p.InTransaction(ctx, func(tx persistence.Persistence) error {
		applied, err := tx.Executions().Complete(ctx, execution.ID, models.ExecutionStatusCompleted, nil, "", time.Now().UTC())
		require.NoError(t, err)
		require.True(t, applied)

		err = tx.Assets().MarkPublished(ctx, asset.ID, time.Now().UTC())
		require.NoError(t, err)

		return tx.Destinations().ApplyResult(ctx, destination.ID, models.DestinationStatusPublished, "post-1", "")
	})
	require.NoError(t, err)

	gotAsset, err := p.Assets().GetByID(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusPublished, gotAsset.Status)

	gotDestination, err := p.Destinations().GetByID(ctx, destination.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DestinationStatusPublished, gotDestination.Status)
	assert.Equal(t, 1, gotDestination.PublishingAttempts)
}

func TestPersistenceIntegration_TransactionRollback(t *testing.T) {
	p, ctx := setupTestDB(t)
	asset := createTestAsset(t, p, ctx)

	execution := &models.WorkflowExecution{
		ID:            uuid.New().String(),
		AssetID:       asset.ID,
		WorkflowKind:  models.WorkflowKindPublishSingle,
		Status:        models.ExecutionStatusRunning,
		ExternalRunID: "run-88",
		StartedAt:     time.Now().UTC(),
	}
	require.NoError(t, p.Executions().Create(ctx, execution))

	err := p.InTransaction(ctx, func(tx persistence.Persistence) error {
		_, err := tx.Executions().Complete(ctx, execution.ID, models.ExecutionStatusCompleted, nil, "", time.Now().UTC())
		require.NoError(t, err)

		// Touch a missing destination so the whole transaction rolls back.
		return tx.Destinations().ApplyResult(ctx, "missing", models.DestinationStatusPublished, "", "")
	})
	require.Error(t, err)

	got, err := p.Executions().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, got.Status, "completion inside a failed transaction must not stick")
}
