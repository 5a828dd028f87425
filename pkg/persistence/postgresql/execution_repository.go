package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/postflow/postflow/pkg/models"
	"github.com/postflow/postflow/pkg/persistence"
)

const uniqueViolation = "23505"

// ExecutionRepository handles workflow execution database operations.
type ExecutionRepository struct {
	db     querier
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db querier, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	inputJSON, err := json.Marshal(execution.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal execution input: %w", err)
	}

	outputJSON, err := json.Marshal(execution.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal execution output: %w", err)
	}

	query := `
		INSERT INTO workflow_executions (
			id, asset_id, workflow_kind, external_run_id, status, input, output,
			error_detail, started_at, completed_at, duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.AssetID,
		execution.WorkflowKind,
		execution.ExternalRunID,
		execution.Status,
		inputJSON,
		outputJSON,
		execution.ErrorDetail,
		execution.StartedAt,
		execution.CompletedAt,
		execution.DurationMS,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == inFlightIndex {
			return persistence.NewStoreError("Create", "execution", execution.ID, persistence.ErrExecutionConflict)
		}

		return persistence.NewStoreError("Create", "execution", execution.ID, err)
	}

	return nil
}

const executionColumns = `
			id
		  , asset_id
		  , workflow_kind
		  , external_run_id
		  , status
		  , input
		  , output
		  , error_detail
		  , started_at
		  , completed_at
		  , duration_ms
`

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1`

	execution, err := r.scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) GetByExternalRunID(ctx context.Context, externalRunID string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE external_run_id = $1 AND external_run_id <> ''`

	execution, err := r.scanExecution(r.db.QueryRowContext(ctx, query, externalRunID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByExternalRunID", "execution", externalRunID, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ListForAsset(ctx context.Context, assetID string) ([]*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE asset_id = $1 ORDER BY started_at DESC`

	return r.list(ctx, query, assetID)
}

func (r *ExecutionRepository) LatestFailedForAsset(ctx context.Context, assetID string) (*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE asset_id = $1 AND status = 'failed'
		ORDER BY started_at DESC
		LIMIT 1
	`

	execution, err := r.scanExecution(r.db.QueryRowContext(ctx, query, assetID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("LatestFailedForAsset", "execution", assetID, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) MarkRunning(ctx context.Context, id, externalRunID string) error {
	query := `
		UPDATE workflow_executions
		SET status = 'running', external_run_id = $2
		WHERE id = $1 AND status = 'started'
	`

	result, err := r.db.ExecContext(ctx, query, id, externalRunID)
	if err != nil {
		return persistence.NewStoreError("MarkRunning", "execution", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("MarkRunning", "execution", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("MarkRunning", "execution", id, persistence.ErrExecutionNotFound)
	}

	return nil
}

func (r *ExecutionRepository) Complete(ctx context.Context, id string, status models.ExecutionStatus, output map[string]any, errDetail string, completedAt time.Time) (bool, error) {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return false, fmt.Errorf("failed to marshal execution output: %w", err)
	}

	query := `
		UPDATE workflow_executions
		SET status = $2,
		    output = $3,
		    error_detail = $4,
		    completed_at = $5,
		    duration_ms = (EXTRACT(EPOCH FROM ($5::timestamptz - started_at)) * 1000)::BIGINT
		WHERE id = $1 AND status IN ('started', 'running')
	`

	result, err := r.db.ExecContext(ctx, query, id, status, outputJSON, errDetail, completedAt)
	if err != nil {
		return false, persistence.NewStoreError("Complete", "execution", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewStoreError("Complete", "execution", id, err)
	}

	if affected > 0 {
		return true, nil
	}

	// Distinguish an already-terminal execution (idempotent duplicate) from a
	// missing one.
	_, err = r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}

	return false, nil
}

func (r *ExecutionRepository) MarkCancelled(ctx context.Context, externalRunID string, completedAt time.Time) (bool, error) {
	query := `
		UPDATE workflow_executions
		SET status = 'cancelled',
		    completed_at = $2,
		    duration_ms = (EXTRACT(EPOCH FROM ($2::timestamptz - started_at)) * 1000)::BIGINT
		WHERE external_run_id = $1 AND external_run_id <> '' AND status IN ('started', 'running')
	`

	result, err := r.db.ExecContext(ctx, query, externalRunID, completedAt)
	if err != nil {
		return false, persistence.NewStoreError("MarkCancelled", "execution", externalRunID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewStoreError("MarkCancelled", "execution", externalRunID, err)
	}

	if affected > 0 {
		return true, nil
	}

	_, err = r.GetByExternalRunID(ctx, externalRunID)
	if err != nil {
		return false, err
	}

	return false, nil
}

func (r *ExecutionRepository) ListStaleStarted(ctx context.Context, cutoff time.Time) ([]*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE status = 'started' AND started_at < $1
		ORDER BY started_at ASC
	`

	return r.list(ctx, query, cutoff)
}

func (r *ExecutionRepository) list(ctx context.Context, query string, args ...any) ([]*models.WorkflowExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := r.scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ExecutionRepository) scanExecution(row rowScanner) (*models.WorkflowExecution, error) {
	var (
		execution   models.WorkflowExecution
		inputJSON   []byte
		outputJSON  []byte
		completedAt sql.NullTime
		durationMS  sql.NullInt64
	)

	err := row.Scan(
		&execution.ID,
		&execution.AssetID,
		&execution.WorkflowKind,
		&execution.ExternalRunID,
		&execution.Status,
		&inputJSON,
		&outputJSON,
		&execution.ErrorDetail,
		&execution.StartedAt,
		&completedAt,
		&durationMS,
	)
	if err != nil {
		return nil, err
	}

	if len(inputJSON) > 0 {
		err = json.Unmarshal(inputJSON, &execution.Input)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution input: %w", err)
		}
	}

	if len(outputJSON) > 0 {
		err = json.Unmarshal(outputJSON, &execution.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution output: %w", err)
		}
	}

	if completedAt.Valid {
		t := completedAt.Time
		execution.CompletedAt = &t
	}

	if durationMS.Valid {
		ms := durationMS.Int64
		execution.DurationMS = &ms
	}

	return &execution, nil
}
