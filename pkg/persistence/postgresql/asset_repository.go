package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postflow/postflow/pkg/models"
	"github.com/postflow/postflow/pkg/persistence"
)

// AssetRepository handles asset-related database operations.
type AssetRepository struct {
	db     querier
	logger *slog.Logger
}

// NewAssetRepository creates a new asset repository.
func NewAssetRepository(db querier, logger *slog.Logger) *AssetRepository {
	return &AssetRepository{db: db, logger: logger}
}

func (r *AssetRepository) Create(ctx context.Context, asset *models.Asset) error {
	now := time.Now().UTC()

	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}

	asset.UpdatedAt = now

	query := `
		INSERT INTO assets (
			id, name, owner, status, current_execution_id, external_run_id,
			retry_count, last_error, published_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		asset.ID,
		asset.Name,
		asset.Owner,
		asset.Status,
		nullString(asset.CurrentExecutionID),
		asset.ExternalRunID,
		asset.RetryCount,
		asset.LastError,
		asset.PublishedAt,
		asset.CreatedAt,
		asset.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Create", "asset", asset.ID, err)
	}

	return nil
}

func (r *AssetRepository) GetByID(ctx context.Context, id string) (*models.Asset, error) {
	query := `
		SELECT
			id
		  , name
		  , owner
		  , status
		  , current_execution_id
		  , external_run_id
		  , retry_count
		  , last_error
		  , published_at
		  , created_at
		  , updated_at
		FROM assets
		WHERE id = $1
	`

	var (
		asset              models.Asset
		currentExecutionID sql.NullString
		publishedAt        sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&asset.ID,
		&asset.Name,
		&asset.Owner,
		&asset.Status,
		&currentExecutionID,
		&asset.ExternalRunID,
		&asset.RetryCount,
		&asset.LastError,
		&publishedAt,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "asset", id, persistence.ErrAssetNotFound)
		}

		return nil, fmt.Errorf("failed to scan asset: %w", err)
	}

	asset.CurrentExecutionID = currentExecutionID.String

	if publishedAt.Valid {
		t := publishedAt.Time
		asset.PublishedAt = &t
	}

	return &asset, nil
}

func (r *AssetRepository) MarkQueued(ctx context.Context, id, executionID string) error {
	query := `
		UPDATE assets
		SET status = $2, current_execution_id = $3, last_error = '', updated_at = NOW()
		WHERE id = $1
	`

	return r.exec(ctx, "MarkQueued", id, query, id, models.AssetStatusQueued, executionID)
}

func (r *AssetRepository) SetExternalRun(ctx context.Context, id, externalRunID string) error {
	query := `
		UPDATE assets
		SET status = $3, external_run_id = $2, updated_at = NOW()
		WHERE id = $1
	`

	return r.exec(ctx, "SetExternalRun", id, query, id, externalRunID, models.AssetStatusPublishing)
}

func (r *AssetRepository) MarkDispatchFailed(ctx context.Context, id, lastError string) error {
	query := `
		UPDATE assets
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`

	return r.exec(ctx, "MarkDispatchFailed", id, query, id, models.AssetStatusFailed, lastError)
}

func (r *AssetRepository) MarkPublished(ctx context.Context, id string, publishedAt time.Time) error {
	query := `
		UPDATE assets
		SET status = $2, published_at = $3, last_error = '', updated_at = NOW()
		WHERE id = $1
	`

	return r.exec(ctx, "MarkPublished", id, query, id, models.AssetStatusPublished, publishedAt)
}

func (r *AssetRepository) MarkFailed(ctx context.Context, id, lastError string) error {
	query := `
		UPDATE assets
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`

	return r.exec(ctx, "MarkFailed", id, query, id, models.AssetStatusFailed, lastError)
}

// IncrementRetryCount bumps the counter in the store rather than
// read-modify-write so concurrent retries cannot lose an increment.
func (r *AssetRepository) IncrementRetryCount(ctx context.Context, id string) error {
	query := `
		UPDATE assets
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1
	`

	return r.exec(ctx, "IncrementRetryCount", id, query, id)
}

func (r *AssetRepository) exec(ctx context.Context, op, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewStoreError(op, "asset", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError(op, "asset", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError(op, "asset", id, persistence.ErrAssetNotFound)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
