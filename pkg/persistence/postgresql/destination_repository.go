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

// DestinationRepository handles destination database operations.
type DestinationRepository struct {
	db     querier
	logger *slog.Logger
}

// NewDestinationRepository creates a new destination repository.
func NewDestinationRepository(db querier, logger *slog.Logger) *DestinationRepository {
	return &DestinationRepository{db: db, logger: logger}
}

func (r *DestinationRepository) Create(ctx context.Context, destination *models.Destination) error {
	now := time.Now().UTC()

	if destination.CreatedAt.IsZero() {
		destination.CreatedAt = now
	}

	destination.UpdatedAt = now

	if destination.Status == "" {
		destination.Status = models.DestinationStatusPending
	}

	query := `
		INSERT INTO destinations (
			id, asset_id, account_id, platform, status, platform_post_id,
			publishing_attempts, error_message, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		destination.ID,
		destination.AssetID,
		destination.AccountID,
		destination.Platform,
		destination.Status,
		destination.PlatformPostID,
		destination.PublishingAttempts,
		destination.ErrorMessage,
		destination.CreatedAt,
		destination.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStoreError("Create", "destination", destination.ID, err)
	}

	return nil
}

const destinationColumns = `
			id
		  , asset_id
		  , account_id
		  , platform
		  , status
		  , platform_post_id
		  , publishing_attempts
		  , error_message
		  , created_at
		  , updated_at
`

func (r *DestinationRepository) GetByID(ctx context.Context, id string) (*models.Destination, error) {
	query := `SELECT ` + destinationColumns + ` FROM destinations WHERE id = $1`

	destination, err := r.scanDestination(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "destination", id, persistence.ErrDestinationNotFound)
		}

		return nil, fmt.Errorf("failed to scan destination: %w", err)
	}

	return destination, nil
}

func (r *DestinationRepository) ListForAsset(ctx context.Context, assetID string) ([]*models.Destination, error) {
	query := `SELECT ` + destinationColumns + ` FROM destinations WHERE asset_id = $1 ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query destinations: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	destinations := make([]*models.Destination, 0)

	for rows.Next() {
		destination, err := r.scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan destination: %w", err)
		}

		destinations = append(destinations, destination)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating destinations: %w", err)
	}

	return destinations, nil
}

// ApplyResult records a callback-reported outcome. The attempt counter is
// incremented in the store, never read-modify-write.
func (r *DestinationRepository) ApplyResult(ctx context.Context, id string, status models.DestinationStatus, platformPostID, errorMessage string) error {
	query := `
		UPDATE destinations
		SET status = $2,
		    platform_post_id = $3,
		    error_message = $4,
		    publishing_attempts = publishing_attempts + 1,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, status, platformPostID, errorMessage)
	if err != nil {
		return persistence.NewStoreError("ApplyResult", "destination", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("ApplyResult", "destination", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("ApplyResult", "destination", id, persistence.ErrDestinationNotFound)
	}

	return nil
}

func (r *DestinationRepository) scanDestination(row rowScanner) (*models.Destination, error) {
	var destination models.Destination

	err := row.Scan(
		&destination.ID,
		&destination.AssetID,
		&destination.AccountID,
		&destination.Platform,
		&destination.Status,
		&destination.PlatformPostID,
		&destination.PublishingAttempts,
		&destination.ErrorMessage,
		&destination.CreatedAt,
		&destination.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &destination, nil
}
