package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postflow/postflow/pkg/eventbus"
	"github.com/postflow/postflow/pkg/events"
	"github.com/postflow/postflow/pkg/models"
	"github.com/postflow/postflow/pkg/persistence"
)

// DestinationResult is the per-platform outcome an engine callback reports.
type DestinationResult struct {
	ID             string
	Status         models.DestinationStatus
	PlatformPostID string
	Error          string
}

// CompletionPayload is an authenticated, decoded completion callback.
// ExternalRunID is the engine's run identifier; Output carries the raw
// decoded body, stored on the execution for auditing.
type CompletionPayload struct {
	ExternalRunID string
	Status        models.ExecutionStatus
	AssetID       string
	Destinations  []DestinationResult
	Error         string
	Output        map[string]any
}

// Callbacks reconciles completion notifications from the automation engine
// into the local execution, asset and destination records. Each callback is
// applied inside one transaction so a crash mid-reconciliation never leaves a
// half-updated asset behind.
type Callbacks struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
	now         func() time.Time
}

// NewCallbacks creates a callback reconciliation service. The event bus may
// be nil.
func NewCallbacks(persistence persistence.Persistence, eventBus eventbus.EventPublisher, logger *slog.Logger) *Callbacks {
	return &Callbacks{
		persistence: persistence,
		eventBus:    eventBus,
		logger:      logger.With("module", "callbacks"),
		now:         time.Now,
	}
}

// WithClock overrides the time source.
func (c *Callbacks) WithClock(now func() time.Time) *Callbacks {
	c.now = now

	return c
}

// HandleCompletion applies one completion callback.
//
// Unknown run ids and already-terminal executions are idempotent no-ops: the
// engine redelivers callbacks and a duplicate must not flip state twice or
// re-increment destination attempt counters. A callback can close an
// execution whose dispatch was locally marked failed, because the run id it
// references only exists once the engine acknowledged the dispatch.
func (c *Callbacks) HandleCompletion(ctx context.Context, payload CompletionPayload) error {
	if payload.Status != models.ExecutionStatusCompleted && payload.Status != models.ExecutionStatusFailed {
		return fmt.Errorf("%w: %q", ErrInvalidCallbackStatus, payload.Status)
	}

	var (
		execution   *models.WorkflowExecution
		applied     bool
		completedAt time.Time
	)

	err := c.persistence.InTransaction(ctx, func(tx persistence.Persistence) error {
		found, err := tx.Executions().GetByExternalRunID(ctx, payload.ExternalRunID)
		if err != nil {
			if persistence.IsExecutionNotFound(err) {
				c.logger.Info("callback references unknown run, ignoring",
					"external_run_id", payload.ExternalRunID)

				return nil
			}

			return fmt.Errorf("failed to look up execution: %w", err)
		}

		execution = found
		completedAt = c.now()

		errDetail := ""
		if payload.Status == models.ExecutionStatusFailed {
			errDetail = payload.Error
		}

		applied, err = tx.Executions().Complete(ctx, found.ID, payload.Status, payload.Output, errDetail, completedAt)
		if err != nil {
			return fmt.Errorf("failed to complete execution: %w", err)
		}

		if !applied {
			c.logger.Info("duplicate callback, execution already terminal",
				"execution_id", found.ID,
				"external_run_id", payload.ExternalRunID)

			return nil
		}

		if payload.Status == models.ExecutionStatusCompleted {
			err = tx.Assets().MarkPublished(ctx, found.AssetID, completedAt)
		} else {
			err = tx.Assets().MarkFailed(ctx, found.AssetID, payload.Error)
		}

		if err != nil {
			return fmt.Errorf("failed to update asset: %w", err)
		}

		for _, result := range payload.Destinations {
			err = tx.Destinations().ApplyResult(ctx, result.ID, result.Status, result.PlatformPostID, result.Error)
			if err != nil {
				if persistence.IsDestinationNotFound(err) {
					c.logger.Warn("callback references unknown destination",
						"destination_id", result.ID,
						"external_run_id", payload.ExternalRunID)

					continue
				}

				return fmt.Errorf("failed to apply destination result: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if execution == nil || !applied {
		return nil
	}

	c.logger.Info("callback reconciled",
		"execution_id", execution.ID,
		"asset_id", execution.AssetID,
		"external_run_id", payload.ExternalRunID,
		"status", payload.Status)

	c.publishEvent(ctx, execution.AssetID, payload, execution, completedAt)

	return nil
}

func (c *Callbacks) publishEvent(ctx context.Context, key string, payload CompletionPayload, execution *models.WorkflowExecution, completedAt time.Time) {
	if c.eventBus == nil {
		return
	}

	base := events.BaseEvent{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Type:        events.ExecutionCompletedEvent,
		Timestamp:   completedAt,
		AssetID:     execution.AssetID,
		ExecutionID: execution.ID,
	}

	var event eventbus.Event

	if payload.Status == models.ExecutionStatusCompleted {
		event = events.ExecutionCompleted{
			BaseEvent:     base,
			ExternalRunID: payload.ExternalRunID,
			Output:        payload.Output,
			DurationMS:    completedAt.Sub(execution.StartedAt).Milliseconds(),
		}
	} else {
		base.Type = events.ExecutionFailedEvent
		event = events.ExecutionFailed{
			BaseEvent:     base,
			ExternalRunID: payload.ExternalRunID,
			Error:         payload.Error,
		}
	}

	err := c.eventBus.Publish(ctx, key, event)
	if err != nil {
		c.logger.Warn("failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
