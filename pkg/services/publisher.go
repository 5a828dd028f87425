package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postflow/postflow/pkg/engine"
	"github.com/postflow/postflow/pkg/eventbus"
	"github.com/postflow/postflow/pkg/events"
	"github.com/postflow/postflow/pkg/models"
	"github.com/postflow/postflow/pkg/persistence"
)

// DefaultDispatchDelay is the pause between successive batch dispatches so a
// large batch does not overwhelm the automation engine.
const DefaultDispatchDelay = time.Second

// EngineClient is the outbound surface the publisher needs from the
// automation engine. *engine.Client satisfies it.
type EngineClient interface {
	Dispatch(ctx context.Context, kind models.WorkflowKind, request engine.DispatchRequest) (string, error)
	CancelRun(ctx context.Context, externalRunID string) error
}

// TriggerOptions carries the optional dispatch parameters of a single
// trigger. They are persisted on the execution so a retry can reuse them.
type TriggerOptions struct {
	DestinationIDs []string
	ScheduledTime  *time.Time
	Priority       int
}

// BatchOptions configures a staggered batch dispatch.
type BatchOptions struct {
	ScheduledTime  *time.Time
	StaggerMinutes int
}

// BatchResult is the per-asset outcome of a batch dispatch. Err is set for
// entries that failed; the batch itself continues past them.
type BatchResult struct {
	AssetID     string
	ExecutionID string
	Err         error
}

// Publisher orchestrates publish dispatches: it records the execution
// locally, hands the asset off to the automation engine and tracks the
// engine's acknowledgment. All asset and execution writes are conditional
// updates in the store; the store's single-flight constraint rejects a second
// concurrent dispatch for the same asset.
type Publisher struct {
	persistence   persistence.Persistence
	engine        EngineClient
	eventBus      eventbus.EventPublisher
	logger        *slog.Logger
	dispatchDelay time.Duration
	now           func() time.Time
}

// NewPublisher creates a publisher. The event bus may be nil, in which case
// lifecycle events are not emitted.
func NewPublisher(persistence persistence.Persistence, engineClient EngineClient, eventBus eventbus.EventPublisher, logger *slog.Logger) *Publisher {
	return &Publisher{
		persistence:   persistence,
		engine:        engineClient,
		eventBus:      eventBus,
		logger:        logger.With("module", "publisher"),
		dispatchDelay: DefaultDispatchDelay,
		now:           time.Now,
	}
}

// WithDispatchDelay overrides the inter-dispatch pause. Tests use this to
// avoid sleeping.
func (p *Publisher) WithDispatchDelay(delay time.Duration) *Publisher {
	p.dispatchDelay = delay

	return p
}

// WithClock overrides the time source.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now

	return p
}

// Trigger dispatches one asset to the automation engine and returns the local
// execution id.
//
// The local writes happen before the HTTP call: the execution row is created
// in started and the asset is moved to queued. If the dispatch then fails,
// the asset is marked failed with the dispatch error while the execution
// stays in started; the reconciliation sweep closes it later. Only an
// accepted dispatch moves the execution to running.
func (p *Publisher) Trigger(ctx context.Context, assetID string, kind models.WorkflowKind, opts TriggerOptions) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkflowKind, kind)
	}

	asset, err := p.persistence.Assets().GetByID(ctx, assetID)
	if err != nil {
		return "", fmt.Errorf("failed to load asset: %w", err)
	}

	destinations, err := p.persistence.Destinations().ListForAsset(ctx, assetID)
	if err != nil {
		return "", fmt.Errorf("failed to load destinations: %w", err)
	}

	targets := selectDestinations(destinations, opts.DestinationIDs)

	execution := &models.WorkflowExecution{
		ID:           uuid.Must(uuid.NewV7()).String(),
		AssetID:      assetID,
		WorkflowKind: kind,
		Status:       models.ExecutionStatusStarted,
		Input: &models.TriggerInput{
			DestinationIDs: opts.DestinationIDs,
			ScheduledTime:  opts.ScheduledTime,
			Priority:       opts.Priority,
		},
		StartedAt: p.now(),
	}

	err = p.persistence.Executions().Create(ctx, execution)
	if err != nil {
		if persistence.IsExecutionConflict(err) {
			return "", fmt.Errorf("%w: %s", ErrPublishInProgress, assetID)
		}

		return "", fmt.Errorf("failed to create execution: %w", err)
	}

	err = p.persistence.Assets().MarkQueued(ctx, assetID, execution.ID)
	if err != nil {
		return "", fmt.Errorf("failed to queue asset: %w", err)
	}

	request := engine.DispatchRequest{
		AssetID:       assetID,
		WorkflowType:  kind,
		Destinations:  destinationIDs(targets),
		ScheduledTime: opts.ScheduledTime,
		Metadata: engine.DispatchMetadata{
			ExecutionID:  execution.ID,
			Asset:        asset,
			Destinations: targets,
			Priority:     opts.Priority,
		},
	}

	externalRunID, err := p.engine.Dispatch(ctx, kind, request)
	if err != nil {
		p.logger.Error("dispatch failed",
			"asset_id", assetID,
			"execution_id", execution.ID,
			"workflow_kind", kind,
			"error", err)

		markErr := p.persistence.Assets().MarkDispatchFailed(ctx, assetID, err.Error())
		if markErr != nil {
			p.logger.Error("failed to record dispatch failure", "asset_id", assetID, "error", markErr)
		}

		p.publishEvent(ctx, assetID, events.DispatchFailed{
			BaseEvent:    p.newBaseEvent(events.DispatchFailedEvent, assetID, execution.ID),
			WorkflowKind: kind,
			Error:        err.Error(),
		})

		return "", &DispatchFailedError{AssetID: assetID, ExecutionID: execution.ID, Err: err}
	}

	err = p.persistence.Executions().MarkRunning(ctx, execution.ID, externalRunID)
	if err != nil {
		return "", fmt.Errorf("dispatch accepted as run %s but execution update failed: %w", externalRunID, err)
	}

	err = p.persistence.Assets().SetExternalRun(ctx, assetID, externalRunID)
	if err != nil {
		return "", fmt.Errorf("dispatch accepted as run %s but asset update failed: %w", externalRunID, err)
	}

	p.logger.Info("dispatch accepted",
		"asset_id", assetID,
		"execution_id", execution.ID,
		"external_run_id", externalRunID,
		"workflow_kind", kind)

	p.publishEvent(ctx, assetID, events.ExecutionDispatched{
		BaseEvent:     p.newBaseEvent(events.ExecutionDispatchedEvent, assetID, execution.ID),
		WorkflowKind:  kind,
		ExternalRunID: externalRunID,
	})

	return execution.ID, nil
}

// BatchTrigger dispatches multiple assets in input order, pausing between
// dispatches. With a scheduled time and a positive stagger, entry i is
// scheduled at scheduledTime + i*stagger minutes. A failing entry is
// recorded in its result and skipped; the batch continues.
func (p *Publisher) BatchTrigger(ctx context.Context, assetIDs []string, kind models.WorkflowKind, opts BatchOptions) ([]BatchResult, error) {
	if len(assetIDs) == 0 {
		return nil, ErrEmptyBatch
	}

	results := make([]BatchResult, 0, len(assetIDs))

	for i, assetID := range assetIDs {
		triggerOpts := TriggerOptions{ScheduledTime: opts.ScheduledTime}

		if opts.ScheduledTime != nil && opts.StaggerMinutes > 0 {
			effective := opts.ScheduledTime.Add(time.Duration(i*opts.StaggerMinutes) * time.Minute)
			triggerOpts.ScheduledTime = &effective
		}

		executionID, err := p.Trigger(ctx, assetID, kind, triggerOpts)
		if err != nil {
			p.logger.Warn("batch entry failed", "asset_id", assetID, "error", err)

			results = append(results, BatchResult{AssetID: assetID, Err: err})
		} else {
			results = append(results, BatchResult{AssetID: assetID, ExecutionID: executionID})
		}

		// No pause after the last entry.
		if i < len(assetIDs)-1 {
			if err := p.pause(ctx); err != nil {
				return results, err
			}
		}
	}

	return results, nil
}

// Retry re-dispatches the most recent failed execution of an asset, reusing
// its stored input. The retry counter is incremented even if the new dispatch
// then fails.
func (p *Publisher) Retry(ctx context.Context, assetID string) (string, error) {
	failed, err := p.persistence.Executions().LatestFailedForAsset(ctx, assetID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrNoFailedExecution, assetID)
		}

		return "", fmt.Errorf("failed to look up failed execution: %w", err)
	}

	err = p.persistence.Assets().IncrementRetryCount(ctx, assetID)
	if err != nil {
		return "", fmt.Errorf("failed to increment retry count: %w", err)
	}

	opts := TriggerOptions{}
	if failed.Input != nil {
		opts = TriggerOptions{
			DestinationIDs: failed.Input.DestinationIDs,
			ScheduledTime:  failed.Input.ScheduledTime,
			Priority:       failed.Input.Priority,
		}
	}

	return p.Trigger(ctx, assetID, failed.WorkflowKind, opts)
}

// Cancel asks the engine to stop a run. Cancellation is best effort: a
// rejection from the engine returns (false, nil) and local state is left
// untouched. On acceptance the execution is moved to cancelled unless a
// callback already closed it.
func (p *Publisher) Cancel(ctx context.Context, externalRunID string) (bool, error) {
	execution, err := p.persistence.Executions().GetByExternalRunID(ctx, externalRunID)
	if err != nil {
		return false, fmt.Errorf("failed to look up execution: %w", err)
	}

	err = p.engine.CancelRun(ctx, externalRunID)
	if err != nil {
		if errors.Is(err, engine.ErrCancelRejected) {
			p.logger.Warn("engine rejected cancellation", "external_run_id", externalRunID)

			return false, nil
		}

		return false, fmt.Errorf("cancel request failed: %w", err)
	}

	applied, err := p.persistence.Executions().MarkCancelled(ctx, externalRunID, p.now())
	if err != nil {
		return false, fmt.Errorf("failed to mark execution cancelled: %w", err)
	}

	if !applied {
		p.logger.Info("execution already terminal, cancellation not recorded",
			"external_run_id", externalRunID)

		return true, nil
	}

	p.publishEvent(ctx, execution.AssetID, events.ExecutionCancelled{
		BaseEvent:     p.newBaseEvent(events.ExecutionCancelledEvent, execution.AssetID, execution.ID),
		ExternalRunID: externalRunID,
	})

	return true, nil
}

func (p *Publisher) pause(ctx context.Context) error {
	if p.dispatchDelay <= 0 {
		return nil
	}

	timer := time.NewTimer(p.dispatchDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Publisher) newBaseEvent(eventType events.EventType, assetID, executionID string) events.BaseEvent {
	return events.BaseEvent{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Type:        eventType,
		Timestamp:   p.now(),
		AssetID:     assetID,
		ExecutionID: executionID,
	}
}

func (p *Publisher) publishEvent(ctx context.Context, key string, event eventbus.Event) {
	if p.eventBus == nil {
		return
	}

	err := p.eventBus.Publish(ctx, key, event)
	if err != nil {
		p.logger.Warn("failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// selectDestinations filters the asset's destinations down to the requested
// ids. An empty selection means all of them.
func selectDestinations(destinations []*models.Destination, ids []string) []*models.Destination {
	if len(ids) == 0 {
		return destinations
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	selected := make([]*models.Destination, 0, len(ids))

	for _, destination := range destinations {
		if wanted[destination.ID] {
			selected = append(selected, destination)
		}
	}

	return selected
}

func destinationIDs(destinations []*models.Destination) []string {
	ids := make([]string, 0, len(destinations))
	for _, destination := range destinations {
		ids = append(ids, destination.ID)
	}

	return ids
}
