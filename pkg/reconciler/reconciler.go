// Package reconciler closes dispatch gaps. A dispatch that was sent but
// never confirmed leaves an execution stuck in started with no run id to
// match a callback against; the sweep marks those executions failed after a
// cutoff so their assets become retryable again.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/postflow/postflow/pkg/eventbus"
	"github.com/postflow/postflow/pkg/events"
	"github.com/postflow/postflow/pkg/models"
	"github.com/postflow/postflow/pkg/persistence"
)

const (
	// DefaultSchedule runs the sweep every five minutes.
	DefaultSchedule = "*/5 * * * *"

	// DefaultStaleAfter is how long an execution may sit in started before
	// the sweep closes it. It comfortably exceeds the dispatch timeout.
	DefaultStaleAfter = 15 * time.Minute

	staleError = "dispatch never confirmed by engine"
)

// Reconciler periodically sweeps executions stuck in started.
type Reconciler struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
	schedule    string
	staleAfter  time.Duration
	now         func() time.Time
	cron        *cron.Cron
}

func NewReconciler(persistence persistence.Persistence, eventBus eventbus.EventPublisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		persistence: persistence,
		eventBus:    eventBus,
		logger:      logger.With("module", "reconciler"),
		schedule:    DefaultSchedule,
		staleAfter:  DefaultStaleAfter,
		now:         time.Now,
	}
}

// WithSchedule overrides the cron expression of the sweep.
func (r *Reconciler) WithSchedule(schedule string) *Reconciler {
	r.schedule = schedule

	return r
}

// WithStaleAfter overrides the cutoff age.
func (r *Reconciler) WithStaleAfter(staleAfter time.Duration) *Reconciler {
	r.staleAfter = staleAfter

	return r
}

// WithClock overrides the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now

	return r
}

// Start schedules the sweep and returns. Stop tears it down.
func (r *Reconciler) Start(ctx context.Context) error {
	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", r.schedule, err)
	}

	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := r.cron.AddFunc(r.schedule, func() {
		if err := r.Sweep(ctx); err != nil {
			r.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	r.cron.Start()
	r.logger.Info("reconciler started", "schedule", r.schedule, "stale_after", r.staleAfter)

	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}

	<-r.cron.Stop().Done()
	r.logger.Info("reconciler stopped")
}

// Sweep closes every execution that has sat in started past the cutoff. The
// matching asset is marked failed so the dashboard surfaces it and a retry
// can pick it up. Errors on one execution are logged and do not stop the
// sweep.
func (r *Reconciler) Sweep(ctx context.Context) error {
	cutoff := r.now().Add(-r.staleAfter)

	stale, err := r.persistence.Executions().ListStaleStarted(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale executions: %w", err)
	}

	if len(stale) == 0 {
		return nil
	}

	r.logger.Info("closing stale executions", "count", len(stale), "cutoff", cutoff)

	for _, execution := range stale {
		applied, err := r.persistence.Executions().Complete(ctx, execution.ID, models.ExecutionStatusFailed, nil, staleError, r.now())
		if err != nil {
			r.logger.Error("failed to close stale execution", "execution_id", execution.ID, "error", err)

			continue
		}

		if !applied {
			// A late callback won the race; nothing to do.
			continue
		}

		err = r.persistence.Assets().MarkFailed(ctx, execution.AssetID, staleError)
		if err != nil && !persistence.IsAssetNotFound(err) {
			r.logger.Error("failed to mark asset failed", "asset_id", execution.AssetID, "error", err)
		}

		r.publishEvent(ctx, execution.AssetID, execution.ID, execution.WorkflowKind)
	}

	return nil
}

func (r *Reconciler) publishEvent(ctx context.Context, assetID, executionID string, kind models.WorkflowKind) {
	if r.eventBus == nil {
		return
	}

	event := events.DispatchFailed{
		BaseEvent: events.BaseEvent{
			ID:          uuid.Must(uuid.NewV7()).String(),
			Type:        events.DispatchFailedEvent,
			Timestamp:   r.now(),
			AssetID:     assetID,
			ExecutionID: executionID,
		},
		WorkflowKind: kind,
		Error:        staleError,
	}

	if err := r.eventBus.Publish(ctx, assetID, event); err != nil {
		r.logger.Warn("failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
