// Package events defines event types for publishing execution lifecycle
// notifications. The dashboard subscribes to these for live status updates.
package events

import (
	"time"

	"github.com/postflow/postflow/pkg/models"
)

type EventType string

// Topic is the bus topic all publishing lifecycle events share.
const Topic = "postflow.publishing.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionDispatchedEvent EventType = "publishing.execution.dispatched"
	ExecutionCompletedEvent  EventType = "publishing.execution.completed"
	ExecutionFailedEvent     EventType = "publishing.execution.failed"
	ExecutionCancelledEvent  EventType = "publishing.execution.cancelled"
	DispatchFailedEvent      EventType = "publishing.dispatch.failed"
)

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AssetID     string    `json:"asset_id"`
	ExecutionID string    `json:"execution_id"`
}

// ExecutionDispatched fires when the engine accepts a dispatch and assigns a
// run id.
type ExecutionDispatched struct {
	BaseEvent

	WorkflowKind  models.WorkflowKind `json:"workflow_kind"`
	ExternalRunID string              `json:"external_run_id"`
}

func (e ExecutionDispatched) GetType() EventType {
	return ExecutionDispatchedEvent
}

// ExecutionCompleted fires when a completion callback reconciles successfully.
type ExecutionCompleted struct {
	BaseEvent

	ExternalRunID string         `json:"external_run_id"`
	Output        map[string]any `json:"output,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

// ExecutionFailed fires when a callback reports a remote failure.
type ExecutionFailed struct {
	BaseEvent

	ExternalRunID string `json:"external_run_id"`
	Error         string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

// ExecutionCancelled fires when a cancellation is accepted by the engine.
type ExecutionCancelled struct {
	BaseEvent

	ExternalRunID string `json:"external_run_id"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

// DispatchFailed fires when the HTTP dispatch to the engine fails, or when
// the reconciliation sweep closes an unconfirmed dispatch.
type DispatchFailed struct {
	BaseEvent

	WorkflowKind models.WorkflowKind `json:"workflow_kind"`
	Error        string              `json:"error"`
}

func (e DispatchFailed) GetType() EventType {
	return DispatchFailedEvent
}
