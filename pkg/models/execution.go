// Package models defines the core domain models for publishing workflow orchestration.
package models

import "time"

// WorkflowKind identifies which automation-engine workflow a dispatch targets.
type WorkflowKind string

const (
	WorkflowKindPublishSingle WorkflowKind = "publish-single-item"
	WorkflowKindPublishMulti  WorkflowKind = "publish-multi-item"
	WorkflowKindSchedulePost  WorkflowKind = "schedule-post"
	WorkflowKindBatchPublish  WorkflowKind = "batch-publish"
)

// Valid reports whether the kind is one the automation engine knows about.
func (k WorkflowKind) Valid() bool {
	switch k {
	case WorkflowKindPublishSingle, WorkflowKindPublishMulti, WorkflowKindSchedulePost, WorkflowKindBatchPublish:
		return true
	default:
		return false
	}
}

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusStarted   ExecutionStatus = "started"   // Created locally, dispatch not yet acknowledged
	ExecutionStatusRunning   ExecutionStatus = "running"   // Accepted by the automation engine
	ExecutionStatusCompleted ExecutionStatus = "completed" // Terminal
	ExecutionStatusFailed    ExecutionStatus = "failed"    // Terminal
	ExecutionStatusCancelled ExecutionStatus = "cancelled" // Terminal
)

// IsTerminal reports whether the status is a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// TriggerInput captures the dispatch parameters of an execution. It is retained
// verbatim so a retry re-dispatches with the original input.
type TriggerInput struct {
	DestinationIDs []string   `json:"destination_ids,omitempty"`
	ScheduledTime  *time.Time `json:"scheduled_time,omitempty"`
	Priority       int        `json:"priority,omitempty"`
}

// WorkflowExecution is the append-mostly audit record of one dispatched
// automation-engine run. It is created by the trigger path, moved to a
// terminal state by the callback path or by an explicit cancel, and never
// deleted.
type WorkflowExecution struct {
	ID            string          `json:"id"`
	AssetID       string          `json:"asset_id"`
	WorkflowKind  WorkflowKind    `json:"workflow_kind"`
	ExternalRunID string          `json:"external_run_id,omitempty"` // Assigned by the engine once accepted
	Status        ExecutionStatus `json:"status"`
	Input         *TriggerInput   `json:"input,omitempty"`
	Output        map[string]any  `json:"output,omitempty"`
	ErrorDetail   string          `json:"error_detail,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMS    *int64          `json:"duration_ms,omitempty"`
}

// Finish moves the execution into a terminal state and derives the duration.
func (e *WorkflowExecution) Finish(status ExecutionStatus, output map[string]any, errDetail string, at time.Time) {
	e.Status = status
	e.Output = output
	e.ErrorDetail = errDetail
	e.CompletedAt = &at

	ms := at.Sub(e.StartedAt).Milliseconds()
	e.DurationMS = &ms
}
