package models

import "time"

// AssetStatus represents the publishing lifecycle state of a content asset.
type AssetStatus string

const (
	AssetStatusDraft      AssetStatus = "draft"
	AssetStatusInReview   AssetStatus = "in_review"
	AssetStatusScheduled  AssetStatus = "scheduled"
	AssetStatusQueued     AssetStatus = "queued"     // Dispatch recorded, waiting for the engine
	AssetStatusPublishing AssetStatus = "publishing" // Engine acknowledged and is working
	AssetStatusPublished  AssetStatus = "published"
	AssetStatusFailed     AssetStatus = "failed"
	AssetStatusArchived   AssetStatus = "archived"
)

// Asset is the subset of a content asset relevant to publishing orchestration.
// CurrentExecutionID points at the active or most recent execution; it is a
// back-reference, not an ownership link.
type Asset struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"          validate:"required,min=1"`
	Owner              string      `json:"owner"`
	Status             AssetStatus `json:"status"`
	CurrentExecutionID string      `json:"current_execution_id,omitempty"`
	ExternalRunID      string      `json:"external_run_id,omitempty"`
	RetryCount         int         `json:"retry_count"`
	LastError          string      `json:"last_error,omitempty"`
	PublishedAt        *time.Time  `json:"published_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}
