// Package web provides HTTP request and response types for the publishing API.
package web

import (
	"time"

	"github.com/postflow/postflow/pkg/models"
	"github.com/postflow/postflow/pkg/services"
)

// TriggerRequest is the body for dispatching a single asset.
type TriggerRequest struct {
	WorkflowKind   string     `json:"workflow_kind"             validate:"required"`
	DestinationIDs []string   `json:"destination_ids,omitempty"`
	ScheduledTime  *time.Time `json:"scheduled_time,omitempty"`
	Priority       int        `json:"priority"                  validate:"gte=0"`
}

// BatchTriggerRequest is the body for a staggered batch dispatch.
type BatchTriggerRequest struct {
	AssetIDs       []string   `json:"asset_ids"                validate:"required,min=1,dive,required"`
	WorkflowKind   string     `json:"workflow_kind"            validate:"required"`
	ScheduledTime  *time.Time `json:"scheduled_time,omitempty"`
	StaggerMinutes int        `json:"stagger_minutes"          validate:"gte=0"`
}

// CreateAssetRequest registers an asset and its target destinations.
type CreateAssetRequest struct {
	Name         string                     `json:"name"  validate:"required,min=1"`
	Owner        string                     `json:"owner"`
	Destinations []CreateDestinationRequest `json:"destinations,omitempty" validate:"dive"`
}

// CreateDestinationRequest is one target platform/account pairing.
type CreateDestinationRequest struct {
	AccountID string `json:"account_id" validate:"required"`
	Platform  string `json:"platform"   validate:"required"`
}

// TriggerResponse reports the execution a dispatch created.
type TriggerResponse struct {
	ExecutionID string `json:"execution_id"`
}

// BatchEntryResponse is the per-asset outcome of a batch dispatch.
type BatchEntryResponse struct {
	AssetID     string `json:"asset_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CancelResponse reports whether the engine accepted a cancellation.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// CallbackRequest mirrors the engine's completion notification body. Field
// names follow the engine's wire format, not this API's.
type CallbackRequest struct {
	ExecutionID  string                `json:"executionId"  validate:"required"`
	Status       string                `json:"status"       validate:"required,oneof=completed failed"`
	AssetID      string                `json:"assetId"`
	Destinations []CallbackDestination `json:"destinations" validate:"dive"`
	Error        string                `json:"error"`
}

// CallbackDestination is one per-platform result inside a callback.
type CallbackDestination struct {
	ID             string `json:"id"             validate:"required"`
	Status         string `json:"status"         validate:"required,oneof=published failed"`
	PlatformPostID string `json:"platformPostId"`
	Error          string `json:"error"`
}

// ToPayload converts a decoded callback into the service payload. The raw
// decoded body is preserved as the execution's output.
func (r CallbackRequest) ToPayload(raw map[string]any) services.CompletionPayload {
	destinations := make([]services.DestinationResult, 0, len(r.Destinations))
	for _, destination := range r.Destinations {
		destinations = append(destinations, services.DestinationResult{
			ID:             destination.ID,
			Status:         models.DestinationStatus(destination.Status),
			PlatformPostID: destination.PlatformPostID,
			Error:          destination.Error,
		})
	}

	return services.CompletionPayload{
		ExternalRunID: r.ExecutionID,
		Status:        models.ExecutionStatus(r.Status),
		AssetID:       r.AssetID,
		Destinations:  destinations,
		Error:         r.Error,
		Output:        raw,
	}
}
