package models

import "time"

// DestinationStatus represents the per-platform publishing outcome.
type DestinationStatus string

const (
	DestinationStatusPending   DestinationStatus = "pending"
	DestinationStatusPublished DestinationStatus = "published"
	DestinationStatusFailed    DestinationStatus = "failed"
)

// Destination is one target platform/account pairing for an asset. Once a
// completion callback references a destination, the callback path owns its
// status fields.
type Destination struct {
	ID                 string            `json:"id"`
	AssetID            string            `json:"asset_id"`
	AccountID          string            `json:"account_id"`
	Platform           string            `json:"platform"`
	Status             DestinationStatus `json:"status"`
	PlatformPostID     string            `json:"platform_post_id,omitempty"` // External post identifier, set on publish
	PublishingAttempts int               `json:"publishing_attempts"`
	ErrorMessage       string            `json:"error_message,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}
