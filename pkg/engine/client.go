// Package engine provides the HTTP client for the external workflow
// automation engine. Dispatches and cancellations are authenticated with a
// shared secret header; completion flows back asynchronously through the
// signed callback endpoint, not through this client.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/postflow/postflow/pkg/models"
)

// DefaultTimeout bounds every call to the engine. A dispatch that exceeds it
// is a dispatch failure, never a success.
const DefaultTimeout = 30 * time.Second

const secretHeader = "X-Webhook-Secret"

// ErrCancelRejected indicates the engine refused a cancellation request.
var ErrCancelRejected = errors.New("engine rejected cancellation")

// DispatchError wraps a failed dispatch with the HTTP status when one was
// received. StatusCode is zero for transport-level failures.
type DispatchError struct {
	WorkflowKind models.WorkflowKind
	StatusCode   int
	Err          error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch of %s failed with status %d: %v", e.WorkflowKind, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("dispatch of %s failed: %v", e.WorkflowKind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// DispatchRequest is the outbound trigger payload. Metadata carries the local
// execution id as an idempotency key so a callback can be matched even if the
// engine-assigned run id is lost.
type DispatchRequest struct {
	AssetID       string              `json:"assetId"`
	WorkflowType  models.WorkflowKind `json:"workflowType"`
	Destinations  []string            `json:"destinations"`
	ScheduledTime *time.Time          `json:"scheduledTime,omitempty"`
	Metadata      DispatchMetadata    `json:"metadata"`
}

// DispatchMetadata is the snapshot the engine echoes back in callbacks.
type DispatchMetadata struct {
	ExecutionID  string                `json:"executionId"`
	Asset        *models.Asset         `json:"asset,omitempty"`
	Destinations []*models.Destination `json:"destinations,omitempty"`
	Priority     int                   `json:"priority,omitempty"`
}

type dispatchResponse struct {
	ExecutionID string `json:"executionId"`
}

// Client talks to the automation engine over HTTP.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates an engine client with the default timeout.
func NewClient(baseURL, secret string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  logger,
	}
}

// WithHTTPClient overrides the underlying HTTP client. Tests use this to
// shorten timeouts.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.http = httpClient

	return c
}

// Dispatch POSTs a trigger request to the engine's webhook endpoint for the
// workflow kind and returns the engine-assigned run identifier.
func (c *Client) Dispatch(ctx context.Context, kind models.WorkflowKind, request DispatchRequest) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", &DispatchError{WorkflowKind: kind, Err: fmt.Errorf("failed to marshal dispatch request: %w", err)}
	}

	url := c.baseURL + "/" + string(kind)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &DispatchError{WorkflowKind: kind, Err: fmt.Errorf("failed to create dispatch request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &DispatchError{WorkflowKind: kind, Err: fmt.Errorf("dispatch request failed: %w", err)}
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Error("failed to close response body", "error", closeErr)
		}
	}()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &DispatchError{WorkflowKind: kind, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read dispatch response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &DispatchError{WorkflowKind: kind, StatusCode: resp.StatusCode, Err: fmt.Errorf("engine returned %s", resp.Status)}
	}

	var parsed dispatchResponse

	err = json.Unmarshal(responseBody, &parsed)
	if err != nil {
		return "", &DispatchError{WorkflowKind: kind, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode dispatch response: %w", err)}
	}

	if parsed.ExecutionID == "" {
		return "", &DispatchError{WorkflowKind: kind, StatusCode: resp.StatusCode, Err: errors.New("dispatch response missing executionId")}
	}

	return parsed.ExecutionID, nil
}

// CancelRun asks the engine to stop a run. Rejection is reported as
// ErrCancelRejected so callers can treat it as best-effort.
func (c *Client) CancelRun(ctx context.Context, externalRunID string) error {
	url := c.baseURL + "/executions/" + externalRunID + "/stop"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create cancel request: %w", err)
	}

	req.Header.Set(secretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Error("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: engine returned %s", ErrCancelRejected, resp.Status)
	}

	return nil
}
