// Package web provides the HTTP handlers for publishing orchestration: asset
// registration, dispatch, retry, cancel and the signed engine callback.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/postflow/postflow/pkg/models"
	"github.com/postflow/postflow/pkg/persistence"
	"github.com/postflow/postflow/pkg/services"
	"github.com/postflow/postflow/pkg/signature"
)

const (
	signatureHeader = "X-Signature"
	timestampHeader = "X-Timestamp"
)

type APIHandlers struct {
	publisher   *services.Publisher
	callbacks   *services.Callbacks
	persistence persistence.Persistence
	verifier    *signature.Verifier
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	publisher *services.Publisher,
	callbacks *services.Callbacks,
	persistence persistence.Persistence,
	verifier *signature.Verifier,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		publisher:   publisher,
		callbacks:   callbacks,
		persistence: persistence,
		verifier:    verifier,
		validator:   validator,
		logger:      logger.With("module", "web"),
	}
}

func (h *APIHandlers) CreateAsset(c fiber.Ctx) error {
	var req CreateAssetRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	asset := &models.Asset{
		ID:     uuid.Must(uuid.NewV7()).String(),
		Name:   req.Name,
		Owner:  req.Owner,
		Status: models.AssetStatusDraft,
	}

	err := h.persistence.InTransaction(c.Context(), func(tx persistence.Persistence) error {
		if err := tx.Assets().Create(c.Context(), asset); err != nil {
			return err
		}

		for _, destination := range req.Destinations {
			err := tx.Destinations().Create(c.Context(), &models.Destination{
				ID:        uuid.Must(uuid.NewV7()).String(),
				AssetID:   asset.ID,
				AccountID: destination.AccountID,
				Platform:  destination.Platform,
				Status:    models.DestinationStatusPending,
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(asset)
}

// Route params returned by fiber alias a per-request buffer that is reused
// for the next request, so every handler clones them before the value can
// escape (e.g. into the persistence layer).
func (h *APIHandlers) GetAsset(c fiber.Ctx) error {
	id := strings.Clone(c.Params("id"))
	if id == "" {
		return badRequest(c, "Asset ID is required")
	}

	asset, err := h.persistence.Assets().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsAssetNotFound(err) {
			return notFound(c, "Asset not found")
		}

		return internalError(c, err)
	}

	destinations, err := h.persistence.Destinations().ListForAsset(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"asset":        asset,
		"destinations": destinations,
	})
}

func (h *APIHandlers) ListAssetExecutions(c fiber.Ctx) error {
	id := strings.Clone(c.Params("id"))
	if id == "" {
		return badRequest(c, "Asset ID is required")
	}

	if _, err := h.persistence.Assets().GetByID(c.Context(), id); err != nil {
		if persistence.IsAssetNotFound(err) {
			return notFound(c, "Asset not found")
		}

		return internalError(c, err)
	}

	executions, err := h.persistence.Executions().ListForAsset(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"executions": executions})
}

func (h *APIHandlers) TriggerAsset(c fiber.Ctx) error {
	id := strings.Clone(c.Params("id"))
	if id == "" {
		return badRequest(c, "Asset ID is required")
	}

	var req TriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	executionID, err := h.publisher.Trigger(c.Context(), id, models.WorkflowKind(req.WorkflowKind), services.TriggerOptions{
		DestinationIDs: req.DestinationIDs,
		ScheduledTime:  req.ScheduledTime,
		Priority:       req.Priority,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TriggerResponse{ExecutionID: executionID})
}

func (h *APIHandlers) BatchTrigger(c fiber.Ctx) error {
	var req BatchTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	results, err := h.publisher.BatchTrigger(c.Context(), req.AssetIDs, models.WorkflowKind(req.WorkflowKind), services.BatchOptions{
		ScheduledTime:  req.ScheduledTime,
		StaggerMinutes: req.StaggerMinutes,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	entries := make([]BatchEntryResponse, 0, len(results))

	for _, result := range results {
		entry := BatchEntryResponse{
			AssetID:     result.AssetID,
			ExecutionID: result.ExecutionID,
		}
		if result.Err != nil {
			entry.Error = result.Err.Error()
		}

		entries = append(entries, entry)
	}

	return c.JSON(fiber.Map{"results": entries})
}

func (h *APIHandlers) RetryAsset(c fiber.Ctx) error {
	id := strings.Clone(c.Params("id"))
	if id == "" {
		return badRequest(c, "Asset ID is required")
	}

	executionID, err := h.publisher.Retry(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TriggerResponse{ExecutionID: executionID})
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	runID := strings.Clone(c.Params("runId"))
	if runID == "" {
		return badRequest(c, "Run ID is required")
	}

	cancelled, err := h.publisher.Cancel(c.Context(), runID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(CancelResponse{Cancelled: cancelled})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := strings.Clone(c.Params("id"))
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.persistence.Executions().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return notFound(c, "Execution not found")
		}

		return internalError(c, err)
	}

	return c.JSON(execution)
}

// EngineCallback receives completion notifications from the automation
// engine. Authentication happens before any parsing: the signature covers
// timestamp + "." + raw body, so the body must be verified exactly as
// received.
func (h *APIHandlers) EngineCallback(c fiber.Ctx) error {
	body := c.Body()
	sig := c.Get(signatureHeader)
	timestamp := c.Get(timestampHeader)

	if sig == "" || timestamp == "" {
		return unauthorized(c, "Missing signature headers")
	}

	if err := h.verifier.Verify(timestamp, body, sig); err != nil {
		// Potential replay or tampering; log it with the source address.
		h.logger.Warn("rejected callback signature",
			"error", err,
			"remote_ip", c.IP())

		return unauthorized(c, "Invalid signature")
	}

	var req CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.callbacks.HandleCompletion(c.Context(), req.ToPayload(raw)); err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Postflow API is healthy"
	httpStatus := http.StatusOK

	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		message = "Postflow API is unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}
