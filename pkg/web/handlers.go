// Package web provides the operator-facing HTTP API: loop control, manual
// triggering, flow management and session inspection.
package web

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
	"github.com/zapflow/zapflow/pkg/services"
)

type APIHandlers struct {
	service     *services.Service
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(service *services.Service, p persistence.Persistence) *APIHandlers {
	return &APIHandlers{
		service:     service,
		persistence: p,
		validator:   validator.New(),
	}
}

// Register mounts the API routes on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Post("/conversations/:id/start", h.StartConversationLoop)
	app.Post("/conversations/:id/stop", h.StopConversationLoop)
	app.Get("/conversations/running", h.ListRunningLoops)

	app.Post("/contacts/:id/trigger", h.TriggerFlow)
	app.Post("/contacts/:id/read", h.MarkRead)

	app.Get("/flows/:id", h.GetFlow)
	app.Post("/flows", h.SaveFlow)
	app.Delete("/flows/:id", h.DeleteFlow)

	app.Get("/sessions/:id", h.GetSession)
	app.Post("/sessions/:id/pause", h.PauseSession)
	app.Post("/sessions/:id/resume", h.ResumeSession)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":    "unhealthy",
			"timestamp": time.Now().UTC(),
		})
	}

	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) StartConversationLoop(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Conversation ID is required")
	}

	err := h.service.StartConversationLoop(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "running"})
}

func (h *APIHandlers) StopConversationLoop(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Conversation ID is required")
	}

	h.service.StopConversationLoop(c.Context(), id)

	return c.JSON(fiber.Map{"status": "stopped"})
}

func (h *APIHandlers) ListRunningLoops(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"running": h.service.ListRunningLoops()})
}

type triggerFlowRequest struct {
	FlowID string `json:"flow_id"`
}

func (h *APIHandlers) TriggerFlow(c fiber.Ctx) error {
	contactID := c.Params("id")
	if contactID == "" {
		return badRequest(c, "Contact ID is required")
	}

	var req triggerFlowRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	err := h.service.TriggerFlow(c.Context(), contactID, req.FlowID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "triggered"})
}

func (h *APIHandlers) MarkRead(c fiber.Ctx) error {
	contactID := c.Params("id")
	if contactID == "" {
		return badRequest(c, "Contact ID is required")
	}

	err := h.service.MarkRead(c.Context(), contactID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	flow, err := h.persistence.Flows().FlowByID(c.Context(), id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "Flow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) SaveFlow(c fiber.Ctx) error {
	var flow models.Flow
	if err := c.Bind().JSON(&flow); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	err := h.service.SaveFlow(c.Context(), &flow)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(flow)
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	err := h.persistence.Flows().DeleteFlow(c.Context(), id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "Flow not found")
		}

		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetSession(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Session ID is required")
	}

	session, err := h.persistence.Sessions().SessionByID(c.Context(), id)
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "Session not found")
		}

		return internalError(c, err)
	}

	return c.JSON(session)
}

func (h *APIHandlers) PauseSession(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Session ID is required")
	}

	err := h.service.PauseSession(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"status": "paused"})
}

func (h *APIHandlers) ResumeSession(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Session ID is required")
	}

	err := h.service.ResumeSession(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"status": "active"})
}
