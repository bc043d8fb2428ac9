package handlers

import (
	"time"

	"devscreen/internal/hitl"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	coordinator *hitl.Coordinator
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(coordinator *hitl.Coordinator) *HealthHandler {
	return &HealthHandler{coordinator: coordinator}
}

// Handle responds with server health status. single_instance is true when the
// review queue lives in this process only.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":          "healthy",
		"connections":     h.coordinator.Registry().Count(),
		"single_instance": h.coordinator.SingleInstance(),
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}
