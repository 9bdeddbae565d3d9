package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/pgbalancer/internal/models"
)

// Health reports liveness plus the state of the balancer loop and the
// latency watcher
func (h *Handler) Health(c *fiber.Ctx) error {
	resp := models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
	}
	if h.balancer != nil {
		st := h.balancer.Status()
		resp.Balancer = &models.ComponentHealth{Running: st.Running, Active: st.Active, Mode: st.Mode}
	}
	if h.watcher != nil {
		st := h.watcher.Status()
		resp.Watcher = &models.ComponentHealth{Running: st.Active, Active: st.Active && !st.DryRun, Mode: st.Strategy}
	}
	return c.JSON(resp)
}

// NotFound answers every unmatched route
func (h *Handler) NotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    "NOT_FOUND",
			Message: "Route not found",
			Path:    c.Path(),
		},
	})
}
