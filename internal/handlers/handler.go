package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/models"
	"github.com/soltixdb/pgbalancer/internal/services"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Handler contains all HTTP handlers
type Handler struct {
	logger   *logging.Logger
	balancer *services.BalancerService
	watcher  *services.WatcherService
}

// New creates a new handler instance
func New(logger *logging.Logger, balancer *services.BalancerService, watcher *services.WatcherService) *Handler {
	return &Handler{
		logger:   logger,
		balancer: balancer,
		watcher:  watcher,
	}
}

// statusFor maps a service error code onto an HTTP status
func statusFor(code string) int {
	switch code {
	case services.CodeInvalidRequest, services.CodeInvalidValue, services.CodeInvalidWeight, services.CodeUnknownMode:
		return fiber.StatusBadRequest
	case services.CodePlanNotFound, services.CodeUnknownKey, services.CodeUnknownClass:
		return fiber.StatusNotFound
	case services.CodePlanClaimed:
		return fiber.StatusConflict
	case services.CodeCommandFailed:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

// fail writes err as an ErrorResponse
func (h *Handler) fail(c *fiber.Ctx, err error) error {
	var svcErr *services.ServiceError
	if !errors.As(err, &svcErr) {
		svcErr = services.NewServiceError(services.CodeInternal, err.Error())
	}
	status := statusFor(svcErr.Code)
	if status >= fiber.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.Path(), "code", svcErr.Code, "error", svcErr.Message)
	}
	return c.Status(status).JSON(models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    svcErr.Code,
			Message: svcErr.Message,
			Path:    c.Path(),
			Details: svcErr.Details,
		},
	})
}

// badRequest reports a malformed request body
func (h *Handler) badRequest(c *fiber.Ctx, err error) error {
	return h.fail(c, services.NewServiceError(services.CodeInvalidRequest, "Invalid request body: "+err.Error()))
}

func ok(c *fiber.Ctx, message string) error {
	return c.JSON(models.MessageResponse{Message: message})
}
