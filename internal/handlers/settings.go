package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/pgbalancer/internal/models"
	"github.com/soltixdb/pgbalancer/internal/services"
)

// SettingsHandler serves the cfg commands of one component
type SettingsHandler struct {
	h   *Handler
	svc *services.SettingsService
}

// Dump returns every option as a nested tree
// GET .../config
func (s *SettingsHandler) Dump(c *fiber.Ctx) error {
	return c.JSON(s.svc.Dump())
}

// Get returns one option
// GET .../config/:key
func (s *SettingsHandler) Get(c *fiber.Ctx) error {
	key := c.Params("key")
	v, err := s.svc.Get(key)
	if err != nil {
		return s.h.fail(c, err)
	}
	return c.JSON(fiber.Map{"key": key, "value": v})
}

// Set validates and persists one option
// PUT .../config/:key
func (s *SettingsHandler) Set(c *fiber.Ctx) error {
	var req models.SettingRequest
	if err := c.BodyParser(&req); err != nil {
		return s.h.badRequest(c, err)
	}
	key := c.Params("key")
	if err := s.svc.Set(c.UserContext(), key, &req); err != nil {
		return s.h.fail(c, err)
	}
	return ok(c, key+" set")
}

// Reset restores the default of one option
// DELETE .../config/:key
func (s *SettingsHandler) Reset(c *fiber.Ctx) error {
	key := c.Params("key")
	if err := s.svc.Reset(c.UserContext(), key); err != nil {
		return s.h.fail(c, err)
	}
	return ok(c, key+" reset")
}

// Init persists the defaults of every option missing from the store
// POST .../config/init
func (s *SettingsHandler) Init(c *fiber.Ctx) error {
	if err := s.svc.Init(c.UserContext()); err != nil {
		return s.h.fail(c, err)
	}
	return ok(c, "config initialized")
}
