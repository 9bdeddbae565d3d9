package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
)

// WatcherStatus returns the watcher flags and the last cycle report
// GET /v1/watcher/status
func (h *Handler) WatcherStatus(c *fiber.Ctx) error {
	return c.JSON(h.watcher.Status())
}

// WatcherOn enables the watcher
// POST /v1/watcher/on
func (h *Handler) WatcherOn(c *fiber.Ctx) error {
	return h.toggle(c, h.watcher.SetActive, true, "watcher on")
}

// WatcherOff disables the watcher and clears its windows
// POST /v1/watcher/off
func (h *Handler) WatcherOff(c *fiber.Ctx) error {
	return h.toggle(c, h.watcher.SetActive, false, "watcher off")
}

// WatcherMute keeps the watcher deciding without applying anything
// POST /v1/watcher/mute
func (h *Handler) WatcherMute(c *fiber.Ctx) error {
	return h.toggle(c, h.watcher.SetMuted, true, "watcher muted")
}

// WatcherUnmute lets the watcher apply its decisions again
// POST /v1/watcher/unmute
func (h *Handler) WatcherUnmute(c *fiber.Ctx) error {
	return h.toggle(c, h.watcher.SetMuted, false, "watcher unmuted")
}

// WatcherDebug turns per-cycle tracing on or off
// POST /v1/watcher/debug/:state
func (h *Handler) WatcherDebug(c *fiber.Ctx) error {
	switch c.Params("state") {
	case "on":
		return h.toggle(c, h.watcher.SetDebug, true, "debug on")
	case "off":
		return h.toggle(c, h.watcher.SetDebug, false, "debug off")
	}
	return h.NotFound(c)
}

// WatcherCycle runs one watcher cycle now
// POST /v1/watcher/cycle
func (h *Handler) WatcherCycle(c *fiber.Ctx) error {
	report, err := h.watcher.RunCycle(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(report)
}

// WatcherSettings returns the settings handlers of the watcher
func (h *Handler) WatcherSettings() *SettingsHandler {
	return &SettingsHandler{h: h, svc: h.watcher.Settings()}
}

func (h *Handler) toggle(c *fiber.Ctx, fn func(context.Context, bool) error, on bool, message string) error {
	if err := fn(c.UserContext(), on); err != nil {
		return h.fail(c, err)
	}
	return ok(c, message)
}
