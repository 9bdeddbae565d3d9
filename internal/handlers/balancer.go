package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/pgbalancer/internal/models"
)

// BalancerStatus lists the plans, the active flag and the mode
// GET /v1/balancer/status
func (h *Handler) BalancerStatus(c *fiber.Ctx) error {
	return c.JSON(h.balancer.Status())
}

// SetMode switches the optimizer mode
// PUT /v1/balancer/mode
func (h *Handler) SetMode(c *fiber.Ctx) error {
	var req models.ModeRequest
	if err := c.BodyParser(&req); err != nil {
		return h.badRequest(c, err)
	}
	if err := h.balancer.SetMode(c.UserContext(), &req); err != nil {
		return h.fail(c, err)
	}
	return ok(c, "mode set to "+req.Mode)
}

// BalancerOn enables automatic balancing
// POST /v1/balancer/on
func (h *Handler) BalancerOn(c *fiber.Ctx) error {
	if err := h.balancer.SetActive(c.UserContext(), true); err != nil {
		return h.fail(c, err)
	}
	return ok(c, "balancer on")
}

// BalancerOff disables automatic balancing
// POST /v1/balancer/off
func (h *Handler) BalancerOff(c *fiber.Ctx) error {
	if err := h.balancer.SetActive(c.UserContext(), false); err != nil {
		return h.fail(c, err)
	}
	return ok(c, "balancer off")
}

// Evaluate scores the current cluster, or a plan when :plan is given
// GET /v1/balancer/eval[/:plan]?verbose=true
func (h *Handler) Evaluate(c *fiber.Ctx) error {
	res, err := h.balancer.Evaluate(c.UserContext(), c.Params("plan"), c.QueryBool("verbose", false))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(res)
}

// Optimize creates a plan from the current state and fills it
// POST /v1/balancer/plans/:plan/optimize
func (h *Handler) Optimize(c *fiber.Ctx) error {
	res, err := h.balancer.Optimize(c.UserContext(), c.Params("plan"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(res)
}

// ShowPlan renders a plan as commands
// GET /v1/balancer/plans/:plan
func (h *Handler) ShowPlan(c *fiber.Ctx) error {
	res, err := h.balancer.Show(c.Params("plan"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(res)
}

// DumpPlan returns a plan, or the subtree at ?path=a.b.c
// GET /v1/balancer/plans/:plan/dump
func (h *Handler) DumpPlan(c *fiber.Ctx) error {
	tree, err := h.balancer.Dump(c.Params("plan"), c.Query("path"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(tree)
}

// RemovePlan drops a plan
// DELETE /v1/balancer/plans/:plan
func (h *Handler) RemovePlan(c *fiber.Ctx) error {
	if err := h.balancer.Remove(c.Params("plan")); err != nil {
		return h.fail(c, err)
	}
	return ok(c, "plan removed")
}

// ResetPlans drops every plan
// DELETE /v1/balancer/plans
func (h *Handler) ResetPlans(c *fiber.Ctx) error {
	h.balancer.Reset()
	return ok(c, "all plans removed")
}

// ExecutePlan applies a plan and removes it
// POST /v1/balancer/plans/:plan/execute
func (h *Handler) ExecutePlan(c *fiber.Ctx) error {
	if err := h.balancer.Execute(c.UserContext(), c.Params("plan")); err != nil {
		return h.fail(c, err)
	}
	return ok(c, "plan executed")
}

// Reweight sets the admin weight of every in+up device of a class
// POST /v1/balancer/reweight
func (h *Handler) Reweight(c *fiber.Ctx) error {
	var req models.ReweightRequest
	if err := c.BodyParser(&req); err != nil {
		return h.badRequest(c, err)
	}
	if err := h.balancer.Reweight(c.UserContext(), &req); err != nil {
		return h.fail(c, err)
	}
	return ok(c, "class "+req.Class+" reweighted")
}

// History lists archived plan executions
// GET /v1/balancer/history
func (h *Handler) History(c *fiber.Ctx) error {
	res, err := h.balancer.History(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(res)
}

// BalancerSettings returns the settings handlers of the balancer
func (h *Handler) BalancerSettings() *SettingsHandler {
	return &SettingsHandler{h: h, svc: h.balancer.Settings()}
}
