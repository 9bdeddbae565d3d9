package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/handlers"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/metrics"
	"github.com/soltixdb/pgbalancer/internal/middleware"
)

// Setup configures all routes and middlewares. m may be nil when metrics
// are disabled.
func Setup(app *fiber.App, logger *logging.Logger, h *handlers.Handler, m *metrics.Metrics, cfg config.Config) {
	// Global middlewares
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key,X-Request-ID",
	}))
	app.Use(logging.FiberMiddleware(logger, "/health", cfg.Metrics.Path))

	// Health check and metrics (no auth required)
	app.Get("/health", h.Health)
	if m != nil && cfg.Metrics.Enabled {
		app.Get(cfg.Metrics.Path, adaptor.HTTPHandler(m.Handler()))
	}

	authMiddleware := middleware.APIKeyAuth(logger, cfg.Auth.APIKeys, cfg.Auth.Enabled)
	v1 := app.Group("/v1", authMiddleware)

	// Balancer
	b := v1.Group("/balancer")
	b.Get("/status", h.BalancerStatus)
	b.Put("/mode", h.SetMode)
	b.Post("/on", h.BalancerOn)
	b.Post("/off", h.BalancerOff)
	b.Get("/eval/:plan?", h.Evaluate)
	b.Post("/reweight", h.Reweight)
	b.Get("/history", h.History)

	// Plan registry
	b.Delete("/plans", h.ResetPlans)
	b.Get("/plans/:plan", h.ShowPlan)
	b.Delete("/plans/:plan", h.RemovePlan)
	b.Get("/plans/:plan/dump", h.DumpPlan)
	b.Post("/plans/:plan/optimize", h.Optimize)
	b.Post("/plans/:plan/execute", h.ExecutePlan)

	settingsRoutes(b, h.BalancerSettings())

	// Latency watcher
	w := v1.Group("/watcher")
	w.Get("/status", h.WatcherStatus)
	w.Post("/on", h.WatcherOn)
	w.Post("/off", h.WatcherOff)
	w.Post("/mute", h.WatcherMute)
	w.Post("/unmute", h.WatcherUnmute)
	w.Post("/debug/:state", h.WatcherDebug)
	w.Post("/cycle", h.WatcherCycle)

	settingsRoutes(w, h.WatcherSettings())

	// 404 handler
	app.Use(h.NotFound)
}

func settingsRoutes(r fiber.Router, s *handlers.SettingsHandler) {
	r.Get("/config", s.Dump)
	r.Post("/config/init", s.Init)
	r.Get("/config/:key", s.Get)
	r.Put("/config/:key", s.Set)
	r.Delete("/config/:key", s.Reset)
}

// New creates a new Fiber app with configuration
func New(logger *logging.Logger, h *handlers.Handler, m *metrics.Metrics, cfg config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "pgbalancer",
		DisableStartupMessage: true,
		Immutable:             true,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	Setup(app, logger, h, m, cfg)

	return app
}
