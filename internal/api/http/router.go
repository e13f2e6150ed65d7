package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/dispatch-desk/internal/api/http/handlers"
	"github.com/spec-kit/dispatch-desk/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Tickets        *handlers.TicketsHandler
	Triage         *handlers.TriageHandler
	Dashboard      *handlers.DashboardHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	protected := app.Group("", cfg.AuthMiddleware.Handle, auth.RequireRole())

	tickets := protected.Group("/tickets")
	tickets.Get("/", cfg.Tickets.ListTickets)
	tickets.Post("/", cfg.Tickets.CreateTicket)
	tickets.Get("/live", cfg.Tickets.Live)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Patch("/:id", cfg.Tickets.UpdateTicket)
	tickets.Get("/:id/messages", cfg.Tickets.ListMessages)
	tickets.Post("/:id/messages", cfg.Tickets.AddMessage)
	tickets.Get("/:id/messages/live", cfg.Tickets.LiveMessages)
	tickets.Post("/:id/triage", auth.RequireElevated(), cfg.Triage.Triage)

	dashboard := protected.Group("/dashboard", auth.RequireElevated())
	dashboard.Get("/metrics", cfg.Dashboard.Stats)
	dashboard.Get("/counters", cfg.Dashboard.Counters)

	protected.Delete("/session", cfg.Tickets.EndSession)
}
