package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/dispatch-desk/internal/observability"
	"github.com/spec-kit/dispatch-desk/internal/service"
)

// DashboardHandler serves aggregated figures.
type DashboardHandler struct {
	service *service.DashboardService
	metrics *observability.Metrics
}

// NewDashboardHandler constructs handler.
func NewDashboardHandler(dashboardService *service.DashboardService, metrics *observability.Metrics) *DashboardHandler {
	return &DashboardHandler{service: dashboardService, metrics: metrics}
}

// Stats GET /dashboard/metrics.
func (h *DashboardHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": stats})
}

// Counters GET /dashboard/counters exposes the in-process request and
// triage counters.
func (h *DashboardHandler) Counters(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.metrics.Snapshot()})
}
