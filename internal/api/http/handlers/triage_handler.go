package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/dispatch-desk/internal/api/dto"
	"github.com/spec-kit/dispatch-desk/internal/service"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

// TriageHandler runs the triage pipeline on request.
type TriageHandler struct {
	service *service.TriageService
}

// NewTriageHandler constructs handler.
func NewTriageHandler(triageService *service.TriageService) *TriageHandler {
	return &TriageHandler{service: triageService}
}

// Triage POST /tickets/:id/triage.
func (h *TriageHandler) Triage(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	outcome, err := h.service.Triage(c.UserContext(), actor, c.Params("id"), nil)
	if err != nil {
		return err
	}
	resp := dto.TriageResponse{
		Ticket:   outcome.Ticket,
		Analysis: outcome.Analysis,
		HeroID:   outcome.HeroID,
		Mission:  outcome.Mission,
		Summary:  outcome.Summary(),
		Notices:  outcome.Notices,
		Warnings: outcome.Warnings,
	}
	if outcome.Partial != nil {
		partial := apperrors.ToDomainError(outcome.Partial)
		resp.Partial = &dto.ErrorBody{Code: partial.Code, Message: partial.Message, Details: partial.Details}
	}
	return c.JSON(fiber.Map{"data": resp})
}
