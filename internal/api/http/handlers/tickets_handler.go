package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/api/dto"
	"github.com/spec-kit/dispatch-desk/internal/auth"
	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/service"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

const liveHeartbeat = 15 * time.Second

// TicketsHandler serves the caller's ticket view.
type TicketsHandler struct {
	service *service.TicketService
	logger  *zap.Logger
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(ticketService *service.TicketService, logger *zap.Logger) *TicketsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketsHandler{service: ticketService, logger: logger}
}

// ListTickets GET /tickets.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	filter, err := parseTicketQuery(c)
	if err != nil {
		return err
	}
	tickets, err := h.service.List(c.UserContext(), actor, filter)
	if err != nil {
		return err
	}
	counts, err := h.service.Counts(c.UserContext(), actor)
	if err != nil {
		return err
	}
	return c.JSON(dto.TicketListResponse{Data: tickets, Counts: counts})
}

// CreateTicket POST /tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.CreateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	ticket, err := h.service.Create(c.UserContext(), actor, req.Draft())
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": ticket})
}

// GetTicket GET /tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	ticket, err := h.service.Get(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticket})
}

// UpdateTicket PATCH /tickets/:id.
func (h *TicketsHandler) UpdateTicket(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.UpdateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	ticket, err := h.service.Update(c.UserContext(), actor, c.Params("id"), req.Patch())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticket})
}

// ListMessages GET /tickets/:id/messages.
func (h *TicketsHandler) ListMessages(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	msgs, err := h.service.Messages(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": msgs})
}

// AddMessage POST /tickets/:id/messages.
func (h *TicketsHandler) AddMessage(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.CreateMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.Body) == "" {
		return apperrors.NewValidationError("body required", nil)
	}
	msg, err := h.service.PostMessage(c.UserContext(), actor, c.Params("id"), req.Body)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": msg})
}

// Live GET /tickets/live streams the caller's ticket set as server-sent
// events: one snapshot up front and another after every change.
func (h *TicketsHandler) Live(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	store, changes, err := h.service.Live(ctx, actor)
	if err != nil {
		cancel()
		return err
	}

	streamEvents(c, cancel, changes, func() any {
		return dto.LiveSnapshot{Tickets: store.Snapshot(), At: time.Now().UTC()}
	}, h.logger.With(zap.String("actor_id", actor.ID)))
	return nil
}

// LiveMessages GET /tickets/:id/messages/live streams the thread as
// server-sent events.
func (h *TicketsHandler) LiveMessages(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	thread, err := h.service.WatchMessages(ctx, actor, c.Params("id"))
	if err != nil {
		cancel()
		return err
	}
	streamEvents(c, cancel, thread.Changes(), func() any {
		return fiber.Map{"messages": thread.Messages(), "at": time.Now().UTC()}
	}, h.logger.With(zap.String("actor_id", actor.ID)))
	return nil
}

// EndSession DELETE /session drops the caller's live session.
func (h *TicketsHandler) EndSession(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	if err := h.service.EndSession(actor); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// streamEvents writes snapshot() as a server-sent event up front and after
// every signal on changes, with comment heartbeats in between. cancel runs
// once the client goes away.
func streamEvents(c *fiber.Ctx, cancel context.CancelFunc, changes <-chan struct{}, snapshot func() any, logger *zap.Logger) {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		heartbeat := time.NewTicker(liveHeartbeat)
		defer heartbeat.Stop()

		if err := writeEvent(w, snapshot()); err != nil {
			return
		}
		for {
			var err error
			select {
			case <-changes:
				err = writeEvent(w, snapshot())
			case <-heartbeat.C:
				if _, err = w.WriteString(": ping\n\n"); err == nil {
					err = w.Flush()
				}
			}
			if err != nil {
				logger.Debug("live stream closed", zap.Error(err))
				return
			}
		}
	})
}

func writeEvent(w *bufio.Writer, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", raw); err != nil {
		return err
	}
	return w.Flush()
}

func actorFrom(c *fiber.Ctx) (domain.Actor, error) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return domain.Actor{}, apperrors.NewUnauthorized("authentication required")
	}
	return principal.Actor, nil
}

func parseTicketQuery(c *fiber.Ctx) (service.TicketFilter, error) {
	filter := service.TicketFilter{}
	for _, part := range splitList(c.Query("status")) {
		status := domain.TicketStatus(strings.ToUpper(part))
		if !status.Valid() {
			return filter, apperrors.NewValidationError("unknown status", map[string]any{"status": part})
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, part := range splitList(c.Query("priority")) {
		priority := domain.TicketPriority(strings.ToUpper(part))
		if !priority.Valid() {
			return filter, apperrors.NewValidationError("unknown priority", map[string]any{"priority": part})
		}
		filter.Priorities = append(filter.Priorities, priority)
	}
	return filter, nil
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
