package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/mq"
	"github.com/spec-kit/dispatch-desk/internal/triage"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

// TriageNotification is the message body published for every triage run.
type TriageNotification struct {
	TicketID    string    `json:"ticket_id"`
	TriggeredBy string    `json:"triggered_by"`
	Priority    string    `json:"priority,omitempty"`
	HeroID      string    `json:"hero_id,omitempty"`
	MissionID   string    `json:"mission_id,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NotificationService emits triage outcomes to downstream consumers.
type NotificationService struct {
	publisher mq.Publisher
	logger    *zap.Logger
}

// NewNotificationService creates the service. A nil publisher only logs.
func NewNotificationService(publisher mq.Publisher, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{publisher: publisher, logger: logger}
}

// TicketTriaged announces a completed run.
func (n *NotificationService) TicketTriaged(ctx context.Context, triggeredBy string, outcome *triage.Outcome) {
	msg := TriageNotification{
		TicketID:    outcome.Ticket.ID,
		TriggeredBy: triggeredBy,
		Priority:    string(outcome.Analysis.PriorityAssessment.Level),
		HeroID:      outcome.HeroID,
		Summary:     outcome.Summary(),
		Warnings:    outcome.Warnings,
		OccurredAt:  nowUTC(),
	}
	if outcome.Mission != nil {
		msg.MissionID = outcome.Mission.ID
	}
	n.logger.Info("TicketTriaged", zap.String("ticket_id", msg.TicketID), zap.String("hero_id", msg.HeroID))
	n.publish(ctx, mq.RoutingTicketTriaged, msg)
}

// TriageFailed announces an aborted run.
func (n *NotificationService) TriageFailed(ctx context.Context, triggeredBy, ticketID string, err error) {
	domainErr := apperrors.ToDomainError(err)
	msg := TriageNotification{
		TicketID:    ticketID,
		TriggeredBy: triggeredBy,
		Code:        domainErr.Code,
		Message:     domainErr.Message,
		OccurredAt:  nowUTC(),
	}
	if stage, ok := triage.StageOf(err); ok {
		msg.Stage = string(stage)
	}
	n.logger.Info("TicketTriageFailed", zap.String("ticket_id", ticketID), zap.String("code", msg.Code))
	n.publish(ctx, mq.RoutingTicketTriageFailed, msg)
}

func (n *NotificationService) publish(ctx context.Context, routingKey string, msg TriageNotification) {
	if n.publisher == nil {
		return
	}
	if err := n.publisher.Publish(ctx, routingKey, msg); err != nil {
		n.logger.Warn("publish triage notification",
			zap.String("routing_key", routingKey),
			zap.String("ticket_id", msg.TicketID),
			zap.Error(err))
	}
}
