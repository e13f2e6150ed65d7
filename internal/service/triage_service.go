package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/observability"
	"github.com/spec-kit/dispatch-desk/internal/session"
	"github.com/spec-kit/dispatch-desk/internal/triage"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

// TriageDependencies wires the triage service.
type TriageDependencies struct {
	Sessions *session.Manager
	Pipeline *triage.Pipeline
	Notifier *NotificationService
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// TriageService runs the pipeline on behalf of dispatchers.
type TriageService struct {
	sessions *session.Manager
	pipeline *triage.Pipeline
	notifier *NotificationService
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewTriageService constructs the service.
func NewTriageService(deps TriageDependencies) *TriageService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewNotificationService(nil, logger)
	}
	return &TriageService{
		sessions: deps.Sessions,
		pipeline: deps.Pipeline,
		notifier: notifier,
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

// Triage runs the pipeline for a ticket in the caller's view. Writes go
// through the caller's store so their own echoes are suppressed, and the
// confirmed ticket is merged back before returning.
func (s *TriageService) Triage(ctx context.Context, actor domain.Actor, ticketID string, report triage.ProgressFunc) (*triage.Outcome, error) {
	if !actor.Role.Elevated() {
		return nil, apperrors.NewForbidden("triage requires a dispatcher or admin role")
	}
	sess, err := s.sessions.Acquire(ctx, actor)
	if err != nil {
		return nil, err
	}
	ticket, ok := sess.Store.Get(ticketID)
	if !ok {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"id": ticketID})
	}

	started := time.Now()
	outcome, err := s.pipeline.WithWriter(sess.Store).Run(ctx, ticket, report)
	if err != nil {
		label := "rejected"
		if stage, ok := triage.StageOf(err); ok {
			label = string(stage)
		}
		s.metrics.RecordTriage(label, time.Since(started))
		s.notifier.TriageFailed(ctx, actor.ID, ticketID, err)
		return nil, err
	}

	label := "unassigned"
	if outcome.Assigned() {
		label = "assigned"
	}
	s.metrics.RecordTriage(label, time.Since(started))
	sess.Store.Merge(*outcome.Ticket)
	s.notifier.TicketTriaged(ctx, actor.ID, outcome)
	return outcome, nil
}
