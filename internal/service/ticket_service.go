package service

import (
	"context"

	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/session"
	"github.com/spec-kit/dispatch-desk/internal/ticketstore"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

// TicketService coordinates ticket workflows through the caller's session.
type TicketService struct {
	sessions *session.Manager
}

// TicketFilter narrows listings.
type TicketFilter struct {
	Statuses   []domain.TicketStatus
	Priorities []domain.TicketPriority
}

// NewTicketService constructs the service.
func NewTicketService(sessions *session.Manager) *TicketService {
	return &TicketService{sessions: sessions}
}

// List returns the tickets visible to actor, newest first.
func (s *TicketService) List(ctx context.Context, actor domain.Actor, filter TicketFilter) ([]domain.Ticket, error) {
	sess, err := s.sessions.Acquire(ctx, actor)
	if err != nil {
		return nil, err
	}
	return sess.Store.Query(filter.Statuses, filter.Priorities), nil
}

// Counts returns per-status counts over the actor's whole view.
func (s *TicketService) Counts(ctx context.Context, actor domain.Actor) (map[domain.TicketStatus]int, error) {
	sess, err := s.sessions.Acquire(ctx, actor)
	if err != nil {
		return nil, err
	}
	return sess.Store.CountByStatus(), nil
}

// Get returns one visible ticket.
func (s *TicketService) Get(ctx context.Context, actor domain.Actor, id string) (*domain.Ticket, error) {
	sess, err := s.sessions.Acquire(ctx, actor)
	if err != nil {
		return nil, err
	}
	ticket, ok := sess.Store.Get(id)
	if !ok {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"id": id})
	}
	return &ticket, nil
}

// Create files a new ticket on behalf of actor.
func (s *TicketService) Create(ctx context.Context, actor domain.Actor, draft domain.TicketDraft) (*domain.Ticket, error) {
	sess, err := s.sessions.Acquire(ctx, actor)
	if err != nil {
		return nil, err
	}
	return sess.Store.Create(ctx, draft)
}

// Update applies patch and merges the confirmed row into the session.
func (s *TicketService) Update(ctx context.Context, actor domain.Actor, id string, patch domain.TicketPatch) (*domain.Ticket, error) {
	sess, err := s.sessions.Acquire(ctx, actor)
	if err != nil {
		return nil, err
	}
	if err := normalizeAssignment(&patch); err != nil {
		return nil, err
	}
	updated, err := sess.Store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	sess.Store.Merge(*updated)
	return updated, nil
}

// Messages returns the thread of a visible ticket.
func (s *TicketService) Messages(ctx context.Context, actor domain.Actor, id string) ([]domain.TicketMessage, error) {
	thread, err := s.thread(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return thread.Messages(), nil
}

// PostMessage adds a message from actor to a visible ticket.
func (s *TicketService) PostMessage(ctx context.Context, actor domain.Actor, id, body string) (*domain.TicketMessage, error) {
	thread, err := s.thread(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return thread.Post(ctx, body)
}

// WatchMessages returns a ticket's thread kept current until ctx is done.
func (s *TicketService) WatchMessages(ctx context.Context, actor domain.Actor, id string) (*ticketstore.Thread, error) {
	sess, err := s.sessions.Acquire(ctx, actor)
	if err != nil {
		return nil, err
	}
	return sess.WatchThread(ctx, id)
}

func (s *TicketService) thread(ctx context.Context, actor domain.Actor, id string) (*ticketstore.Thread, error) {
	sess, err := s.sessions.Acquire(ctx, actor)
	if err != nil {
		return nil, err
	}
	return sess.Thread(ctx, id)
}

// Live returns the actor's store and a channel signalled on every change,
// released when ctx is done.
func (s *TicketService) Live(ctx context.Context, actor domain.Actor) (*ticketstore.Store, <-chan struct{}, error) {
	sess, err := s.sessions.Acquire(ctx, actor)
	if err != nil {
		return nil, nil, err
	}
	return sess.Store, sess.Store.Changes(ctx), nil
}

// EndSession drops the actor's live session.
func (s *TicketService) EndSession(actor domain.Actor) error {
	return s.sessions.Release(actor.ID)
}

// normalizeAssignment keeps the assignee consistent with the status: an
// assignee implies IN_PROGRESS unless a carrying status is given, and a
// status that cannot carry an assignee clears it. Resolution and closing
// timestamps are stamped when missing.
func normalizeAssignment(patch *domain.TicketPatch) error {
	if patch.AssignedTo != nil && patch.Status == nil {
		status := domain.TicketStatusInProgress
		patch.Status = &status
	}
	if patch.Status == nil {
		return nil
	}
	if !patch.Status.AllowsAssignee() {
		if patch.AssignedTo != nil {
			return apperrors.NewValidationError("status does not allow an assignee",
				map[string]any{"status": string(*patch.Status)})
		}
		patch.ClearAssignee = true
	}
	now := nowUTC()
	switch *patch.Status {
	case domain.TicketStatusResolved:
		if patch.ResolvedAt == nil {
			patch.ResolvedAt = &now
		}
	case domain.TicketStatusClosed:
		if patch.ClosedAt == nil {
			patch.ClosedAt = &now
		}
	}
	return nil
}
