package ticketstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/events"
)

// Result describes what reconciling one event did to the local set.
type Result string

const (
	ResultInserted   Result = "inserted"
	ResultReplaced   Result = "replaced"
	ResultRemoved    Result = "removed"
	ResultSuppressed Result = "suppressed"
	ResultSkipped    Result = "skipped"
	ResultDropped    Result = "dropped"
)

// Apply reconciles one change event. It never fails: malformed events and
// unknown statuses are logged and dropped.
func (s *Store) Apply(event events.ChangeEvent) Result {
	if event.Collection != "" && event.Collection != events.CollectionTickets {
		return ResultSkipped
	}
	if err := event.Validate(); err != nil {
		s.logger.Warn("dropping malformed ticket event", zap.Error(err))
		return ResultDropped
	}

	var result Result
	switch event.Kind {
	case events.ChangeInsert:
		result = s.applyInsert(event)
	case events.ChangeUpdate:
		result = s.applyUpdate(event)
	case events.ChangeDelete:
		result = s.applyDelete(event)
	}
	if result == ResultInserted || result == ResultReplaced || result == ResultRemoved {
		s.notify()
	}
	return result
}

func (s *Store) decodeRow(event events.ChangeEvent) (domain.Ticket, bool) {
	var ticket domain.Ticket
	if err := event.DecodeNew(&ticket); err != nil {
		s.logger.Warn("dropping malformed ticket event", zap.String("kind", string(event.Kind)), zap.Error(err))
		return ticket, false
	}
	if ticket.ID == "" {
		s.logger.Warn("dropping ticket event without id", zap.String("kind", string(event.Kind)))
		return ticket, false
	}
	if !ticket.Status.Valid() {
		s.logger.Warn("ignoring ticket event with unknown status",
			zap.String("ticket_id", ticket.ID), zap.String("status", string(ticket.Status)))
		return ticket, false
	}
	return ticket, true
}

func (s *Store) applyInsert(event events.ChangeEvent) Result {
	ticket, ok := s.decodeRow(event)
	if !ok {
		return ResultDropped
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.guard.ShouldSuppress(ticket.ID) {
		return ResultSuppressed
	}
	if _, exists := s.byID[ticket.ID]; exists {
		return ResultSkipped
	}
	if !s.actor.CanSee(&ticket) {
		return ResultSkipped
	}
	s.byID[ticket.ID] = ticket
	s.resortLocked()
	return ResultInserted
}

func (s *Store) applyUpdate(event events.ChangeEvent) Result {
	ticket, ok := s.decodeRow(event)
	if !ok {
		return ResultDropped
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.guard.ShouldSuppress(ticket.ID) {
		return ResultSuppressed
	}
	current, exists := s.byID[ticket.ID]
	if !s.actor.CanSee(&ticket) {
		if !exists {
			return ResultSkipped
		}
		delete(s.byID, ticket.ID)
		s.resortLocked()
		return ResultRemoved
	}
	if exists && ticket.UpdatedAt.Before(current.UpdatedAt) {
		return ResultSkipped
	}
	s.byID[ticket.ID] = ticket
	s.resortLocked()
	if exists {
		return ResultReplaced
	}
	return ResultInserted
}

func (s *Store) applyDelete(event events.ChangeEvent) Result {
	id, err := event.RowID()
	if err != nil {
		s.logger.Warn("dropping malformed ticket event", zap.String("kind", string(event.Kind)), zap.Error(err))
		return ResultDropped
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[id]; !exists {
		return ResultSkipped
	}
	delete(s.byID, id)
	s.resortLocked()
	return ResultRemoved
}

// Run consumes sub sequentially until ctx is cancelled or the subscription
// is torn down.
func (s *Store) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case event := <-sub.C:
			result := s.Apply(event)
			s.logger.Debug("ticket event reconciled",
				zap.String("kind", string(event.Kind)), zap.String("result", string(result)))
		}
	}
}
