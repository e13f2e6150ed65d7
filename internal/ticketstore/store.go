// Package ticketstore keeps the ticket set visible to one actor in memory and
// reconciles it with local writes and the change feed.
package ticketstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/dedup"
	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/repository"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

// Dependencies wires the store.
type Dependencies struct {
	Tickets repository.TicketRepository
	Guard   *dedup.Guard
	Logger  *zap.Logger
}

// Store is the single source of truth for the tickets an actor can see.
// All reads and writes go through it. Every mutation of the local set
// happens under one mutex and leaves the set sorted by created_at desc,
// ties broken by id.
type Store struct {
	actor   domain.Actor
	tickets repository.TicketRepository
	guard   *dedup.Guard
	logger  *zap.Logger

	// createMu queues creates from this actor behind the one in flight.
	createMu sync.Mutex

	mu      sync.RWMutex
	byID    map[string]domain.Ticket
	order   []string
	loaded  bool
	watchMu sync.Mutex
	watches map[chan struct{}]struct{}
}

// New creates an empty store for actor. Call Load before reading.
func New(actor domain.Actor, deps Dependencies) *Store {
	s := &Store{
		actor:   actor,
		tickets: deps.Tickets,
		guard:   deps.Guard,
		logger:  deps.Logger,
		byID:    make(map[string]domain.Ticket),
		watches: make(map[chan struct{}]struct{}),
	}
	if s.guard == nil {
		s.guard = dedup.NewGuard()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("actor_id", actor.ID), zap.String("role", string(actor.Role)))
	return s
}

// Actor returns the principal the store materialises tickets for.
func (s *Store) Actor() domain.Actor {
	return s.actor
}

// Load replaces the local set with every ticket visible to the actor.
func (s *Store) Load(ctx context.Context) error {
	filter := repository.TicketFilter{}
	if !s.actor.Role.Elevated() {
		id := s.actor.ID
		filter.VisibleTo = &id
	}
	rows, err := s.tickets.List(ctx, filter)
	if err != nil {
		return apperrors.NewStoreUnavailable("load tickets", err)
	}

	s.mu.Lock()
	s.byID = make(map[string]domain.Ticket, len(rows))
	for _, t := range rows {
		if s.actor.CanSee(&t) {
			s.byID[t.ID] = t.Clone()
		}
	}
	s.resortLocked()
	s.loaded = true
	s.mu.Unlock()

	s.logger.Debug("tickets loaded", zap.Int("count", len(rows)))
	s.notify()
	return nil
}

// Loaded reports whether Load has succeeded at least once.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Create validates draft, writes it through and inserts the confirmed row
// locally without waiting for the change feed.
func (s *Store) Create(ctx context.Context, draft domain.TicketDraft) (*domain.Ticket, error) {
	ticket, err := s.newTicket(draft)
	if err != nil {
		return nil, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if err := s.tickets.Create(ctx, ticket); err != nil {
		return nil, writeError("create ticket", err)
	}

	s.mu.Lock()
	if _, exists := s.byID[ticket.ID]; !exists {
		// The echo has not been reconciled yet; it will be suppressed.
		s.guard.MarkSent(ticket.ID)
		s.byID[ticket.ID] = ticket.Clone()
		s.resortLocked()
	}
	s.mu.Unlock()
	s.notify()

	s.logger.Info("ticket created", zap.String("ticket_id", ticket.ID))
	out := ticket.Clone()
	return &out, nil
}

func (s *Store) newTicket(draft domain.TicketDraft) (*domain.Ticket, error) {
	details := map[string]any{}
	title := strings.TrimSpace(draft.Title)
	description := strings.TrimSpace(draft.Description)
	if title == "" {
		details["title"] = "required"
	}
	if description == "" {
		details["description"] = "required"
	}
	if draft.Priority != "" && !draft.Priority.Valid() {
		details["priority"] = "unknown priority " + string(draft.Priority)
	}
	if draft.Type != "" && !draft.Type.Valid() {
		details["type"] = "unknown type " + string(draft.Type)
	}
	if len(details) > 0 {
		return nil, apperrors.NewValidationError("invalid ticket draft", details)
	}

	ticketType := draft.Type
	if ticketType == "" {
		ticketType = domain.TicketTypeMission
	}
	metadata := make(map[string]any, len(draft.Metadata)+2)
	for k, v := range draft.Metadata {
		metadata[k] = v
	}
	metadata["created_by_role"] = string(s.actor.Role)
	metadata["source"] = "dispatch-desk"

	return &domain.Ticket{
		Title:       title,
		Description: description,
		Priority:    draft.Priority,
		Status:      domain.TicketStatusNew,
		Type:        ticketType,
		CreatedBy:   s.actor.ID,
		Objectives:  []string{},
		Tags:        slices.Clone(draft.Tags),
		Metadata:    metadata,
	}, nil
}

// Update writes patch through and returns the confirmed row. The caller
// merges it with Merge; the local set is not touched here.
func (s *Store) Update(ctx context.Context, id string, patch domain.TicketPatch) (*domain.Ticket, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	if !s.visible(ctx, id) {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"id": id})
	}

	updated, err := s.tickets.Update(ctx, id, patch)
	if err != nil {
		return nil, writeError("update ticket", err)
	}

	s.mu.Lock()
	if local, ok := s.byID[id]; !ok || local.UpdatedAt.Before(updated.UpdatedAt) {
		s.guard.MarkSent(id)
	}
	s.mu.Unlock()

	s.logger.Info("ticket updated", zap.String("ticket_id", id))
	return updated, nil
}

// visible reports whether the actor may write id. The local set may lag the
// backing store, so misses are checked against it.
func (s *Store) visible(ctx context.Context, id string) bool {
	s.mu.RLock()
	_, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return true
	}
	ticket, err := s.tickets.GetByID(ctx, id)
	if err != nil {
		return false
	}
	return s.actor.CanSee(ticket)
}

func validatePatch(patch domain.TicketPatch) error {
	if patch.Empty() {
		return apperrors.NewValidationError("patch changes nothing", nil)
	}
	details := map[string]any{}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		details["title"] = "must not be empty"
	}
	if patch.Description != nil && strings.TrimSpace(*patch.Description) == "" {
		details["description"] = "must not be empty"
	}
	if patch.Priority != nil && *patch.Priority != "" && !patch.Priority.Valid() {
		details["priority"] = "unknown priority " + string(*patch.Priority)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		details["status"] = "unknown status " + string(*patch.Status)
	}
	if patch.Type != nil && !patch.Type.Valid() {
		details["type"] = "unknown type " + string(*patch.Type)
	}
	if len(details) > 0 {
		return apperrors.NewValidationError("invalid ticket patch", details)
	}
	return nil
}

func writeError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NewNotFound("ticket", nil)
	}
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return apperrors.NewStoreUnavailable(op, err)
}

// Merge folds a server-confirmed row into the local set, applying the same
// visibility and staleness rules as an UPDATE event.
func (s *Store) Merge(ticket domain.Ticket) {
	s.mu.Lock()
	changed := s.upsertLocked(ticket)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// upsertLocked replaces or inserts ticket, or removes it when it is no
// longer visible. Rows older than the local copy are ignored.
func (s *Store) upsertLocked(ticket domain.Ticket) bool {
	current, exists := s.byID[ticket.ID]
	if !s.actor.CanSee(&ticket) {
		if !exists {
			return false
		}
		delete(s.byID, ticket.ID)
		s.resortLocked()
		return true
	}
	if exists && ticket.UpdatedAt.Before(current.UpdatedAt) {
		return false
	}
	s.byID[ticket.ID] = ticket.Clone()
	s.resortLocked()
	return true
}

func (s *Store) resortLocked() {
	order := make([]string, 0, len(s.byID))
	for id := range s.byID {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := s.byID[order[i]], s.byID[order[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	s.order = order
}

// Snapshot returns a copy of the local set in display order.
func (s *Store) Snapshot() []domain.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Ticket, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// Get returns one locally visible ticket.
func (s *Store) Get(id string) (domain.Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return domain.Ticket{}, false
	}
	return t.Clone(), true
}

// Query filters the local set by status and priority. Empty slices match all.
func (s *Store) Query(statuses []domain.TicketStatus, priorities []domain.TicketPriority) []domain.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Ticket
	for _, id := range s.order {
		t := s.byID[id]
		if len(statuses) > 0 && !slices.Contains(statuses, t.Status) {
			continue
		}
		if len(priorities) > 0 && !slices.Contains(priorities, t.Priority) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// CountByStatus tallies the local set.
func (s *Store) CountByStatus() map[domain.TicketStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.TicketStatus]int)
	for _, t := range s.byID {
		counts[t.Status]++
	}
	return counts
}

// Len returns the number of locally visible tickets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Changes returns a channel signalled after every change to the local set.
// Signals coalesce; the channel is released when ctx is done.
func (s *Store) Changes(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watches[ch] = struct{}{}
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		delete(s.watches, ch)
		s.watchMu.Unlock()
	}()
	return ch
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watches {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
