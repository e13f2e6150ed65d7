package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/events"
)

// MemoryStore is an in-process backing store. It backs development mode
// when no database is configured and doubles as the store in tests. Every
// write publishes a change event, mirroring the Postgres row triggers.
type MemoryStore struct {
	writeMu sync.Mutex
	mu      sync.RWMutex

	tickets  map[string]domain.Ticket
	heroes   map[string]domain.Hero
	missions map[string]domain.Mission
	messages map[string][]domain.TicketMessage

	publisher events.Publisher
	now       func() time.Time
	failure   error
}

// NewMemoryStore builds an empty store publishing to publisher (may be nil).
func NewMemoryStore(publisher events.Publisher) *MemoryStore {
	return &MemoryStore{
		tickets:   make(map[string]domain.Ticket),
		heroes:    make(map[string]domain.Hero),
		missions:  make(map[string]domain.Mission),
		messages:  make(map[string][]domain.TicketMessage),
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailWith makes every following call return err until cleared with nil.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func (m *MemoryStore) failed() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure
}

// Tickets exposes the ticket collection.
func (m *MemoryStore) Tickets() TicketRepository { return memoryTickets{m} }

// Heroes exposes the hero collection.
func (m *MemoryStore) Heroes() HeroRepository { return memoryHeroes{m} }

// Missions exposes the mission collection.
func (m *MemoryStore) Missions() MissionRepository { return memoryMissions{m} }

// Messages exposes ticket threads.
func (m *MemoryStore) Messages() TicketMessageRepository { return memoryMessages{m} }

// Stats exposes the dashboard aggregation.
func (m *MemoryStore) Stats() StatsRepository { return memoryStats{m} }

// PutHero inserts or replaces a hero profile.
func (m *MemoryStore) PutHero(ctx context.Context, hero domain.Hero) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	now := m.now()
	old, exists := m.heroes[hero.ID]
	if hero.ID == "" {
		hero.ID = uuid.NewString()
	}
	if exists {
		hero.CreatedAt = old.CreatedAt
	} else if hero.CreatedAt.IsZero() {
		hero.CreatedAt = now
	}
	hero.UpdatedAt = now
	hero.Powers = slices.Clone(hero.Powers)
	m.heroes[hero.ID] = hero
	m.mu.Unlock()

	if exists {
		return m.publish(ctx, events.ChangeUpdate, events.CollectionHeroes, hero, old)
	}
	return m.publish(ctx, events.ChangeInsert, events.CollectionHeroes, hero, nil)
}

// ListMissions returns every mission, oldest first.
func (m *MemoryStore) ListMissions() []domain.Mission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Mission, 0, len(m.missions))
	for _, mission := range m.missions {
		out = append(out, mission)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) publish(ctx context.Context, kind events.ChangeKind, collection string, newRow, oldRow any) error {
	if m.publisher == nil {
		return nil
	}
	event, err := events.NewChangeEvent(kind, collection, newRow, oldRow)
	if err != nil {
		return err
	}
	return m.publisher.Publish(ctx, event)
}

type memoryTickets struct{ m *MemoryStore }

func (r memoryTickets) Create(ctx context.Context, ticket *domain.Ticket) error {
	if err := r.m.failed(); err != nil {
		return err
	}
	r.m.writeMu.Lock()
	defer r.m.writeMu.Unlock()

	r.m.mu.Lock()
	now := r.m.now()
	ticket.ID = uuid.NewString()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	stored := ticket.Clone()
	r.m.tickets[stored.ID] = stored
	r.m.mu.Unlock()

	return r.m.publish(ctx, events.ChangeInsert, events.CollectionTickets, stored, nil)
}

func (r memoryTickets) Update(ctx context.Context, id string, patch domain.TicketPatch) (*domain.Ticket, error) {
	if err := r.m.failed(); err != nil {
		return nil, err
	}
	r.m.writeMu.Lock()
	defer r.m.writeMu.Unlock()

	r.m.mu.Lock()
	current, ok := r.m.tickets[id]
	if !ok {
		r.m.mu.Unlock()
		return nil, pgx.ErrNoRows
	}
	old := current.Clone()
	patch.ApplyTo(&current)
	current.UpdatedAt = r.m.now()
	r.m.tickets[id] = current.Clone()
	r.m.mu.Unlock()

	if err := r.m.publish(ctx, events.ChangeUpdate, events.CollectionTickets, current, old); err != nil {
		return nil, err
	}
	return &current, nil
}

func (r memoryTickets) Delete(ctx context.Context, id string) error {
	if err := r.m.failed(); err != nil {
		return err
	}
	r.m.writeMu.Lock()
	defer r.m.writeMu.Unlock()

	r.m.mu.Lock()
	old, ok := r.m.tickets[id]
	if !ok {
		r.m.mu.Unlock()
		return pgx.ErrNoRows
	}
	delete(r.m.tickets, id)
	r.m.mu.Unlock()

	return r.m.publish(ctx, events.ChangeDelete, events.CollectionTickets, nil, old)
}

func (r memoryTickets) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	if err := r.m.failed(); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	ticket, ok := r.m.tickets[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := ticket.Clone()
	return &out, nil
}

func (r memoryTickets) List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	if err := r.m.failed(); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	var result []domain.Ticket
	for _, ticket := range r.m.tickets {
		if matchesTicketFilter(ticket, filter) {
			result = append(result, ticket.Clone())
		}
	}
	r.m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 {
		offset := max(filter.Offset, 0)
		if offset >= len(result) {
			return nil, nil
		}
		result = result[offset:min(offset+filter.Limit, len(result))]
	}
	return result, nil
}

func matchesTicketFilter(ticket domain.Ticket, filter TicketFilter) bool {
	if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, ticket.ID) {
		return false
	}
	if filter.VisibleTo != nil && ticket.CreatedBy != *filter.VisibleTo && !ticket.IsAssignedTo(*filter.VisibleTo) {
		return false
	}
	if filter.CreatedBy != nil && ticket.CreatedBy != *filter.CreatedBy {
		return false
	}
	if filter.AssignedTo != nil && !ticket.IsAssignedTo(*filter.AssignedTo) {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, ticket.Status) {
		return false
	}
	if len(filter.Priorities) > 0 && !slices.Contains(filter.Priorities, ticket.Priority) {
		return false
	}
	return true
}

type memoryHeroes struct{ m *MemoryStore }

func (r memoryHeroes) List(ctx context.Context, filter HeroFilter) ([]domain.Hero, error) {
	if err := r.m.failed(); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	var result []domain.Hero
	for _, hero := range r.m.heroes {
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, hero.ID) {
			continue
		}
		if filter.Role != nil && hero.Role != *filter.Role {
			continue
		}
		if filter.Status != nil && hero.Status != *filter.Status {
			continue
		}
		hero.Powers = slices.Clone(hero.Powers)
		result = append(result, hero)
	}
	r.m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

type memoryMissions struct{ m *MemoryStore }

func (r memoryMissions) Create(ctx context.Context, mission *domain.Mission) error {
	if err := r.m.failed(); err != nil {
		return err
	}
	r.m.writeMu.Lock()
	defer r.m.writeMu.Unlock()

	r.m.mu.Lock()
	mission.ID = uuid.NewString()
	mission.CreatedAt = r.m.now()
	stored := *mission
	stored.Objectives = slices.Clone(mission.Objectives)
	r.m.missions[stored.ID] = stored
	r.m.mu.Unlock()

	return r.m.publish(ctx, events.ChangeInsert, events.CollectionMissions, stored, nil)
}

func (r memoryMissions) Delete(ctx context.Context, id string) error {
	if err := r.m.failed(); err != nil {
		return err
	}
	r.m.writeMu.Lock()
	defer r.m.writeMu.Unlock()

	r.m.mu.Lock()
	old, ok := r.m.missions[id]
	if !ok {
		r.m.mu.Unlock()
		return pgx.ErrNoRows
	}
	delete(r.m.missions, id)
	r.m.mu.Unlock()

	return r.m.publish(ctx, events.ChangeDelete, events.CollectionMissions, nil, old)
}

type memoryMessages struct{ m *MemoryStore }

func (r memoryMessages) Create(ctx context.Context, msg *domain.TicketMessage) error {
	if err := r.m.failed(); err != nil {
		return err
	}
	r.m.writeMu.Lock()
	defer r.m.writeMu.Unlock()

	r.m.mu.Lock()
	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.m.now()
	}
	stored := *msg
	r.m.messages[msg.TicketID] = append(r.m.messages[msg.TicketID], stored)
	r.m.mu.Unlock()

	return r.m.publish(ctx, events.ChangeInsert, events.CollectionMessages, stored, nil)
}

func (r memoryMessages) ListByTicket(ctx context.Context, ticketID string) ([]domain.TicketMessage, error) {
	if err := r.m.failed(); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return slices.Clone(r.m.messages[ticketID]), nil
}

type memoryStats struct{ m *MemoryStore }

func (r memoryStats) DashboardStats(ctx context.Context) (*domain.DashboardStats, error) {
	if err := r.m.failed(); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	stats := &domain.DashboardStats{
		ByStatus:   map[domain.TicketStatus]int{},
		ByPriority: map[domain.TicketPriority]int{},
		ComputedAt: r.m.now(),
	}
	for _, ticket := range r.m.tickets {
		stats.TotalTickets++
		stats.ByStatus[ticket.Status]++
		if ticket.Priority != "" {
			stats.ByPriority[ticket.Priority]++
		}
		if ticket.AssignedTo == nil && ticket.Status != domain.TicketStatusClosed && ticket.Status != domain.TicketStatusResolved {
			stats.Unassigned++
		}
	}
	for _, hero := range r.m.heroes {
		if hero.Role != domain.RoleHero {
			continue
		}
		if hero.Status == domain.HeroStatusActive {
			stats.ActiveHeroes++
		} else {
			stats.InactiveHeroes++
		}
	}
	for _, mission := range r.m.missions {
		if mission.Status != domain.MissionStatusCompleted {
			stats.OpenMissions++
		}
	}
	return stats, nil
}
