// Package session keeps one live ticket store per actor.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/dedup"
	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/events"
	"github.com/spec-kit/dispatch-desk/internal/repository"
	"github.com/spec-kit/dispatch-desk/internal/ticketstore"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

// Session is an actor's live view: a loaded store kept current by a
// change-feed subscription.
type Session struct {
	Actor domain.Actor
	Store *ticketstore.Store
	Guard *dedup.Guard

	manager  *Manager
	sub      *events.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	ready    chan struct{}
	err      error
	mu       sync.Mutex
	lastUsed time.Time
}

// Thread loads the message thread of a ticket the actor can see. The
// thread shares the session's dedup guard.
func (s *Session) Thread(ctx context.Context, ticketID string) (*ticketstore.Thread, error) {
	if _, ok := s.Store.Get(ticketID); !ok {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"id": ticketID})
	}
	thread := ticketstore.NewThread(ticketID, s.Actor, s.manager.messages, s.Guard, s.manager.logger)
	if err := thread.Load(ctx); err != nil {
		return nil, err
	}
	return thread, nil
}

// WatchThread loads a visible ticket's thread and keeps it current until
// ctx is done. The subscription is opened before the load so no message
// posted in between is missed.
func (s *Session) WatchThread(ctx context.Context, ticketID string) (*ticketstore.Thread, error) {
	if _, ok := s.Store.Get(ticketID); !ok {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"id": ticketID})
	}
	feed := s.manager.feed
	thread := ticketstore.NewThread(ticketID, s.Actor, s.manager.messages, s.Guard, s.manager.logger)
	sub, err := feed.Subscribe(ctx, events.CollectionMessages, thread.Filter())
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("subscribe to messages", err)
	}
	if err := thread.Load(ctx); err != nil {
		if unsubErr := feed.Unsubscribe(sub); unsubErr != nil {
			s.manager.logger.Warn("unsubscribe failed", zap.Error(unsubErr))
		}
		return nil, err
	}
	go func() {
		thread.Run(ctx, sub)
		if err := feed.Unsubscribe(sub); err != nil {
			s.manager.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}()
	return thread, nil
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Dependencies wires the manager.
type Dependencies struct {
	Feed     events.Feed
	Tickets  repository.TicketRepository
	Messages repository.TicketMessageRepository
	Logger   *zap.Logger
	Idle     time.Duration
	Now      func() time.Time
}

// Manager opens sessions on first use and reuses them across requests.
type Manager struct {
	feed     events.Feed
	tickets  repository.TicketRepository
	messages repository.TicketMessageRepository
	logger   *zap.Logger
	idle     time.Duration
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs the manager.
func NewManager(deps Dependencies) *Manager {
	m := &Manager{
		feed:     deps.Feed,
		tickets:  deps.Tickets,
		messages: deps.Messages,
		logger:   deps.Logger,
		idle:     deps.Idle,
		now:      deps.Now,
		sessions: make(map[string]*Session),
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func sessionKey(actor domain.Actor) string {
	return actor.ID + "|" + string(actor.Role)
}

// Acquire returns the actor's session, opening it when needed. Opening
// subscribes before loading so no change between the two is lost.
func (m *Manager) Acquire(ctx context.Context, actor domain.Actor) (*Session, error) {
	key := sessionKey(actor)
	m.mu.Lock()
	s, exists := m.sessions[key]
	if !exists {
		s = &Session{Actor: actor, manager: m, ready: make(chan struct{}), done: make(chan struct{})}
		m.sessions[key] = s
	}
	m.mu.Unlock()

	if exists {
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.err != nil {
			return nil, s.err
		}
		select {
		case <-s.done:
			// The feed dropped; reopen with a fresh subscription and load.
			m.logger.Warn("session feed lost; reopening", zap.String("actor_id", actor.ID))
			m.mu.Lock()
			if m.sessions[key] == s {
				delete(m.sessions, key)
			}
			m.mu.Unlock()
			s.cancel()
			if err := m.feed.Unsubscribe(s.sub); err != nil {
				m.logger.Warn("unsubscribe failed", zap.Error(err))
			}
			return m.Acquire(ctx, actor)
		default:
		}
		s.touch(m.now())
		return s, nil
	}

	if err := m.open(ctx, s); err != nil {
		s.err = err
		close(s.ready)
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		return nil, err
	}
	s.touch(m.now())
	close(s.ready)
	return s, nil
}

func (m *Manager) open(ctx context.Context, s *Session) error {
	s.Guard = dedup.NewGuard()
	s.Store = ticketstore.New(s.Actor, ticketstore.Dependencies{
		Tickets: m.tickets,
		Guard:   s.Guard,
		Logger:  m.logger,
	})

	sub, err := m.feed.Subscribe(ctx, events.CollectionTickets, nil)
	if err != nil {
		return apperrors.NewStoreUnavailable("subscribe to ticket changes", err)
	}
	if err := s.Store.Load(ctx); err != nil {
		if unsubErr := m.feed.Unsubscribe(sub); unsubErr != nil {
			m.logger.Warn("unsubscribe failed", zap.Error(unsubErr))
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.sub = sub
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.Store.Run(runCtx, sub)
	}()
	m.logger.Info("session opened", zap.String("actor_id", s.Actor.ID), zap.String("role", string(s.Actor.Role)))
	return nil
}

// Release tears down every session of actorID.
func (m *Manager) Release(actorID string) error {
	m.mu.Lock()
	var victims []*Session
	for key, s := range m.sessions {
		if s.Actor.ID == actorID {
			victims = append(victims, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()
	return m.closeAll(victims)
}

// Reap closes sessions unused for longer than the idle timeout.
func (m *Manager) Reap() int {
	if m.idle <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idle)
	m.mu.Lock()
	var victims []*Session
	for key, s := range m.sessions {
		select {
		case <-s.ready:
		default:
			continue
		}
		if s.idleSince().Before(cutoff) {
			victims = append(victims, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()
	if err := m.closeAll(victims); err != nil {
		m.logger.Warn("reaping sessions", zap.Error(err))
	}
	return len(victims)
}

// Run reaps idle sessions every interval until ctx is done, then closes
// everything.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return m.Close()
		case <-ticker.C:
			if n := m.Reap(); n > 0 {
				m.logger.Info("idle sessions closed", zap.Int("count", n))
			}
		}
	}
}

// Close tears down all sessions.
func (m *Manager) Close() error {
	m.mu.Lock()
	victims := make([]*Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		victims = append(victims, s)
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	return m.closeAll(victims)
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) closeAll(sessions []*Session) error {
	var firstErr error
	for _, s := range sessions {
		<-s.ready
		if s.err != nil || s.sub == nil {
			continue
		}
		s.cancel()
		if err := m.feed.Unsubscribe(s.sub); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unsubscribe %s: %w", s.Actor.ID, err)
		}
		<-s.done
		m.logger.Info("session closed", zap.String("actor_id", s.Actor.ID))
	}
	return firstErr
}
