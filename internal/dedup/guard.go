// Package dedup suppresses change-feed echoes of writes the local actor made.
package dedup

import (
	"sync"
	"time"

	"github.com/spec-kit/dispatch-desk/internal/domain"
)

const (
	// DefaultMarkTTL bounds how long a mark waits for its echo.
	DefaultMarkTTL = 30 * time.Second
	// DefaultMessageWindow is the content-match window for message echoes.
	DefaultMessageWindow = 2 * time.Second

	maxRememberedMessages = 512
)

// Guard tracks identifiers the local actor produced. It is safe for
// concurrent use.
type Guard struct {
	mu       sync.Mutex
	ttl      time.Duration
	window   time.Duration
	now      func() time.Time
	pending  map[string][]time.Time
	messages []domain.TicketMessage
}

// Option customises a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithMarkTTL overrides how long marks stay pending.
func WithMarkTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.ttl = ttl }
}

// WithMessageWindow overrides the content heuristic window.
func WithMessageWindow(window time.Duration) Option {
	return func(g *Guard) { g.window = window }
}

// NewGuard creates an empty guard.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		ttl:     DefaultMarkTTL,
		window:  DefaultMessageWindow,
		now:     time.Now,
		pending: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MarkSent records that a local write to entityID succeeded. Each mark
// suppresses exactly one subsequent echo.
func (g *Guard) MarkSent(entityID string) {
	if entityID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.pruneLocked(now)
	g.pending[entityID] = append(g.pending[entityID], now)
}

// ShouldSuppress reports whether an incoming event for entityID is the echo
// of a local write, consuming the oldest live mark when it is.
func (g *Guard) ShouldSuppress(entityID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	marks := g.pending[entityID]
	now := g.now()
	for len(marks) > 0 && now.Sub(marks[0]) > g.ttl {
		marks = marks[1:]
	}
	if len(marks) == 0 {
		delete(g.pending, entityID)
		return false
	}
	marks = marks[1:]
	if len(marks) == 0 {
		delete(g.pending, entityID)
	} else {
		g.pending[entityID] = marks
	}
	return true
}

// Pending returns the number of live marks for entityID.
func (g *Guard) Pending(entityID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
	return len(g.pending[entityID])
}

// RememberMessage records a locally posted message for the content heuristic.
func (g *Guard) RememberMessage(msg domain.TicketMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, msg)
	if len(g.messages) > maxRememberedMessages {
		g.messages = g.messages[len(g.messages)-maxRememberedMessages:]
	}
}

// IsDuplicateMessage reports whether incoming matches a remembered local
// message by sender, conversation and content within the window. It covers
// echoes that arrive before the local copy learned its server id.
func (g *Guard) IsDuplicateMessage(incoming domain.TicketMessage) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, known := range g.messages {
		if known.ID != "" && known.ID == incoming.ID {
			return true
		}
		if known.Sender() != incoming.Sender() || known.TicketID != incoming.TicketID || known.Body != incoming.Body {
			continue
		}
		delta := incoming.CreatedAt.Sub(known.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= g.window {
			return true
		}
	}
	return false
}

func (g *Guard) pruneLocked(now time.Time) {
	for id, marks := range g.pending {
		for len(marks) > 0 && now.Sub(marks[0]) > g.ttl {
			marks = marks[1:]
		}
		if len(marks) == 0 {
			delete(g.pending, id)
		} else {
			g.pending[id] = marks
		}
	}
}
