package ticketstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/dedup"
	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/events"
	"github.com/spec-kit/dispatch-desk/internal/repository"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

// Thread is the live message list of one ticket.
type Thread struct {
	ticketID string
	actor    domain.Actor
	messages repository.TicketMessageRepository
	guard    *dedup.Guard
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	items   []domain.TicketMessage
	changed chan struct{}
}

// NewThread builds a thread for ticketID. guard is shared with the actor's
// other threads so content echoes are recognised across them.
func NewThread(ticketID string, actor domain.Actor, messages repository.TicketMessageRepository, guard *dedup.Guard, logger *zap.Logger) *Thread {
	if guard == nil {
		guard = dedup.NewGuard()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Thread{
		ticketID: ticketID,
		actor:    actor,
		messages: messages,
		guard:    guard,
		logger:   logger.With(zap.String("ticket_id", ticketID)),
		now:      func() time.Time { return time.Now().UTC() },
		changed:  make(chan struct{}, 1),
	}
}

// Changes is signalled after a message is added. Signals coalesce; the
// channel is meant for a single watcher.
func (t *Thread) Changes() <-chan struct{} {
	return t.changed
}

func (t *Thread) notify() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

// Filter restricts a change-feed subscription to this thread.
func (t *Thread) Filter() *events.Filter {
	return &events.Filter{Field: "ticket_id", Value: t.ticketID}
}

// Load fetches the thread from the backing store.
func (t *Thread) Load(ctx context.Context) error {
	rows, err := t.messages.ListByTicket(ctx, t.ticketID)
	if err != nil {
		return apperrors.NewStoreUnavailable("load messages", err)
	}
	t.mu.Lock()
	t.items = append([]domain.TicketMessage(nil), rows...)
	t.sortLocked()
	t.mu.Unlock()
	return nil
}

// Post writes a message from the actor. A pending copy without an id is
// shown at once and swapped for the confirmed copy when the write returns
// or its echo arrives, whichever comes first.
func (t *Thread) Post(ctx context.Context, body string) (*domain.TicketMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperrors.NewValidationError("message body is required", nil)
	}
	sender := t.actor.ID
	local := domain.TicketMessage{
		TicketID:  t.ticketID,
		SenderID:  &sender,
		Kind:      domain.MessageKindUser,
		Body:      body,
		CreatedAt: t.now(),
	}
	// Remember before writing: the echo can beat the returned id.
	t.guard.RememberMessage(local)
	t.mu.Lock()
	t.items = append(t.items, local)
	t.sortLocked()
	t.mu.Unlock()
	t.notify()

	msg := local
	if err := t.messages.Create(ctx, &msg); err != nil {
		t.mu.Lock()
		t.dropPendingLocked(local)
		t.mu.Unlock()
		t.notify()
		return nil, writeError("post message", err)
	}
	t.guard.RememberMessage(msg)

	t.mu.Lock()
	t.dropPendingLocked(local)
	if !t.containsLocked(msg.ID) {
		t.items = append(t.items, msg)
		t.sortLocked()
	}
	t.mu.Unlock()
	t.notify()
	return &msg, nil
}

// Apply reconciles one message event. Only inserts are meaningful for
// threads. The echo of a post still pending in this thread replaces the
// pending copy; every other message is inserted, including the actor's own
// posts made through another thread.
func (t *Thread) Apply(event events.ChangeEvent) Result {
	if event.Collection != "" && event.Collection != events.CollectionMessages {
		return ResultSkipped
	}
	if event.Kind != events.ChangeInsert {
		return ResultSkipped
	}
	var msg domain.TicketMessage
	if err := event.DecodeNew(&msg); err != nil || msg.ID == "" {
		t.logger.Warn("dropping malformed message event", zap.Error(err))
		return ResultDropped
	}
	if msg.TicketID != t.ticketID {
		return ResultSkipped
	}

	t.mu.Lock()
	if t.containsLocked(msg.ID) {
		t.mu.Unlock()
		return ResultSkipped
	}
	result := ResultInserted
	if i := t.pendingEchoLocked(msg); i >= 0 {
		t.items[i] = msg
		result = ResultSuppressed
	} else {
		t.items = append(t.items, msg)
	}
	t.sortLocked()
	t.mu.Unlock()
	t.notify()
	return result
}

// Run consumes sub until ctx is done or the subscription is torn down.
func (t *Thread) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case event := <-sub.C:
			t.Apply(event)
		}
	}
}

// Messages returns the thread oldest first.
func (t *Thread) Messages() []domain.TicketMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]domain.TicketMessage(nil), t.items...)
}

func (t *Thread) containsLocked(id string) bool {
	for _, m := range t.items {
		if m.ID == id {
			return true
		}
	}
	return false
}

// pendingEchoLocked returns the index of the pending copy msg confirms, or
// -1 when this thread has none.
func (t *Thread) pendingEchoLocked(msg domain.TicketMessage) int {
	if !t.guard.IsDuplicateMessage(msg) {
		return -1
	}
	for i, m := range t.items {
		if m.ID == "" && m.Sender() == msg.Sender() && m.Body == msg.Body {
			return i
		}
	}
	return -1
}

func (t *Thread) dropPendingLocked(local domain.TicketMessage) {
	for i, m := range t.items {
		if m.ID == "" && m.Body == local.Body && m.CreatedAt.Equal(local.CreatedAt) {
			t.items = append(t.items[:i], t.items[i+1:]...)
			return
		}
	}
}

func (t *Thread) sortLocked() {
	sort.SliceStable(t.items, func(i, j int) bool {
		return t.items[i].CreatedAt.Before(t.items[j].CreatedAt)
	})
}
