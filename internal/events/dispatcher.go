package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const subscriptionBuffer = 256

// Feed delivers row-level change events for a collection. Subscriptions are
// long-lived and must be released with Unsubscribe.
type Feed interface {
	Subscribe(ctx context.Context, collection string, filter *Filter) (*Subscription, error)
	Unsubscribe(sub *Subscription) error
}

// Publisher accepts change events produced by a backing store.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// Subscription is a handle on a live stream of events. Events arrive on C in
// arrival order; C is never closed, consumers select on Done as well.
type Subscription struct {
	ID         string
	Collection string
	C          <-chan ChangeEvent

	filter    *Filter
	ch        chan ChangeEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(collection string, filter *Filter) *Subscription {
	ch := make(chan ChangeEvent, subscriptionBuffer)
	return &Subscription{
		ID:         uuid.NewString(),
		Collection: collection,
		C:          ch,
		filter:     filter,
		ch:         ch,
		done:       make(chan struct{}),
	}
}

// Done is closed once the subscription has been torn down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) deliver(ctx context.Context, event ChangeEvent) bool {
	if !s.filter.Matches(event) {
		return true
	}
	select {
	case s.ch <- event:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Broker is an in-process Feed used by the memory repositories.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[string]*Subscription)}
}

// Subscribe registers a subscription for the collection.
func (b *Broker) Subscribe(ctx context.Context, collection string, filter *Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscription(collection, filter)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[collection] == nil {
		b.subs[collection] = make(map[string]*Subscription)
	}
	b.subs[collection][sub.ID] = sub
	return sub, nil
}

// Unsubscribe removes the subscription and closes its Done channel.
func (b *Broker) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	b.mu.Lock()
	if byID, ok := b.subs[sub.Collection]; ok {
		delete(byID, sub.ID)
	}
	b.mu.Unlock()
	sub.close()
	return nil
}

// Publish delivers the event to every subscriber of its collection. Delivery
// blocks while a subscriber's buffer is full.
func (b *Broker) Publish(ctx context.Context, event ChangeEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[event.Collection]))
	for _, sub := range b.subs[event.Collection] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(ctx, event)
	}
	return ctx.Err()
}

// CloseAll tears down every subscription. Used when the upstream source
// may have lost events and consumers must start over.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	var victims []*Subscription
	for _, byID := range b.subs {
		for _, sub := range byID {
			victims = append(victims, sub)
		}
	}
	b.subs = make(map[string]map[string]*Subscription)
	b.mu.Unlock()
	for _, sub := range victims {
		sub.close()
	}
}

// SubscriberCount returns the number of live subscriptions for a collection.
func (b *Broker) SubscriberCount(collection string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[collection])
}
