package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/events"
)

// ErrFeedLost is returned by Run when a subscription ends on its own.
var ErrFeedLost = errors.New("change feed subscription lost")

// Invalidator drops cache keys when change events touch the data behind them.
type Invalidator struct {
	feed   events.Feed
	cache  *Cache
	keys   []string
	logger *zap.Logger
}

// NewInvalidator invalidates keys on relevant ticket, hero and mission changes.
func NewInvalidator(feed events.Feed, cache *Cache, logger *zap.Logger, keys ...string) *Invalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invalidator{feed: feed, cache: cache, keys: keys, logger: logger}
}

var watchedCollections = []string{events.CollectionTickets, events.CollectionHeroes, events.CollectionMissions}

// Run subscribes to the watched collections and invalidates until ctx is
// cancelled or a subscription is lost. Subscriptions are released on return.
func (i *Invalidator) Run(ctx context.Context) error {
	subs := make([]*events.Subscription, 0, len(watchedCollections))
	defer func() {
		for _, sub := range subs {
			if err := i.feed.Unsubscribe(sub); err != nil {
				i.logger.Warn("unsubscribe failed", zap.String("collection", sub.Collection), zap.Error(err))
			}
		}
	}()
	for _, collection := range watchedCollections {
		sub, err := i.feed.Subscribe(ctx, collection, nil)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", collection, err)
		}
		subs = append(subs, sub)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *events.Subscription) {
			defer wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-sub.Done():
					cancel()
					return
				case ev := <-sub.C:
					i.Handle(runCtx, ev)
				}
			}
		}(sub)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrFeedLost
}

// Handle invalidates the configured keys when ev is relevant.
func (i *Invalidator) Handle(ctx context.Context, ev events.ChangeEvent) bool {
	if !Relevant(ev) {
		return false
	}
	for _, key := range i.keys {
		i.cache.Invalidate(ctx, key)
	}
	i.logger.Debug("dashboard cache invalidated",
		zap.String("collection", ev.Collection), zap.String("kind", string(ev.Kind)))
	return true
}

// Relevant reports whether ev can change dashboard figures: ticket inserts,
// deletes and status, priority or assignee changes; hero status or role
// changes; any mission change.
func Relevant(ev events.ChangeEvent) bool {
	switch ev.Collection {
	case events.CollectionMissions:
		return true
	case events.CollectionTickets:
		return ev.Kind != events.ChangeUpdate || fieldsChanged(ev, "status", "priority", "assigned_to")
	case events.CollectionHeroes:
		return ev.Kind != events.ChangeUpdate || fieldsChanged(ev, "status", "role")
	}
	return false
}

// fieldsChanged compares the named columns of the old and new rows. Without
// an old row the change is assumed relevant.
func fieldsChanged(ev events.ChangeEvent, fields ...string) bool {
	if len(ev.Old) == 0 || len(ev.New) == 0 {
		return true
	}
	var before, after map[string]json.RawMessage
	if json.Unmarshal(ev.Old, &before) != nil || json.Unmarshal(ev.New, &after) != nil {
		return true
	}
	for _, f := range fields {
		if string(before[f]) != string(after[f]) {
			return true
		}
	}
	return false
}
