package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rowTable struct {
	mu    sync.Mutex
	rows  map[string]json.RawMessage
	reads int
}

func (r *rowTable) load(_ context.Context, collection, id string) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	row, ok := r.rows[collection+"/"+id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return row, nil
}

func connectedFeed(t *testing.T, rows *rowTable) *PostgresFeed {
	t.Helper()
	f := newPostgresFeed(rows.load, "", nil)
	f.connected = true
	t.Cleanup(f.Close)
	return f
}

func payload(t *testing.T, n notification) string {
	t.Helper()
	raw, err := json.Marshal(n)
	require.NoError(t, err)
	return string(raw)
}

func receive(t *testing.T, sub *Subscription) ChangeEvent {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return ChangeEvent{}
	}
}

func TestPostgresFeedRereadsLargeRows(t *testing.T) {
	ctx := context.Background()
	description := strings.Repeat("lava flow spreading toward the harbour. ", 500)
	row, err := json.Marshal(map[string]any{
		"id":          "t-1",
		"status":      "IN_PROGRESS",
		"description": description,
		"metadata":    map[string]any{"ai_analysis": map[string]any{"priority_assessment": map[string]any{"level": "OMEGA"}}},
	})
	require.NoError(t, err)
	rows := &rowTable{rows: map[string]json.RawMessage{"tickets/t-1": row}}
	feed := connectedFeed(t, rows)

	sub, err := feed.Subscribe(ctx, CollectionTickets, nil)
	require.NoError(t, err)

	note := payload(t, notification{
		Kind:       ChangeUpdate,
		Collection: CollectionTickets,
		ID:         "t-1",
		OldKeys:    json.RawMessage(`{"id":"t-1","status":"NEW","priority":null}`),
		Timestamp:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	})
	assert.Less(t, len(note), 8000, "notification size does not depend on the row")
	assert.Greater(t, len(row), 8000)

	feed.dispatch(ctx, note)
	ev := receive(t, sub)
	require.NoError(t, ev.Validate())
	assert.Equal(t, ChangeUpdate, ev.Kind)
	assert.JSONEq(t, string(row), string(ev.New), "full row including metadata")

	var old map[string]any
	require.NoError(t, json.Unmarshal(ev.Old, &old))
	assert.Equal(t, "NEW", old["status"])
}

func TestPostgresFeedResolve(t *testing.T) {
	ctx := context.Background()
	rows := &rowTable{rows: map[string]json.RawMessage{
		"ticket_messages/m-1": json.RawMessage(`{"id":"m-1","ticket_id":"t-1","body":"hi"}`),
	}}
	feed := connectedFeed(t, rows)

	t.Run("insert carries no old row", func(t *testing.T) {
		ev, ok, err := feed.resolve(ctx, payload(t, notification{Kind: ChangeInsert, Collection: CollectionMessages, ID: "m-1"}))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Empty(t, ev.Old)
		assert.True(t, (&Filter{Field: "ticket_id", Value: "t-1"}).Matches(ev))
	})

	t.Run("row gone before re-read is skipped", func(t *testing.T) {
		_, ok, err := feed.resolve(ctx, payload(t, notification{Kind: ChangeUpdate, Collection: CollectionMessages, ID: "m-9"}))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete uses the old keys without a read", func(t *testing.T) {
		before := rows.reads
		ev, ok, err := feed.resolve(ctx, payload(t, notification{
			Kind: ChangeDelete, Collection: CollectionMessages, ID: "m-2",
			OldKeys: json.RawMessage(`{"id":"m-2","ticket_id":"t-1"}`),
		}))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, before, rows.reads)
		id, err := ev.RowID()
		require.NoError(t, err)
		assert.Equal(t, "m-2", id)
		assert.True(t, (&Filter{Field: "ticket_id", Value: "t-1"}).Matches(ev))
	})

	t.Run("delete without keys still carries the id", func(t *testing.T) {
		ev, ok, err := feed.resolve(ctx, payload(t, notification{Kind: ChangeDelete, Collection: CollectionTickets, ID: "t-7"}))
		require.NoError(t, err)
		require.True(t, ok)
		id, err := ev.RowID()
		require.NoError(t, err)
		assert.Equal(t, "t-7", id)
	})

	malformed := []string{
		`not json`,
		`{"type":"INSERT","table":"users","id":"u-1"}`,
		`{"type":"INSERT","table":"tickets"}`,
		`{"type":"TRUNCATE","table":"tickets","id":"t-1"}`,
	}
	for _, raw := range malformed {
		_, ok, err := feed.resolve(ctx, raw)
		assert.ErrorIs(t, err, ErrMalformedEvent, raw)
		assert.False(t, ok)
	}
}

func TestPostgresFeedListenerLossEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	feed := connectedFeed(t, &rowTable{})

	sub, err := feed.Subscribe(ctx, CollectionTickets, nil)
	require.NoError(t, err)

	feed.disconnected()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription survived a lost listener")
	}
	assert.Zero(t, feed.broker.SubscriberCount(CollectionTickets))

	_, err = feed.Subscribe(ctx, CollectionTickets, nil)
	assert.ErrorIs(t, err, ErrFeedUnavailable)
	assert.NoError(t, feed.Unsubscribe(sub))
}
