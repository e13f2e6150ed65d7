package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversInOrder(t *testing.T) {
	broker := NewBroker()
	sub, err := broker.Subscribe(context.Background(), CollectionTickets, nil)
	require.NoError(t, err)
	other, err := broker.Subscribe(context.Background(), CollectionHeroes, nil)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		ev, err := NewChangeEvent(ChangeInsert, CollectionTickets, map[string]string{"id": id}, nil)
		require.NoError(t, err)
		require.NoError(t, broker.Publish(context.Background(), ev))
	}

	for _, want := range []string{"a", "b", "c"} {
		ev := <-sub.C
		id, err := ev.RowID()
		require.NoError(t, err)
		assert.Equal(t, want, id)
		assert.NotEmpty(t, ev.ID)
	}
	assert.Empty(t, other.C)
}

func TestBrokerFilter(t *testing.T) {
	broker := NewBroker()
	sub, err := broker.Subscribe(context.Background(), CollectionMessages, &Filter{Field: "ticket_id", Value: "t-1"})
	require.NoError(t, err)

	for _, ticket := range []string{"t-2", "t-1"} {
		ev, err := NewChangeEvent(ChangeInsert, CollectionMessages, map[string]string{"id": "m", "ticket_id": ticket}, nil)
		require.NoError(t, err)
		require.NoError(t, broker.Publish(context.Background(), ev))
	}
	require.Len(t, sub.C, 1)
	ev := <-sub.C
	assert.Contains(t, string(ev.New), `"t-1"`)
}

func TestBrokerUnsubscribe(t *testing.T) {
	broker := NewBroker()
	sub, err := broker.Subscribe(context.Background(), CollectionTickets, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, broker.SubscriberCount(CollectionTickets))

	require.NoError(t, broker.Unsubscribe(sub))
	require.NoError(t, broker.Unsubscribe(sub))
	assert.Zero(t, broker.SubscriberCount(CollectionTickets))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}

	ev, err := NewChangeEvent(ChangeInsert, CollectionTickets, map[string]string{"id": "a"}, nil)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(context.Background(), ev))
	assert.Empty(t, sub.C)
}

func TestBrokerCloseAll(t *testing.T) {
	broker := NewBroker()
	tickets, err := broker.Subscribe(context.Background(), CollectionTickets, nil)
	require.NoError(t, err)
	heroes, err := broker.Subscribe(context.Background(), CollectionHeroes, nil)
	require.NoError(t, err)

	broker.CloseAll()
	for _, sub := range []*Subscription{tickets, heroes} {
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatalf("%s subscription still open", sub.Collection)
		}
	}
	assert.Zero(t, broker.SubscriberCount(CollectionTickets))
	assert.Zero(t, broker.SubscriberCount(CollectionHeroes))
	assert.NoError(t, broker.Unsubscribe(tickets))
}

func TestBrokerSubscribeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBroker().Subscribe(ctx, CollectionTickets, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestChangeEventValidate(t *testing.T) {
	tests := []struct {
		name  string
		event ChangeEvent
		ok    bool
	}{
		{"insert with record", ChangeEvent{Kind: ChangeInsert, New: []byte(`{"id":"a"}`)}, true},
		{"insert without record", ChangeEvent{Kind: ChangeInsert}, false},
		{"update without record", ChangeEvent{Kind: ChangeUpdate, Old: []byte(`{"id":"a"}`)}, false},
		{"delete with old record", ChangeEvent{Kind: ChangeDelete, Old: []byte(`{"id":"a"}`)}, true},
		{"delete without old record", ChangeEvent{Kind: ChangeDelete}, false},
		{"unknown kind", ChangeEvent{Kind: "TRUNCATE"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedEvent)
			}
		})
	}
}

func TestRowID(t *testing.T) {
	id, err := ChangeEvent{Old: []byte(`{"id":"gone"}`)}.RowID()
	require.NoError(t, err)
	assert.Equal(t, "gone", id)

	_, err = ChangeEvent{New: []byte(`{"title":"x"}`)}.RowID()
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
