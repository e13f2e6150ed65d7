package ticketstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/dispatch-desk/internal/dedup"
	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/events"
	"github.com/spec-kit/dispatch-desk/internal/repository"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

var (
	dispatcher = domain.Actor{ID: "dispatcher-1", Role: domain.RoleDispatcher}
	requester  = domain.Actor{ID: "requester-1", Role: domain.RoleRequester}
	heroActor  = domain.Actor{ID: "hero-1", Role: domain.RoleHero}
)

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newBackend(t *testing.T) (*repository.MemoryStore, *events.Broker) {
	t.Helper()
	broker := events.NewBroker()
	mem := repository.NewMemoryStore(broker)
	clock := &tickingClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem.SetClock(clock.Now)
	return mem, broker
}

func seed(t *testing.T, mem *repository.MemoryStore, title, createdBy string, assignee *string) domain.Ticket {
	t.Helper()
	status := domain.TicketStatusNew
	if assignee != nil {
		status = domain.TicketStatusInProgress
	}
	ticket := domain.Ticket{
		Title:       title,
		Description: title + " details",
		Status:      status,
		Type:        domain.TicketTypeMission,
		CreatedBy:   createdBy,
		AssignedTo:  assignee,
	}
	require.NoError(t, mem.Tickets().Create(context.Background(), &ticket))
	return ticket
}

func ptr[T any](v T) *T { return &v }

func ids(tickets []domain.Ticket) []string {
	out := make([]string, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.ID)
	}
	return out
}

func event(t *testing.T, kind events.ChangeKind, newRow, oldRow any) events.ChangeEvent {
	t.Helper()
	ev, err := events.NewChangeEvent(kind, events.CollectionTickets, newRow, oldRow)
	require.NoError(t, err)
	return ev
}

func TestLoadAppliesRoleVisibility(t *testing.T) {
	mem, _ := newBackend(t)
	own := seed(t, mem, "own", heroActor.ID, nil)
	assigned := seed(t, mem, "assigned", requester.ID, ptr(heroActor.ID))
	other := seed(t, mem, "other", requester.ID, nil)

	t.Run("elevated sees everything newest first", func(t *testing.T) {
		store := New(dispatcher, Dependencies{Tickets: mem.Tickets()})
		require.NoError(t, store.Load(context.Background()))
		assert.Equal(t, []string{other.ID, assigned.ID, own.ID}, ids(store.Snapshot()))
		assert.True(t, store.Loaded())
	})

	t.Run("hero sees created and assigned", func(t *testing.T) {
		store := New(heroActor, Dependencies{Tickets: mem.Tickets()})
		require.NoError(t, store.Load(context.Background()))
		assert.Equal(t, []string{assigned.ID, own.ID}, ids(store.Snapshot()))
	})

	t.Run("backing store failure", func(t *testing.T) {
		mem.FailWith(errors.New("connection refused"))
		defer mem.FailWith(nil)
		store := New(dispatcher, Dependencies{Tickets: mem.Tickets()})
		err := store.Load(context.Background())
		assert.True(t, apperrors.HasCode(err, apperrors.CodeStoreUnavailable))
		assert.False(t, store.Loaded())
	})
}

func TestCreate(t *testing.T) {
	t.Run("stamps defaults and inserts optimistically", func(t *testing.T) {
		mem, _ := newBackend(t)
		store := New(requester, Dependencies{Tickets: mem.Tickets()})
		require.NoError(t, store.Load(context.Background()))

		created, err := store.Create(context.Background(), domain.TicketDraft{
			Title:       "  Downtown Incident ",
			Description: "Armed robbery in progress",
		})
		require.NoError(t, err)
		assert.Equal(t, "Downtown Incident", created.Title)
		assert.Equal(t, domain.TicketStatusNew, created.Status)
		assert.Equal(t, domain.TicketTypeMission, created.Type)
		assert.Equal(t, requester.ID, created.CreatedBy)
		assert.Equal(t, "REQUESTER", created.Metadata["created_by_role"])

		local, ok := store.Get(created.ID)
		require.True(t, ok)
		assert.Equal(t, created.ID, local.ID)
	})

	t.Run("rejects invalid drafts before writing", func(t *testing.T) {
		mem, _ := newBackend(t)
		store := New(requester, Dependencies{Tickets: mem.Tickets()})

		_, err := store.Create(context.Background(), domain.TicketDraft{Title: "x", Description: " "})
		assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
		_, err = store.Create(context.Background(), domain.TicketDraft{Title: "x", Description: "y", Priority: "DELTA"})
		assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))

		rows, err := mem.Tickets().List(context.Background(), repository.TicketFilter{})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("write failure is store unavailable", func(t *testing.T) {
		mem, _ := newBackend(t)
		store := New(requester, Dependencies{Tickets: mem.Tickets()})
		mem.FailWith(errors.New("timeout"))
		_, err := store.Create(context.Background(), domain.TicketDraft{Title: "x", Description: "y"})
		assert.True(t, apperrors.HasCode(err, apperrors.CodeStoreUnavailable))
		assert.Zero(t, store.Len())
	})
}

func TestOwnCreateEchoIsNotDuplicated(t *testing.T) {
	mem, broker := newBackend(t)
	sub, err := broker.Subscribe(context.Background(), events.CollectionTickets, nil)
	require.NoError(t, err)
	store := New(requester, Dependencies{Tickets: mem.Tickets()})

	created, err := store.Create(context.Background(), domain.TicketDraft{Title: "x", Description: "y"})
	require.NoError(t, err)

	echo := <-sub.C
	assert.Equal(t, ResultSuppressed, store.Apply(echo))
	assert.Equal(t, ResultSkipped, store.Apply(echo), "redelivery hits the presence check")
	assert.Equal(t, []string{created.ID}, ids(store.Snapshot()))
}

func TestConcurrentCreatesSerialize(t *testing.T) {
	mem, broker := newBackend(t)
	sub, err := broker.Subscribe(context.Background(), events.CollectionTickets, nil)
	require.NoError(t, err)
	store := New(requester, Dependencies{Tickets: mem.Tickets()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx, sub)

	draft := domain.TicketDraft{Title: "Same", Description: "Same payload"}
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(context.Background(), draft)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rows, err := mem.Tickets().List(context.Background(), repository.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	assert.Eventually(t, func() bool { return len(sub.C) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ids(rows), ids(store.Snapshot()))
}

func TestApplyReconciliation(t *testing.T) {
	mem, _ := newBackend(t)
	mine := seed(t, mem, "mine", requester.ID, nil)

	store := New(heroActor, Dependencies{Tickets: mem.Tickets()})
	require.NoError(t, store.Load(context.Background()))
	require.Zero(t, store.Len())

	t.Run("insert invisible to hero is skipped", func(t *testing.T) {
		assert.Equal(t, ResultSkipped, store.Apply(event(t, events.ChangeInsert, mine, nil)))
		assert.Zero(t, store.Len())
	})

	assignedRow := mine.Clone()
	assignedRow.AssignedTo = ptr(heroActor.ID)
	assignedRow.Status = domain.TicketStatusInProgress
	assignedRow.UpdatedAt = mine.UpdatedAt.Add(time.Minute)

	t.Run("update that makes the ticket visible inserts it", func(t *testing.T) {
		assert.Equal(t, ResultInserted, store.Apply(event(t, events.ChangeUpdate, assignedRow, mine)))
		got, ok := store.Get(mine.ID)
		require.True(t, ok)
		assert.Equal(t, domain.TicketStatusInProgress, got.Status)
	})

	t.Run("stale update is ignored", func(t *testing.T) {
		stale := assignedRow.Clone()
		stale.Status = domain.TicketStatusPending
		stale.UpdatedAt = mine.UpdatedAt
		assert.Equal(t, ResultSkipped, store.Apply(event(t, events.ChangeUpdate, stale, nil)))
		got, _ := store.Get(mine.ID)
		assert.Equal(t, domain.TicketStatusInProgress, got.Status)
	})

	t.Run("unknown status is a no-op", func(t *testing.T) {
		odd := assignedRow.Clone()
		odd.Status = "ON_HOLD"
		odd.UpdatedAt = assignedRow.UpdatedAt.Add(time.Minute)
		assert.Equal(t, ResultDropped, store.Apply(event(t, events.ChangeUpdate, odd, nil)))
		got, _ := store.Get(mine.ID)
		assert.Equal(t, domain.TicketStatusInProgress, got.Status)
	})

	t.Run("malformed events are dropped", func(t *testing.T) {
		assert.Equal(t, ResultDropped, store.Apply(events.ChangeEvent{Kind: events.ChangeInsert, Collection: events.CollectionTickets}))
		assert.Equal(t, ResultDropped, store.Apply(events.ChangeEvent{Kind: "TRUNCATE", Collection: events.CollectionTickets}))
		assert.Equal(t, ResultDropped, store.Apply(events.ChangeEvent{
			Kind: events.ChangeUpdate, Collection: events.CollectionTickets, New: []byte(`{"id":`),
		}))
		assert.Equal(t, 1, store.Len())
	})

	t.Run("reassigned away is removed", func(t *testing.T) {
		away := assignedRow.Clone()
		away.AssignedTo = ptr("hero-2")
		away.UpdatedAt = assignedRow.UpdatedAt.Add(2 * time.Minute)
		assert.Equal(t, ResultRemoved, store.Apply(event(t, events.ChangeUpdate, away, assignedRow)))
		assert.Zero(t, store.Len())
	})

	t.Run("delete removes unconditionally", func(t *testing.T) {
		require.Equal(t, ResultInserted, store.Apply(event(t, events.ChangeUpdate, func() domain.Ticket {
			back := assignedRow.Clone()
			back.UpdatedAt = assignedRow.UpdatedAt.Add(3 * time.Minute)
			return back
		}(), nil)))
		assert.Equal(t, ResultRemoved, store.Apply(event(t, events.ChangeDelete, nil, assignedRow)))
		assert.Equal(t, ResultSkipped, store.Apply(event(t, events.ChangeDelete, nil, assignedRow)))
	})

	t.Run("other collections are ignored", func(t *testing.T) {
		ev, err := events.NewChangeEvent(events.ChangeInsert, events.CollectionHeroes, map[string]string{"id": "x"}, nil)
		require.NoError(t, err)
		assert.Equal(t, ResultSkipped, store.Apply(ev))
	})
}

func TestUpdateAndMerge(t *testing.T) {
	mem, broker := newBackend(t)
	sub, err := broker.Subscribe(context.Background(), events.CollectionTickets, nil)
	require.NoError(t, err)
	seeded := seed(t, mem, "mine", requester.ID, nil)
	<-sub.C

	store := New(requester, Dependencies{Tickets: mem.Tickets(), Guard: dedup.NewGuard()})
	require.NoError(t, store.Load(context.Background()))

	updated, err := store.Update(context.Background(), seeded.ID, domain.TicketPatch{Title: ptr("renamed")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)

	local, _ := store.Get(seeded.ID)
	assert.Equal(t, "mine", local.Title, "update does not merge by itself")

	assert.Equal(t, ResultSuppressed, store.Apply(<-sub.C))
	store.Merge(*updated)
	local, _ = store.Get(seeded.ID)
	assert.Equal(t, "renamed", local.Title)

	t.Run("invalid patch", func(t *testing.T) {
		_, err := store.Update(context.Background(), seeded.ID, domain.TicketPatch{})
		assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
		_, err = store.Update(context.Background(), seeded.ID, domain.TicketPatch{Status: ptr(domain.TicketStatus("ON_HOLD"))})
		assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
	})

	t.Run("invisible ticket", func(t *testing.T) {
		foreign := seed(t, mem, "foreign", "someone-else", nil)
		<-sub.C
		_, err := store.Update(context.Background(), foreign.ID, domain.TicketPatch{Title: ptr("x")})
		assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
	})
}

func TestConvergesWithBackingStore(t *testing.T) {
	mem, broker := newBackend(t)
	sub, err := broker.Subscribe(context.Background(), events.CollectionTickets, nil)
	require.NoError(t, err)

	store := New(dispatcher, Dependencies{Tickets: mem.Tickets()})
	require.NoError(t, store.Load(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx, sub)

	changes := store.Changes(ctx)

	first, err := store.Create(ctx, domain.TicketDraft{Title: "one", Description: "first"})
	require.NoError(t, err)
	foreign := seed(t, mem, "two", requester.ID, nil)
	updated, err := store.Update(ctx, first.ID, domain.TicketPatch{Priority: ptr(domain.TicketPriorityBeta)})
	require.NoError(t, err)
	store.Merge(*updated)
	_, err = mem.Tickets().Update(ctx, foreign.ID, domain.TicketPatch{Status: ptr(domain.TicketStatusPending)})
	require.NoError(t, err)
	second, err := store.Create(ctx, domain.TicketDraft{Title: "three", Description: "third"})
	require.NoError(t, err)
	require.NoError(t, mem.Tickets().Delete(ctx, second.ID))
	_, err = mem.Tickets().Update(ctx, first.ID, domain.TicketPatch{Status: ptr(domain.TicketStatusResolved)})
	require.NoError(t, err)

	want, err := mem.Tickets().List(ctx, repository.TicketFilter{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		got := store.Snapshot()
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i].ID != want[i].ID || got[i].Status != want[i].Status || got[i].Priority != want[i].Priority {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	select {
	case <-changes:
	default:
		t.Fatal("expected a change notification")
	}
	assert.Equal(t, map[domain.TicketStatus]int{domain.TicketStatusResolved: 1, domain.TicketStatusPending: 1}, store.CountByStatus())
	assert.Len(t, store.Query([]domain.TicketStatus{domain.TicketStatusPending}, nil), 1)
	assert.Len(t, store.Query(nil, []domain.TicketPriority{domain.TicketPriorityBeta}), 1)
}

func TestRoleFilterHoldsAcrossEvents(t *testing.T) {
	mem, broker := newBackend(t)
	sub, err := broker.Subscribe(context.Background(), events.CollectionTickets, nil)
	require.NoError(t, err)

	store := New(heroActor, Dependencies{Tickets: mem.Tickets()})
	require.NoError(t, store.Load(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx, sub)

	a := seed(t, mem, "a", requester.ID, nil)
	b := seed(t, mem, "b", requester.ID, ptr(heroActor.ID))
	_, err = mem.Tickets().Update(ctx, a.ID, domain.TicketPatch{AssignedTo: ptr(heroActor.ID), Status: ptr(domain.TicketStatusInProgress)})
	require.NoError(t, err)
	_, err = mem.Tickets().Update(ctx, b.ID, domain.TicketPatch{AssignedTo: ptr("hero-2")})
	require.NoError(t, err)
	seed(t, mem, "c", "someone", nil)

	assert.Eventually(t, func() bool { return len(sub.C) == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		snap := store.Snapshot()
		return len(snap) == 1 && snap[0].ID == a.ID
	}, time.Second, 5*time.Millisecond)
	for _, ticket := range store.Snapshot() {
		assert.True(t, heroActor.CanSee(&ticket))
	}
}
