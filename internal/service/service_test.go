package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/dispatch-desk/internal/dashboard"
	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/events"
	"github.com/spec-kit/dispatch-desk/internal/llm"
	"github.com/spec-kit/dispatch-desk/internal/mq"
	"github.com/spec-kit/dispatch-desk/internal/observability"
	"github.com/spec-kit/dispatch-desk/internal/repository"
	"github.com/spec-kit/dispatch-desk/internal/session"
	"github.com/spec-kit/dispatch-desk/internal/similarity"
	"github.com/spec-kit/dispatch-desk/internal/triage"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

var (
	dispatcher = domain.Actor{ID: "dispatcher-1", Role: domain.RoleDispatcher}
	requester  = domain.Actor{ID: "requester-1", Role: domain.RoleRequester}
)

type cannedCompleter struct {
	mu      sync.Mutex
	replies map[string]string
	err     error
}

func (c *cannedCompleter) Complete(_ context.Context, templateID string, _ map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	reply, ok := c.replies[templateID]
	if !ok {
		return "", fmt.Errorf("unexpected template %s", templateID)
	}
	return reply, nil
}

type env struct {
	mem       *repository.MemoryStore
	sessions  *session.Manager
	tickets   *TicketService
	triage    *TriageService
	completer *cannedCompleter
	recorder  *mq.Recorder
	metrics   *observability.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	broker := events.NewBroker()
	mem := repository.NewMemoryStore(broker)
	sessions := session.NewManager(session.Dependencies{
		Feed:     broker,
		Tickets:  mem.Tickets(),
		Messages: mem.Messages(),
	})
	t.Cleanup(func() { _ = sessions.Close() })

	completer := &cannedCompleter{replies: map[string]string{
		llm.TemplatePriorityAssessment:  `{"level":"OMEGA","confidence":0.95,"reasoning":"meteor"}`,
		llm.TemplateObjectiveGeneration: `{"objectives":[{"description":"Stop the meteor","required_powers":["strength"],"success_criteria":"no impact"}]}`,
		llm.TemplateHeroRanking:         `{"hero_matches":[{"hero_id":"hero-a","match_score":0.9,"match_reasoning":"strongest"}]}`,
	}}
	recorder := &mq.Recorder{}
	metrics := observability.NewMetrics()
	pipeline := triage.NewPipeline(triage.Dependencies{
		Completer: completer,
		Index:     similarity.NewRepositoryIndex(mem.Heroes(), 0),
		Heroes:    mem.Heroes(),
		Missions:  mem.Missions(),
		Messages:  mem.Messages(),
		Timeout:   2 * time.Second,
	})
	return &env{
		mem:      mem,
		sessions: sessions,
		tickets:  NewTicketService(sessions),
		triage: NewTriageService(TriageDependencies{
			Sessions: sessions,
			Pipeline: pipeline,
			Notifier: NewNotificationService(recorder, nil),
			Metrics:  metrics,
		}),
		completer: completer,
		recorder:  recorder,
		metrics:   metrics,
	}
}

func ptr[T any](v T) *T { return &v }

func TestTicketServiceVisibility(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	mine, err := e.tickets.Create(ctx, requester, domain.TicketDraft{Title: "Cat in tree", Description: "Tall tree"})
	require.NoError(t, err)
	other, err := e.tickets.Create(ctx, domain.Actor{ID: "requester-2", Role: domain.RoleRequester},
		domain.TicketDraft{Title: "Flooded basement", Description: "Water everywhere"})
	require.NoError(t, err)

	list, err := e.tickets.List(ctx, requester, TicketFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	_, err = e.tickets.Get(ctx, requester, other.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	assert.Eventually(t, func() bool {
		all, err := e.tickets.List(ctx, dispatcher, TicketFilter{Statuses: []domain.TicketStatus{domain.TicketStatusNew}})
		return err == nil && len(all) == 2
	}, time.Second, 5*time.Millisecond)

	counts, err := e.tickets.Counts(ctx, dispatcher)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.TicketStatusNew])
}

func TestTicketServiceUpdateKeepsAssigneeConsistent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ticket, err := e.tickets.Create(ctx, dispatcher, domain.TicketDraft{Title: "Bank robbery", Description: "Downtown"})
	require.NoError(t, err)

	assigned, err := e.tickets.Update(ctx, dispatcher, ticket.ID, domain.TicketPatch{AssignedTo: ptr("hero-a")})
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusInProgress, assigned.Status)
	require.NotNil(t, assigned.AssignedTo)

	local, err := e.tickets.Get(ctx, dispatcher, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusInProgress, local.Status, "confirmed row is merged")

	resolved, err := e.tickets.Update(ctx, dispatcher, ticket.ID, domain.TicketPatch{Status: ptr(domain.TicketStatusResolved)})
	require.NoError(t, err)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.NotNil(t, resolved.AssignedTo)

	closed, err := e.tickets.Update(ctx, dispatcher, ticket.ID, domain.TicketPatch{Status: ptr(domain.TicketStatusClosed)})
	require.NoError(t, err)
	assert.Nil(t, closed.AssignedTo)
	assert.NotNil(t, closed.ClosedAt)

	_, err = e.tickets.Update(ctx, dispatcher, ticket.ID, domain.TicketPatch{
		Status:     ptr(domain.TicketStatusNew),
		AssignedTo: ptr("hero-a"),
	})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
}

func TestTicketServiceMessages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ticket, err := e.tickets.Create(ctx, requester, domain.TicketDraft{Title: "Lost dog", Description: "Answers to Rex"})
	require.NoError(t, err)

	msg, err := e.tickets.PostMessage(ctx, requester, ticket.ID, "  still missing  ")
	require.NoError(t, err)
	assert.Equal(t, "still missing", msg.Body)

	msgs, err := e.tickets.Messages(ctx, requester, ticket.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, requester.ID, msgs[0].Sender())

	_, err = e.tickets.PostMessage(ctx, domain.Actor{ID: "stranger", Role: domain.RoleRequester}, ticket.ID, "hi")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestTriageServiceAssignsAndPublishes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.mem.PutHero(ctx, domain.Hero{
		ID: "hero-a", Name: "Atlas", Powers: []string{"strength"}, Role: domain.RoleHero, Status: domain.HeroStatusActive,
	}))
	ticket, err := e.tickets.Create(ctx, requester, domain.TicketDraft{Title: "Meteor", Description: "Incoming"})
	require.NoError(t, err)

	t.Run("requires an elevated role", func(t *testing.T) {
		_, err := e.triage.Triage(ctx, requester, ticket.ID, nil)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeForbidden))
	})

	require.Eventually(t, func() bool {
		_, err := e.tickets.Get(ctx, dispatcher, ticket.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	var notices []triage.Notice
	outcome, err := e.triage.Triage(ctx, dispatcher, ticket.ID, func(n triage.Notice) { notices = append(notices, n) })
	require.NoError(t, err)
	assert.Equal(t, "hero-a", outcome.HeroID)
	assert.NotEmpty(t, notices)

	local, err := e.tickets.Get(ctx, dispatcher, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketPriorityOmega, local.Priority)
	assert.Equal(t, domain.TicketStatusInProgress, local.Status)

	msgs := e.recorder.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, mq.RoutingTicketTriaged, msgs[0].RoutingKey)
	var body TriageNotification
	require.NoError(t, json.Unmarshal(msgs[0].Body, &body))
	assert.Equal(t, ticket.ID, body.TicketID)
	assert.Equal(t, dispatcher.ID, body.TriggeredBy)
	assert.Equal(t, "hero-a", body.HeroID)
	assert.NotEmpty(t, body.MissionID)

	assert.EqualValues(t, 1, e.metrics.Snapshot().Triage["assigned"])
}

func TestTriageServiceReportsFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ticket, err := e.tickets.Create(ctx, dispatcher, domain.TicketDraft{Title: "Alien signal", Description: "Repeating"})
	require.NoError(t, err)

	t.Run("unknown ticket", func(t *testing.T) {
		_, err := e.triage.Triage(ctx, dispatcher, "missing", nil)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
	})

	e.completer.err = errors.New("overloaded")
	_, err = e.triage.Triage(ctx, dispatcher, ticket.ID, nil)
	require.Error(t, err)
	stage, ok := triage.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, triage.StagePriority, stage)

	msgs := e.recorder.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, mq.RoutingTicketTriageFailed, msgs[0].RoutingKey)
	var body TriageNotification
	require.NoError(t, json.Unmarshal(msgs[0].Body, &body))
	assert.Equal(t, apperrors.CodeUpstreamService, body.Code)
	assert.Equal(t, string(triage.StagePriority), body.Stage)
	assert.EqualValues(t, 1, e.metrics.Snapshot().Triage[string(triage.StagePriority)])
}

func TestDashboardServiceCachesStats(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemoryStore(nil)
	cache := dashboard.NewCache(dashboard.NewMemoryBackend(), nil)
	svc := NewDashboardService(mem.Stats(), cache, time.Minute, time.Minute)

	first, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, first.TotalTickets)

	ticket := domain.Ticket{Title: "x", Description: "y", Status: domain.TicketStatusNew, Type: domain.TicketTypeMission, CreatedBy: "u"}
	require.NoError(t, mem.Tickets().Create(ctx, &ticket))

	cached, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, cached.TotalTickets, "fresh entry is served from cache")

	cache.Invalidate(ctx, DashboardKey)
	recomputed, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recomputed.TotalTickets)
	assert.Equal(t, 1, recomputed.ByStatus[domain.TicketStatusNew])
}
