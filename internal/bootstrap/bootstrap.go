// Package bootstrap assembles the application graph from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/dispatch-desk/internal/api/http"
	"github.com/spec-kit/dispatch-desk/internal/api/http/handlers"
	"github.com/spec-kit/dispatch-desk/internal/auth"
	"github.com/spec-kit/dispatch-desk/internal/config"
	"github.com/spec-kit/dispatch-desk/internal/dashboard"
	"github.com/spec-kit/dispatch-desk/internal/events"
	"github.com/spec-kit/dispatch-desk/internal/llm"
	"github.com/spec-kit/dispatch-desk/internal/mq"
	"github.com/spec-kit/dispatch-desk/internal/observability"
	"github.com/spec-kit/dispatch-desk/internal/persistence"
	"github.com/spec-kit/dispatch-desk/internal/repository"
	"github.com/spec-kit/dispatch-desk/internal/service"
	"github.com/spec-kit/dispatch-desk/internal/session"
	"github.com/spec-kit/dispatch-desk/internal/similarity"
	"github.com/spec-kit/dispatch-desk/internal/triage"
	"github.com/spec-kit/dispatch-desk/internal/worker"
)

// Backend is the storage side of the graph: repositories, the change feed
// and the similarity index, either Postgres-backed or in memory.
type Backend struct {
	Tickets  repository.TicketRepository
	Heroes   repository.HeroRepository
	Missions repository.MissionRepository
	Messages repository.TicketMessageRepository
	Stats    repository.StatsRepository
	Feed     events.Feed
	Index    similarity.Index

	// Memory is set when no database is configured.
	Memory   *repository.MemoryStore
	Postgres *persistence.Postgres

	listener *events.PostgresFeed
}

// Close stops the change feed listener and releases the database pool.
func (b *Backend) Close() {
	if b.listener != nil {
		b.listener.Close()
	}
	b.Postgres.Close()
}

// OpenBackend connects to Postgres when a DSN is configured and falls back
// to the in-memory store otherwise.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if !pg.Enabled() {
		broker := events.NewBroker()
		mem := repository.NewMemoryStore(broker)
		return &Backend{
			Tickets:  mem.Tickets(),
			Heroes:   mem.Heroes(),
			Missions: mem.Missions(),
			Messages: mem.Messages(),
			Stats:    mem.Stats(),
			Feed:     broker,
			Index:    similarity.NewRepositoryIndex(mem.Heroes(), cfg.Pipeline.SimilarityLimit),
			Memory:   mem,
			Postgres: pg,
		}, nil
	}

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			pg.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	pool := pg.PoolHandle()
	feed := events.NewPostgresFeed(pool, cfg.Postgres.NotifyChannel, logger)
	if err := feed.Start(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("start change feed: %w", err)
	}
	return &Backend{
		Tickets:  repository.NewTicketRepository(pool),
		Heroes:   repository.NewHeroRepository(pool),
		Missions: repository.NewMissionRepository(pool),
		Messages: repository.NewTicketMessageRepository(pool),
		Stats:    repository.NewStatsRepository(pool),
		Feed:     feed,
		Index:    similarity.NewPostgresIndex(pool, cfg.Pipeline.SimilarityLimit),
		Postgres: pg,
		listener: feed,
	}, nil
}

// NewPipeline builds the triage pipeline over the backend. The ticket
// writer is bound per caller.
func NewPipeline(cfg *config.Config, backend *Backend, completer llm.Completer, logger *zap.Logger) *triage.Pipeline {
	return triage.NewPipeline(triage.Dependencies{
		Completer:    completer,
		Index:        backend.Index,
		Heroes:       backend.Heroes,
		Missions:     backend.Missions,
		Messages:     backend.Messages,
		Logger:       logger.Named("triage"),
		Timeout:      cfg.Pipeline.Timeout(),
		FallbackSize: cfg.Pipeline.FallbackSize,
	})
}

// NewPublisher connects to RabbitMQ when configured. Without a URL triage
// outcomes are only logged.
func NewPublisher(cfg config.RabbitMQConfig, logger *zap.Logger) (mq.Publisher, func(), error) {
	if cfg.URL == "" {
		logger.Warn("RABBITMQ_URL not provided; triage outcomes are not published")
		return nil, func() {}, nil
	}
	publisher, err := mq.NewRabbitPublisher(cfg.URL, cfg.Exchange, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("close rabbitmq publisher", zap.Error(err))
		}
	}, nil
}

// App is the assembled API process.
type App struct {
	Fiber      *fiber.App
	Background *worker.Background
	Sessions   *session.Manager
	Metrics    *observability.Metrics
	Backend    *Backend

	closers []func()
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Options overrides collaborators, mainly for tests.
type Options struct {
	Backend   *Backend
	Completer llm.Completer
	Publisher mq.Publisher
}

// NewApp wires the HTTP API and its background jobs.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	app := &App{Metrics: observability.NewMetrics()}

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = OpenBackend(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, backend.Close)
	}
	app.Backend = backend

	redis := persistence.NewRedis(cfg.Redis, logger)
	app.closers = append(app.closers, redis.Close)
	var cacheBackend dashboard.Backend = dashboard.NewMemoryBackend()
	if redis.Enabled() {
		cacheBackend = dashboard.NewRedisBackend(redis.Client)
	}
	cache := dashboard.NewCache(cacheBackend, logger.Named("dashboard"))

	publisher := opts.Publisher
	if publisher == nil {
		var closePublisher func()
		var err error
		publisher, closePublisher, err = NewPublisher(cfg.RabbitMQ, logger)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, closePublisher)
	}

	completer := opts.Completer
	if completer == nil {
		completer = llm.NewClient(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens)
	}

	app.Sessions = session.NewManager(session.Dependencies{
		Feed:     backend.Feed,
		Tickets:  backend.Tickets,
		Messages: backend.Messages,
		Logger:   logger.Named("session"),
		Idle:     cfg.App.SessionIdle(),
	})
	app.closers = append(app.closers, func() {
		if err := app.Sessions.Close(); err != nil {
			logger.Warn("close sessions", zap.Error(err))
		}
	})

	ticketService := service.NewTicketService(app.Sessions)
	triageService := service.NewTriageService(service.TriageDependencies{
		Sessions: app.Sessions,
		Pipeline: NewPipeline(cfg, backend, completer, logger),
		Notifier: service.NewNotificationService(publisher, logger.Named("notify")),
		Metrics:  app.Metrics,
		Logger:   logger,
	})
	dashboardService := service.NewDashboardService(backend.Stats, cache, cfg.Cache.TTL(), cfg.Cache.StaleWindow())

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL())

	app.Fiber = fiber.New(fiber.Config{
		AppName:     cfg.App.Name,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
	})
	httptransport.RegisterMiddlewares(app.Fiber, logger, app.Metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app.Fiber, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Dependency{
			"postgres": backend.Postgres,
			"redis":    redis,
		}),
		Tickets:        handlers.NewTicketsHandler(ticketService, logger.Named("http")),
		Triage:         handlers.NewTriageHandler(triageService),
		Dashboard:      handlers.NewDashboardHandler(dashboardService, app.Metrics),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
	})

	invalidator := dashboard.NewInvalidator(backend.Feed, cache, logger.Named("dashboard"), service.DashboardKey)
	app.Background = worker.NewBackground(invalidator, app.Sessions, worker.DefaultReapInterval, logger.Named("worker"))
	return app, nil
}
