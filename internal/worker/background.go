// Package worker runs the long-lived background jobs of the API process.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/dashboard"
	"github.com/spec-kit/dispatch-desk/internal/session"
)

// DefaultReapInterval is how often idle sessions are swept.
const DefaultReapInterval = time.Minute

// Background keeps the dashboard cache in step with the change feed and
// sweeps idle sessions.
type Background struct {
	invalidator  *dashboard.Invalidator
	sessions     *session.Manager
	reapInterval time.Duration
	logger       *zap.Logger
	wg           sync.WaitGroup
}

// NewBackground wires the jobs. Either job may be nil.
func NewBackground(invalidator *dashboard.Invalidator, sessions *session.Manager, reapInterval time.Duration, logger *zap.Logger) *Background {
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Background{invalidator: invalidator, sessions: sessions, reapInterval: reapInterval, logger: logger}
}

// Start launches the jobs; they stop when ctx is cancelled.
func (b *Background) Start(ctx context.Context) {
	if b.invalidator != nil {
		b.spawn("dashboard invalidator", func() error {
			return b.runInvalidator(ctx)
		})
	}
	if b.sessions != nil {
		b.spawn("session reaper", func() error {
			return b.sessions.Run(ctx, b.reapInterval)
		})
	}
}

// Wait blocks until every job has returned.
func (b *Background) Wait() {
	b.wg.Wait()
}

func (b *Background) spawn(name string, job func() error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.logger.Info("background job started", zap.String("job", name))
		if err := job(); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("background job stopped", zap.String("job", name), zap.Error(err))
			return
		}
		b.logger.Info("background job stopped", zap.String("job", name))
	}()
}

// runInvalidator resubscribes after a lost feed, backing off between tries.
func (b *Background) runInvalidator(ctx context.Context) error {
	backoff := time.Second
	for {
		err := b.invalidator.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("dashboard invalidator restarting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
