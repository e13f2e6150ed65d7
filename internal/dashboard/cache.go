// Package dashboard serves expensive aggregations through a
// stale-while-revalidate cache.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrMiss is returned by a Backend when the key is absent.
var ErrMiss = errors.New("cache miss")

// Entry is a cached value with the time it was computed.
type Entry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
}

// Backend stores entries. Expiry is a hint; the cache judges freshness
// from StoredAt.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, key string, entry Entry, expiry time.Duration) error
	Delete(ctx context.Context, key string) error
}

const defaultRefreshTimeout = 30 * time.Second

// Cache coordinates reads, background refreshes and invalidation over a
// Backend. At most one refresh per key is in flight.
type Cache struct {
	backend        Backend
	logger         *zap.Logger
	now            func() time.Time
	refreshTimeout time.Duration

	mu          sync.Mutex
	refreshing  map[string]struct{}
	generations map[string]uint64
	wg          sync.WaitGroup
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRefreshTimeout bounds background refreshes.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) { c.refreshTimeout = d }
}

// NewCache builds a cache over backend.
func NewCache(backend Backend, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		backend:        backend,
		logger:         logger,
		now:            time.Now,
		refreshTimeout: defaultRefreshTimeout,
		refreshing:     make(map[string]struct{}),
		generations:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value cached under key. Fresh entries (age < ttl) are
// returned as is. Stale entries (age < ttl+staleWindow) are returned while
// compute runs in the background. Anything older, or missing, is computed
// synchronously. Backend failures fall back to compute.
func Get[T any](ctx context.Context, c *Cache, key string, compute func(context.Context) (T, error), ttl, staleWindow time.Duration) (T, error) {
	var zero T
	entry, err := c.backend.Get(ctx, key)
	switch {
	case errors.Is(err, ErrMiss):
	case err != nil:
		c.logger.Warn("cache backend read failed; computing directly", zap.String("key", key), zap.Error(err))
		return compute(ctx)
	default:
		var cached T
		if decodeErr := json.Unmarshal(entry.Value, &cached); decodeErr != nil {
			c.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(decodeErr))
			break
		}
		age := c.now().Sub(entry.StoredAt)
		if age < ttl {
			return cached, nil
		}
		if age < ttl+staleWindow {
			c.refreshAsync(ctx, key, func(ctx context.Context) (any, error) { return compute(ctx) }, ttl+staleWindow)
			return cached, nil
		}
	}

	gen := c.generation(key)
	value, err := compute(ctx)
	if err != nil {
		return zero, err
	}
	c.store(ctx, key, gen, value, ttl+staleWindow)
	return value, nil
}

// Invalidate drops key so the next read recomputes. Refreshes already in
// flight for key will not write their result.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	c.generations[key]++
	c.mu.Unlock()
	if err := c.backend.Delete(ctx, key); err != nil {
		c.logger.Warn("cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}

// Wait blocks until background refreshes have finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[key]
}

func (c *Cache) refreshAsync(ctx context.Context, key string, compute func(context.Context) (any, error), expiry time.Duration) {
	c.mu.Lock()
	if _, busy := c.refreshing[key]; busy {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = struct{}{}
	gen := c.generations[key]
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		value, err := compute(refreshCtx)
		if err != nil {
			c.logger.Warn("background refresh failed", zap.String("key", key), zap.Error(err))
			return
		}
		c.store(refreshCtx, key, gen, value, expiry)
	}()
}

func (c *Cache) store(ctx context.Context, key string, gen uint64, value any, expiry time.Duration) {
	if c.generation(key) != gen {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value not encodable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.backend.Set(ctx, key, Entry{Value: raw, StoredAt: c.now()}, expiry); err != nil {
		c.logger.Warn("cache backend write failed", zap.String("key", key), zap.Error(err))
	}
}
