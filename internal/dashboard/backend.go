package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "dispatch:cache:"

type redisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend stores entries as JSON envelopes in Redis.
func NewRedisBackend(client redis.UniversalClient) Backend {
	return &redisBackend{client: client}
}

func (b *redisBackend) Get(ctx context.Context, key string) (Entry, error) {
	raw, err := b.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, ErrMiss
	}
	return entry, nil
}

func (b *redisBackend) Set(ctx context.Context, key string, entry Entry, expiry time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, redisKeyPrefix+key, raw, expiry).Err()
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, redisKeyPrefix+key).Err()
}

// MemoryBackend keeps entries in process. Used when Redis is not configured.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	failure error
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry), now: time.Now}
}

// FailWith makes every call return err until cleared with nil.
func (b *MemoryBackend) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failure = err
}

func (b *MemoryBackend) Get(_ context.Context, key string) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure != nil {
		return Entry{}, b.failure
	}
	e, ok := b.entries[key]
	if !ok {
		return Entry{}, ErrMiss
	}
	if !e.expiresAt.IsZero() && b.now().After(e.expiresAt) {
		delete(b.entries, key)
		return Entry{}, ErrMiss
	}
	return e.entry, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, entry Entry, expiry time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure != nil {
		return b.failure
	}
	e := memoryEntry{entry: entry}
	if expiry > 0 {
		e.expiresAt = b.now().Add(expiry)
	}
	b.entries[key] = e
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure != nil {
		return b.failure
	}
	delete(b.entries, key)
	return nil
}
