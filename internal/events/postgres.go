package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DefaultNotifyChannel is the NOTIFY channel the row triggers publish on.
const DefaultNotifyChannel = "dispatch_changes"

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// ErrFeedUnavailable is returned by Subscribe while the listener is down.
var ErrFeedUnavailable = errors.New("change feed is not connected")

// rowQueries re-read a changed row in the same JSON shape the domain types
// decode. Only collections listed here are accepted from notifications.
var rowQueries = map[string]string{
	CollectionTickets:  `SELECT to_jsonb(r) FROM tickets r WHERE r.id = $1`,
	CollectionHeroes:   `SELECT to_jsonb(r) FROM heroes r WHERE r.id = $1`,
	CollectionMissions: `SELECT to_jsonb(r) FROM missions r WHERE r.id = $1`,
	CollectionMessages: `SELECT to_jsonb(r) FROM ticket_messages r WHERE r.id = $1`,
}

// notification is the compact envelope the row triggers send. Keys carry a
// few small columns (status, owner ids, ticket_id) so filters and old-row
// comparisons work without the full row.
type notification struct {
	Kind       ChangeKind      `json:"type"`
	Collection string          `json:"table"`
	ID         string          `json:"id"`
	Keys       json.RawMessage `json:"keys,omitempty"`
	OldKeys    json.RawMessage `json:"old_keys,omitempty"`
	Timestamp  time.Time       `json:"commit_timestamp"`
}

type rowLoader func(ctx context.Context, collection, id string) (json.RawMessage, error)

// PostgresFeed streams change events published by row triggers through
// LISTEN/NOTIFY. A single connection opened outside the pool listens for the
// whole process and fans events out to subscribers through a Broker. Rows
// are re-read before delivery, so NOTIFY payloads stay small whatever the
// row size. When the listener drops, every subscription is torn down so
// consumers reload instead of silently missing events.
type PostgresFeed struct {
	pool    *pgxpool.Pool
	channel string
	logger  *zap.Logger
	load    rowLoader
	broker  *Broker

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPostgresFeed builds a feed over the pool. Call Start before subscribing.
func NewPostgresFeed(pool *pgxpool.Pool, channel string, logger *zap.Logger) *PostgresFeed {
	f := newPostgresFeed(nil, channel, logger)
	f.pool = pool
	f.load = f.loadRow
	return f
}

func newPostgresFeed(load rowLoader, channel string, logger *zap.Logger) *PostgresFeed {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresFeed{channel: channel, logger: logger, load: load, broker: NewBroker()}
}

// Start opens the listener connection and keeps it alive until Close.
func (f *PostgresFeed) Start(ctx context.Context) error {
	conn, err := f.connect(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	f.connected = true
	f.mu.Unlock()

	go f.run(runCtx, conn)
	f.logger.Info("change feed listening", zap.String("channel", f.channel))
	return nil
}

// Close stops the listener and tears down every subscription.
func (f *PostgresFeed) Close() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.connected = false
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	f.broker.CloseAll()
}

// Subscribe registers a subscription on the shared listener.
func (f *PostgresFeed) Subscribe(ctx context.Context, collection string, filter *Filter) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, ErrFeedUnavailable
	}
	sub, err := f.broker.Subscribe(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("change feed subscribed",
		zap.String("subscription_id", sub.ID),
		zap.String("collection", collection))
	return sub, nil
}

// Unsubscribe releases the subscription.
func (f *PostgresFeed) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	f.logger.Debug("change feed unsubscribed", zap.String("subscription_id", sub.ID))
	return f.broker.Unsubscribe(sub)
}

func (f *PostgresFeed) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, f.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("connect change feed listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		closeConn(conn)
		return nil, fmt.Errorf("listen on %s: %w", f.channel, err)
	}
	return conn, nil
}

func (f *PostgresFeed) run(ctx context.Context, conn *pgx.Conn) {
	defer close(f.done)
	for {
		err := f.listen(ctx, conn)
		closeConn(conn)
		if ctx.Err() != nil {
			return
		}
		f.logger.Error("change feed connection lost", zap.Error(err))
		f.disconnected()

		if conn = f.reconnect(ctx); conn == nil {
			return
		}
		f.mu.Lock()
		f.connected = true
		f.mu.Unlock()
		f.logger.Info("change feed reconnected")
	}
}

func (f *PostgresFeed) reconnect(ctx context.Context) *pgx.Conn {
	backoff := reconnectMin
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		conn, err := f.connect(ctx)
		if err == nil {
			return conn
		}
		f.logger.Warn("change feed reconnect failed", zap.Duration("backoff", backoff), zap.Error(err))
		backoff = min(backoff*2, reconnectMax)
	}
}

func (f *PostgresFeed) listen(ctx context.Context, conn *pgx.Conn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		f.dispatch(ctx, n.Payload)
	}
}

// disconnected drops every subscription. Events emitted while the listener
// is down are lost, so consumers have to subscribe and load again.
func (f *PostgresFeed) disconnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.broker.CloseAll()
}

func (f *PostgresFeed) dispatch(ctx context.Context, payload string) {
	event, ok, err := f.resolve(ctx, payload)
	if err != nil {
		f.logger.Warn("dropping change notification", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if err := f.broker.Publish(ctx, event); err != nil && ctx.Err() == nil {
		f.logger.Warn("change event delivery failed", zap.Error(err))
	}
}

// resolve turns a notification into a change event, re-reading the current
// row for inserts and updates. A row that is already gone yields no event;
// its DELETE notification follows.
func (f *PostgresFeed) resolve(ctx context.Context, payload string) (ChangeEvent, bool, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return ChangeEvent{}, false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if _, known := rowQueries[n.Collection]; !known {
		return ChangeEvent{}, false, fmt.Errorf("%w: unknown table %q", ErrMalformedEvent, n.Collection)
	}
	if n.ID == "" {
		return ChangeEvent{}, false, fmt.Errorf("%w: notification without id", ErrMalformedEvent)
	}

	event := ChangeEvent{Kind: n.Kind, Collection: n.Collection, Timestamp: n.Timestamp}
	switch n.Kind {
	case ChangeInsert, ChangeUpdate:
		row, err := f.load(ctx, n.Collection, n.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ChangeEvent{}, false, nil
		}
		if err != nil {
			return ChangeEvent{}, false, fmt.Errorf("re-read %s %s: %w", n.Collection, n.ID, err)
		}
		event.New = row
		if n.Kind == ChangeUpdate {
			event.Old = n.OldKeys
		}
	case ChangeDelete:
		event.Old = n.OldKeys
		if len(event.Old) == 0 {
			event.Old, _ = json.Marshal(map[string]string{"id": n.ID})
		}
	default:
		return ChangeEvent{}, false, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, n.Kind)
	}
	return event, true, nil
}

func (f *PostgresFeed) loadRow(ctx context.Context, collection, id string) (json.RawMessage, error) {
	var row []byte
	if err := f.pool.QueryRow(ctx, rowQueries[collection], id).Scan(&row); err != nil {
		return nil, err
	}
	return row, nil
}

func closeConn(conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = conn.Close(ctx)
}
