// Package mq publishes triage outcomes to RabbitMQ.
package mq

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys for triage outcomes.
const (
	RoutingTicketTriaged      = "ticket.triaged"
	RoutingTicketTriageFailed = "ticket.triage_failed"
)

// Publisher defines a minimal interface for publishing events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Consumer defines a minimal interface for subscribing to queue messages.
type Consumer interface {
	Consume(ctx context.Context, handler func(amqp091.Delivery)) error
	Close() error
}

// RabbitPublisher publishes JSON events to a RabbitMQ topic exchange.
type RabbitPublisher struct {
	conn     *amqp091.Connection
	mu       sync.Mutex
	channel  *amqp091.Channel
	exchange string
	logger   *zap.Logger
}

// NewRabbitPublisher creates a publisher connecting to RabbitMQ.
func NewRabbitPublisher(url, exchange string, logger *zap.Logger) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitPublisher{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

// Publish serializes the payload to JSON and sends it to the exchange.
func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	if p == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	})
}

// Close terminates the connection.
func (p *RabbitPublisher) Close() error {
	if p == nil {
		return nil
	}
	if err := p.channel.Close(); err != nil {
		p.logger.Warn("close channel", zap.Error(err))
	}
	return p.conn.Close()
}

// RabbitConsumer consumes messages from a queue bound to the exchange.
type RabbitConsumer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
	logger  *zap.Logger
}

// NewRabbitConsumer sets up a queue bound to bindingKey and returns a
// consumer. An empty queue name declares an exclusive auto-deleted queue.
func NewRabbitConsumer(url, exchange, queue, bindingKey string, logger *zap.Logger) (*RabbitConsumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	durable, exclusive := queue != "", queue == ""
	q, err := ch.QueueDeclare(queue, durable, !durable, exclusive, false, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, bindingKey, exchange, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitConsumer{conn: conn, channel: ch, queue: q.Name, logger: logger}, nil
}

// Consume delivers messages to handler until ctx is done. Messages are
// acknowledged after the handler returns.
func (c *RabbitConsumer) Consume(ctx context.Context, handler func(amqp091.Delivery)) error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			handler(msg)
			if err := msg.Ack(false); err != nil {
				c.logger.Warn("ack failed", zap.Error(err))
			}
		}
	}
}

// Close closes the consumer resources.
func (c *RabbitConsumer) Close() error {
	if c == nil {
		return nil
	}
	if err := c.channel.Close(); err != nil {
		c.logger.Warn("close channel", zap.Error(err))
	}
	return c.conn.Close()
}

// Message is one publication captured by a Recorder.
type Message struct {
	RoutingKey string
	Body       json.RawMessage
}

// Recorder is an in-process Publisher. It stands in for RabbitMQ when no
// broker is configured and in tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Publish records the JSON-encoded payload.
func (r *Recorder) Publish(_ context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{RoutingKey: routingKey, Body: body})
	return nil
}

// Messages returns what was published so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
