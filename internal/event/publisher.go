// Package event delivers domain events to the bus. Business logic returns
// events as values; only this layer knows where they go.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"msghub/internal/model"
)

// Publisher fans domain events out to consumers. Implementations must
// tolerate being called concurrently.
type Publisher interface {
	Publish(ctx context.Context, events ...model.Event) error
	Close() error
}

// AMQPPublisher publishes events to a durable topic exchange as persistent
// JSON messages. The routing key is the lowercased event type with
// underscores as dots (MESSAGE_SENT -> message.sent) so consumers can bind
// per family (message.*, wallet.*).
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "event"),
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		err = ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Type), false, false, amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    ev.ID,
			Timestamp:    time.Now(),
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish %s: %w", ev.Type, err)
		}
		p.logger.Debug("published event", "type", ev.Type, "key", RoutingKey(ev.Type))
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

// RoutingKey converts an event type to its topic routing key.
func RoutingKey(t model.EventType) string {
	return strings.ReplaceAll(strings.ToLower(string(t)), "_", ".")
}

// NopPublisher discards events. Used when no bus is configured and in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...model.Event) error { return nil }
func (NopPublisher) Close() error                                  { return nil }

// LogPublisher writes events to the log instead of a bus.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, events ...model.Event) error {
	for _, ev := range events {
		p.Logger.Info("event", "type", ev.Type, "tenant_id", ev.TenantID, "payload", ev.Payload)
	}
	return nil
}

func (p LogPublisher) Close() error { return nil }
