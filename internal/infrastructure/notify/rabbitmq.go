package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
)

const exchangeType = "topic"

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQ publishes order lifecycle events to a topic exchange, routed by event name
// (order.completed, order.failed, order.cancelled).
type RabbitMQ struct {
	ch       Channel
	exchange string
	now      func() time.Time
}

func NewRabbitMQ(ch Channel, exchange string) *RabbitMQ {
	return &RabbitMQ{ch: ch, exchange: exchange, now: time.Now}
}

func (p *RabbitMQ) Publish(ctx context.Context, e outbox.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", e.EventName(), err)
	}
	return p.ch.PublishWithContext(ctx,
		p.exchange,
		e.EventName(),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         e.EventName(),
			Timestamp:    p.now().UTC(),
			Body:         body,
		},
	)
}

// Dial connects to url and declares exchange, retrying while the broker starts.
func Dial(url, exchange string, log observability.Logger) (*RabbitMQ, func() error, error) {
	if log == nil {
		log = observability.NopLogger()
	}
	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= 5; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Warn("rabbitmq_dial_failed", observability.F("attempt", attempt), observability.F("error", err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("notify: connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("notify: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("notify: declare exchange: %w", err)
	}

	closeFn := func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return NewRabbitMQ(ch, exchange), closeFn, nil
}
