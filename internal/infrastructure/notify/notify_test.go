package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
)

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func TestRabbitMQPublishRoutesByEventName(t *testing.T) {
	ch := &fakeChannel{}
	p := NewRabbitMQ(ch, "checkout.orders")
	event := order.LifecycleEvent{OrderID: "order-1", Status: order.StatusCompleted, Total: 900, Currency: "USD", OccurredAt: time.Now().UTC()}

	require.NoError(t, p.Publish(context.Background(), event))

	assert.Equal(t, "checkout.orders", ch.exchange)
	assert.Equal(t, "order.completed", ch.key)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	var decoded order.LifecycleEvent
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, "order-1", decoded.OrderID)
}

func TestRabbitMQPublishPropagatesError(t *testing.T) {
	p := NewRabbitMQ(&fakeChannel{err: errors.New("channel closed")}, "x")
	err := p.Publish(context.Background(), order.LifecycleEvent{Status: order.StatusFailed})
	assert.ErrorContains(t, err, "channel closed")
}

func TestLogPublish(t *testing.T) {
	assert.NoError(t, NewLog(nil).Publish(context.Background(), order.LifecycleEvent{Status: order.StatusCancelled}))
}
