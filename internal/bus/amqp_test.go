package bus

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"place-canvas/internal/bus/amqptest"
)

func newFakeAMQP(broker *amqptest.Broker) *AMQP {
	return NewAMQP(func() (AMQPChannel, error) {
		ch, err := broker.Open()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, discardLogger())
}

func TestAMQPSubscriptionUsesExclusiveAutoDeleteQueue(t *testing.T) {
	ctx := context.Background()
	broker := amqptest.NewBroker()
	b := newFakeAMQP(broker)
	defer b.Close()

	sub, err := b.Subscribe(ctx, "canvas")
	require.NoError(t, err)

	queue := sub.(*amqpSub).queue
	q, ok := broker.Queue(queue)
	require.True(t, ok)
	assert.True(t, q.Exclusive)
	assert.True(t, q.AutoDelete)
	assert.Equal(t, amqp.ExchangeFanout, broker.Exchange("canvas"))

	require.NoError(t, b.Publish(ctx, "canvas", Message{Body: []byte(`{}`)}))
	receive(t, sub)
	assert.Equal(t, []uint8{amqp.Persistent}, broker.DeliveryModes())

	require.NoError(t, sub.Close())
	assert.False(t, broker.HasQueue(queue), "queue must be deleted on close")
	assert.Equal(t, 0, broker.Bound("canvas"))
	assert.True(t, sub.(*amqpSub).ch.(*amqptest.Channel).IsClosed())
	expectClosed(t, sub)
}

func TestAMQPPublisherChannelFailureIsRecovered(t *testing.T) {
	ctx := context.Background()
	broker := amqptest.NewBroker()
	b := newFakeAMQP(broker)
	defer b.Close()

	sub, err := b.Subscribe(ctx, "canvas")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "canvas", Message{Body: []byte(`1`)}))
	first := b.pub.(*amqptest.Channel)

	broker.FailNextPublish()

	require.NoError(t, b.Publish(ctx, "canvas", Message{Body: []byte(`2`)}))
	assert.True(t, first.IsClosed(), "failed publisher channel is discarded")
	assert.NotSame(t, first, b.pub)

	assert.Equal(t, "1", string(receive(t, sub).Body))
	assert.Equal(t, "2", string(receive(t, sub).Body))

	// the subscriber channel survived the publisher failure
	assert.False(t, sub.(*amqpSub).ch.(*amqptest.Channel).IsClosed())
}

func TestAMQPSubscribeSurfacesBackendError(t *testing.T) {
	broker := amqptest.NewBroker()
	broker.FailOpen(errors.New("connection refused"))
	b := newFakeAMQP(broker)
	defer b.Close()

	_, err := b.Subscribe(context.Background(), "canvas")
	assert.ErrorContains(t, err, "connection refused")
	err = b.Publish(context.Background(), "canvas", Message{Body: []byte(`1`)})
	assert.ErrorContains(t, err, "connection refused")
}

func TestAMQPCloseReleasesSubscriptions(t *testing.T) {
	ctx := context.Background()
	broker := amqptest.NewBroker()
	b := newFakeAMQP(broker)

	sub, err := b.Subscribe(ctx, "canvas")
	require.NoError(t, err)
	queue := sub.(*amqpSub).queue

	require.NoError(t, b.Close())
	expectClosed(t, sub)
	assert.False(t, broker.HasQueue(queue))
	assert.ErrorIs(t, b.Publish(ctx, "canvas", Message{Body: []byte(`1`)}), ErrClosed)
}
