// Package presence counts connected clients across every server process and
// announces each change as a meta envelope on the broadcast bus.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"place-canvas/internal/bus"
	"place-canvas/internal/envelope"
)

// DefaultKey is the Redis key holding the online count.
const DefaultKey = "canvas:online"

// rollbackTimeout bounds the decrement undoing a failed Join.
const rollbackTimeout = 5 * time.Second

// Counter is an atomic, never-negative integer.
type Counter interface {
	Incr(ctx context.Context, delta int64) (int64, error)
	Get(ctx context.Context) (int64, error)
}

// Memory counts connections of this process only.
type Memory struct {
	n atomic.Int64
}

func (m *Memory) Incr(ctx context.Context, delta int64) (int64, error) {
	for {
		cur := m.n.Load()
		next := cur + delta
		if next < 0 {
			next = 0
		}
		if m.n.CompareAndSwap(cur, next) {
			return next, nil
		}
	}
}

func (m *Memory) Get(ctx context.Context) (int64, error) {
	return m.n.Load(), nil
}

// incrClamped runs INCRBY and resets a negative result to zero inside one
// script, so concurrent callers never observe a negative count.
var incrClamped = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v < 0 then
	redis.call('SET', KEYS[1], 0)
	v = 0
end
return v
`)

// Redis keeps the count in a shared Redis key.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis creates a counter stored under key (DefaultKey when empty).
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) Incr(ctx context.Context, delta int64) (int64, error) {
	n, err := incrClamped.Run(ctx, r.client, []string{r.key}, delta).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence: incr: %w", err)
	}
	return n, nil
}

func (r *Redis) Get(ctx context.Context) (int64, error) {
	n, err := r.client.Get(ctx, r.key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("presence: get: %w", err)
	}
	return n, nil
}

// Tracker adjusts the counter on connect/disconnect and publishes the new
// value with the canvas size on the bus topic.
type Tracker struct {
	counter    Counter
	bus        bus.Bus
	topic      string
	canvasSize int
}

// NewTracker wires a counter to a bus topic.
func NewTracker(counter Counter, b bus.Bus, topic string, canvasSize int) *Tracker {
	return &Tracker{counter: counter, bus: b, topic: topic, canvasSize: canvasSize}
}

// Join counts one more connection and announces it. If the announcement
// fails the increment is rolled back and the connection is not counted. The
// rollback runs even when ctx is already canceled.
func (t *Tracker) Join(ctx context.Context) (int64, error) {
	n, err := t.counter.Incr(ctx, 1)
	if err != nil {
		return 0, err
	}
	if err := t.announce(ctx, n); err != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer cancel()
		if _, rerr := t.counter.Incr(rctx, -1); rerr != nil {
			return 0, errors.Join(err, fmt.Errorf("presence: rollback: %w", rerr))
		}
		return 0, err
	}
	return n, nil
}

// Leave counts one connection less and announces it. The decrement stands
// even when the announcement fails.
func (t *Tracker) Leave(ctx context.Context) (int64, error) {
	n, err := t.counter.Incr(ctx, -1)
	if err != nil {
		return 0, err
	}
	return n, t.announce(ctx, n)
}

// Online returns the current count.
func (t *Tracker) Online(ctx context.Context) (int64, error) {
	return t.counter.Get(ctx)
}

// CanvasSize is the size announced in meta envelopes.
func (t *Tracker) CanvasSize() int {
	return t.canvasSize
}

func (t *Tracker) announce(ctx context.Context, online int64) error {
	meta, err := envelope.NewMeta(online, t.canvasSize)
	if err != nil {
		return err
	}
	if err := t.bus.Publish(ctx, t.topic, bus.Message{Body: meta}); err != nil {
		return fmt.Errorf("presence: announce: %w", err)
	}
	return nil
}
