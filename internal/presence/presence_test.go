package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"place-canvas/internal/bus"
	"place-canvas/internal/envelope"
)

func counters(t *testing.T) map[string]Counter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Counter{
		"memory": &Memory{},
		"redis":  NewRedis(client, ""),
	}
}

func TestConcurrentJoinsAndLeaves(t *testing.T) {
	ctx := context.Background()
	for name, c := range counters(t) {
		t.Run(name, func(t *testing.T) {
			const k, m = 40, 25
			var wg sync.WaitGroup
			for i := 0; i < k; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := c.Incr(ctx, 1)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			for i := 0; i < m; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := c.Incr(ctx, -1)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			n, err := c.Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(k-m), n)
		})
	}
}

func TestCounterNeverNegative(t *testing.T) {
	ctx := context.Background()
	for name, c := range counters(t) {
		t.Run(name, func(t *testing.T) {
			n, err := c.Incr(ctx, -1)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)

			n, err = c.Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)

			n, err = c.Incr(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestRedisCounterSharedAcrossClients(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer a.Close()
	b := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer b.Close()

	_, err := NewRedis(a, "").Incr(ctx, 1)
	require.NoError(t, err)
	n, err := NewRedis(b, "").Incr(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	raw, err := mr.Get(DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "2", raw)
}

func TestTrackerPublishesMeta(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory(bus.DefaultBuffer)
	defer b.Close()
	sub, err := b.Subscribe(ctx, "canvas")
	require.NoError(t, err)
	defer sub.Close()

	tr := NewTracker(&Memory{}, b, "canvas", 500)

	n, err := tr.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = tr.Join(ctx)
	require.NoError(t, err)
	n, err = tr.Leave(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var got []int64
	for i := 0; i < 3; i++ {
		select {
		case msg := <-sub.Messages():
			assert.Empty(t, msg.Sender)
			meta, err := envelope.DecodeMeta(msg.Body)
			require.NoError(t, err)
			assert.Equal(t, 500, meta.CanvasSize)
			got = append(got, meta.Online)
		case <-time.After(time.Second):
			t.Fatal("meta not published")
		}
	}
	assert.Equal(t, []int64{1, 2, 1}, got)

	online, err := tr.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), online)
}

func TestTrackerSurfacesBusFailure(t *testing.T) {
	b := bus.NewMemory(bus.DefaultBuffer)
	b.Close()
	tr := NewTracker(&Memory{}, b, "canvas", 2)

	ctx := context.Background()
	_, err := tr.Join(ctx)
	assert.ErrorIs(t, err, bus.ErrClosed)

	online, err := tr.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), online, "failed join is rolled back")
}

// cancelingBus cancels the publisher's context and fails, as a shutdown
// racing a connect does.
type cancelingBus struct {
	bus.Bus
	cancel context.CancelFunc
}

func (c cancelingBus) Publish(ctx context.Context, topic string, msg bus.Message) error {
	c.cancel()
	return ctx.Err()
}

func TestJoinRollbackSurvivesCanceledContext(t *testing.T) {
	for name, c := range counters(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tr := NewTracker(c, cancelingBus{cancel: cancel}, "canvas", 2)

			_, err := tr.Join(ctx)
			assert.ErrorIs(t, err, context.Canceled)

			online, err := tr.Online(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(0), online, "failed join is rolled back")
		})
	}
}

// failingCounter increments but cannot decrement.
type failingCounter struct {
	Memory
}

func (f *failingCounter) Incr(ctx context.Context, delta int64) (int64, error) {
	if delta < 0 {
		return 0, errors.New("counter unavailable")
	}
	return f.Memory.Incr(ctx, delta)
}

func TestJoinReportsFailedRollback(t *testing.T) {
	b := bus.NewMemory(bus.DefaultBuffer)
	b.Close()
	tr := NewTracker(&failingCounter{}, b, "canvas", 2)

	_, err := tr.Join(context.Background())
	assert.ErrorIs(t, err, bus.ErrClosed)
	assert.ErrorContains(t, err, "presence: rollback: counter unavailable")
}
