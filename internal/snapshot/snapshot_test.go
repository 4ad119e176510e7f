package snapshot

import (
	"bytes"
	"context"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"place-canvas/internal/store"
)

// countingSource wraps a store and counts scans. When gate is set, every
// scan blocks until it is closed.
type countingSource struct {
	src   Source
	scans atomic.Int32
	gate  chan struct{}
}

func (c *countingSource) Colors(ctx context.Context) ([]string, error) {
	c.scans.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.src.Colors(ctx)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newGrid(t *testing.T, n int) *store.Memory {
	t.Helper()
	m := store.NewMemory(n)
	require.NoError(t, m.BulkInit(context.Background(), n, "ffffff"))
	return m
}

func TestRenderRowMajor(t *testing.T) {
	b, err := Render([]string{"ff0000", "00ff00", "0000ff", "ffffff"}, 2)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	// (x=1, y=2) is the second color: row 0, column 1
	r, g, bl, _ := img.At(1, 0).RGBA()
	assert.Equal(t, []uint32{0, 0xffff, 0}, []uint32{r, g, bl})
	// (x=2, y=1) is the third color: row 1, column 0
	r, g, bl, _ = img.At(0, 1).RGBA()
	assert.Equal(t, []uint32{0, 0, 0xffff}, []uint32{r, g, bl})
}

func TestRenderRejectsBadInput(t *testing.T) {
	_, err := Render([]string{"ffffff"}, 2)
	assert.Error(t, err)
	_, err = Render([]string{"fff"}, 1)
	assert.Error(t, err)
	_, err = Render([]string{"zzzzzz"}, 1)
	assert.Error(t, err)
}

func TestCacheReusesWithinTTL(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Unix(1000, 0)}
	src := &countingSource{src: newGrid(t, 3)}
	c := New(src, 3, 10*time.Second, WithClock(clk.now))

	first, err := c.Get(ctx)
	require.NoError(t, err)
	clk.advance(9 * time.Second)
	second, err := c.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), src.scans.Load())

	clk.advance(time.Second)
	_, err = c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.scans.Load())
}

func TestCacheSingleFlight(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{src: newGrid(t, 4), gate: make(chan struct{})}
	c := New(src, 4, time.Minute)

	const callers = 32
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := c.Get(ctx)
			assert.NoError(t, err)
			results[i] = b
		}(i)
	}

	require.Eventually(t, func() bool { return src.scans.Load() == 1 }, time.Second, time.Millisecond)
	// let the other callers pile up on the in-flight scan
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.scans.Load())
	for _, b := range results {
		assert.Equal(t, results[0], b)
	}
}

func TestCacheSeesNewEditsAfterTTL(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Unix(1000, 0)}
	grid := newGrid(t, 2)
	c := New(grid, 2, 10*time.Second, WithClock(clk.now))

	before, err := c.Get(ctx)
	require.NoError(t, err)
	_, err = grid.Set(ctx, 1, "000000")
	require.NoError(t, err)

	cached, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, cached)

	clk.advance(10 * time.Second)
	after, err := c.Get(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	c.Invalidate()
	again, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, after, again)
}

func TestCacheSharedThroughRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	grid := newGrid(t, 2)
	a := &countingSource{src: grid}
	b := &countingSource{src: grid}
	ca := New(a, 2, 10*time.Second, WithRedis(client, ""))
	cb := New(b, 2, 10*time.Second, WithRedis(client, ""))

	pa, err := ca.Get(ctx)
	require.NoError(t, err)
	pb, err := cb.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, pa, pb)
	assert.Equal(t, int32(1), a.scans.Load())
	assert.Equal(t, int32(0), b.scans.Load(), "second process reuses the shared picture")
	assert.True(t, mr.Exists(DefaultKey))

	mr.FastForward(11 * time.Second)
	cb.Invalidate()
	_, err = cb.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), b.scans.Load())
}

func TestCacheFallsBackWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	src := &countingSource{src: newGrid(t, 2)}
	c := New(src, 2, time.Minute, WithRedis(client, ""))
	b, err := c.Get(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, b)
	assert.Equal(t, int32(1), src.scans.Load())
}
