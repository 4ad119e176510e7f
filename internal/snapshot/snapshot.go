// Package snapshot renders the whole canvas to a PNG and caches it.
//
// A cached image is served while it is younger than the TTL, measured from
// the moment its recomputation started. When it goes stale, concurrent
// callers share a single recomputation and all wait for its result.
package snapshot

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL matches how long clients tolerate a stale picture.
const DefaultTTL = 10 * time.Second

// DefaultKey is the Redis key of the shared picture.
const DefaultKey = "canvas:picture"

// Source yields every pixel color in row-major order.
type Source interface {
	Colors(ctx context.Context) ([]string, error)
}

// Cache holds the latest rendering.
type Cache struct {
	src  Source
	size int
	ttl  time.Duration
	now  func() time.Time
	log  *slog.Logger

	shared    *redis.Client
	sharedKey string

	group singleflight.Group

	mu         sync.RWMutex
	png        []byte
	computedAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithRedis shares rendered pictures between processes through key.
func WithRedis(client *redis.Client, key string) Option {
	return func(c *Cache) {
		if key == "" {
			key = DefaultKey
		}
		c.shared = client
		c.sharedKey = key
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for degraded shared-cache access.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New creates a cache rendering an size×size canvas from src.
func New(src Source, size int, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		src:  src,
		size: size,
		ttl:  ttl,
		now:  time.Now,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "snapshot")
	return c
}

// Get returns the PNG of the canvas.
func (c *Cache) Get(ctx context.Context) ([]byte, error) {
	if b, ok := c.fresh(); ok {
		return b, nil
	}

	// The flight outlives any single caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do("picture", func() (interface{}, error) {
		if b, ok := c.fresh(); ok {
			return b, nil
		}
		return c.refresh(flightCtx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Invalidate forgets the local picture.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.png = nil
	c.computedAt = time.Time{}
}

func (c *Cache) fresh() ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.png == nil || c.now().Sub(c.computedAt) >= c.ttl {
		return nil, false
	}
	return c.png, true
}

func (c *Cache) refresh(ctx context.Context) ([]byte, error) {
	if b, at, ok := c.loadShared(ctx); ok {
		c.store(b, at)
		return b, nil
	}

	start := c.now()
	colors, err := c.src.Colors(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: scan: %w", err)
	}
	b, err := Render(colors, c.size)
	if err != nil {
		return nil, err
	}
	c.store(b, start)
	c.saveShared(ctx, b)
	return b, nil
}

func (c *Cache) store(b []byte, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.png = b
	c.computedAt = at
}

// loadShared returns the picture another process rendered, dated by its
// remaining time to live.
func (c *Cache) loadShared(ctx context.Context) ([]byte, time.Time, bool) {
	if c.shared == nil {
		return nil, time.Time{}, false
	}
	pipe := c.shared.Pipeline()
	get := pipe.Get(ctx, c.sharedKey)
	pttl := pipe.PTTL(ctx, c.sharedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		if err != redis.Nil {
			c.log.Warn("shared picture unavailable", "error", err)
		}
		return nil, time.Time{}, false
	}
	b, err := get.Bytes()
	if err != nil || pttl.Val() <= 0 {
		return nil, time.Time{}, false
	}
	age := c.ttl - pttl.Val()
	if age < 0 {
		age = 0
	}
	return b, c.now().Add(-age), true
}

func (c *Cache) saveShared(ctx context.Context, b []byte) {
	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, c.sharedKey, b, c.ttl).Err(); err != nil {
		c.log.Warn("storing shared picture failed", "error", err)
	}
}

// Render paints colors (row-major, row = x, column = y) into an n×n PNG.
// Each color is at least six hex digits; extra characters are ignored.
func Render(colors []string, n int) ([]byte, error) {
	if len(colors) != n*n {
		return nil, fmt.Errorf("snapshot: got %d colors for a %dx%d canvas", len(colors), n, n)
	}

	img := image.NewRGBA(image.Rect(0, 0, n, n))
	var rgb [3]byte
	for i, s := range colors {
		if len(s) < 6 {
			return nil, fmt.Errorf("snapshot: color %q at %d too short", s, i)
		}
		if _, err := hex.Decode(rgb[:], []byte(s[:6])); err != nil {
			return nil, fmt.Errorf("snapshot: color %q at %d: %w", s, i, err)
		}
		img.SetRGBA(i%n, i/n, color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 0xff})
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	return buf.Bytes(), nil
}
