package store

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Store used in development and tests.
type Memory struct {
	mu     sync.RWMutex
	size   int
	pixels []Pixel // index = ID-1
	now    func() time.Time
}

// NewMemory creates an empty in-memory grid for an n×n canvas.
func NewMemory(n int) *Memory {
	return &Memory{size: n, now: time.Now}
}

func (m *Memory) Get(ctx context.Context, x, y int) (Pixel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !ValidCoord(m.size, x, y) {
		return Pixel{}, ErrNotFound
	}
	id := PixelID(m.size, x, y)
	if int(id) > len(m.pixels) {
		return Pixel{}, ErrNotFound
	}
	return m.pixels[id-1], nil
}

func (m *Memory) Set(ctx context.Context, id int64, color string) (Pixel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 1 || int(id) > len(m.pixels) {
		return Pixel{}, ErrNotFound
	}
	p := &m.pixels[id-1]
	p.Color = color
	p.ModifyTimes++
	p.LastModified = m.now().UTC()
	return *p, nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pixels), nil
}

func (m *Memory) BulkInit(ctx context.Context, n int, color string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pixels) > 0 {
		return nil
	}
	now := m.now().UTC()
	pixels := make([]Pixel, 0, n*n)
	for x := 1; x <= n; x++ {
		for y := 1; y <= n; y++ {
			pixels = append(pixels, Pixel{
				ID:           PixelID(n, x, y),
				X:            x,
				Y:            y,
				Color:        color,
				LastModified: now,
			})
		}
	}
	m.size = n
	m.pixels = pixels
	return nil
}

func (m *Memory) Colors(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	colors := make([]string, len(m.pixels))
	for i, p := range m.pixels {
		colors[i] = p.Color
	}
	return colors, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
