package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"place-canvas/internal/envelope"
)

// Scenario defines a painting pattern.
type Scenario struct {
	Name string
	// HotspotProbability is the chance a stroke lands in the hotspot, a
	// HotspotSize×HotspotSize square in the corner, to force contention.
	HotspotProbability float64
	HotspotSize        int
	BurstProbability   float64
	BurstSize          int
	ThinkTime          time.Duration
}

var scenarios = map[string]Scenario{
	"normal": {
		Name:               "Casual Painting",
		HotspotProbability: 0.1,
		HotspotSize:        8,
		BurstProbability:   0.1,
		BurstSize:          5,
		ThinkTime:          200 * time.Millisecond,
	},
	"aggressive": {
		Name:               "Aggressive Painting",
		HotspotProbability: 0.3,
		HotspotSize:        8,
		BurstProbability:   0.3,
		BurstSize:          10,
		ThinkTime:          50 * time.Millisecond,
	},
	"contested": {
		Name:               "Contested Corner",
		HotspotProbability: 0.9,
		HotspotSize:        4,
		BurstProbability:   0.2,
		BurstSize:          5,
		ThinkTime:          100 * time.Millisecond,
	},
}

// Metrics aggregates counters over all painters.
type Metrics struct {
	Start     time.Time
	Connected atomic.Int64
	Painted   atomic.Int64
	Received  atomic.Int64
	Metas     atomic.Int64
	Errors    atomic.Int64
}

// Painter is one simulated client: it holds a websocket open to receive
// broadcasts and paints through the HTTP API.
type Painter struct {
	ID      string
	server  *url.URL
	size    int
	http    *http.Client
	metrics *Metrics
	checker *ConsistencyChecker
	log     *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[stroke]time.Time
	latencies []time.Duration
	online    int64

	connected atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once
}

type stroke struct {
	id    int64
	color string
}

func NewPainter(server *url.URL, size int, metrics *Metrics, checker *ConsistencyChecker, logger *slog.Logger) *Painter {
	id := uuid.NewString()
	return &Painter{
		ID:      id,
		server:  server,
		size:    size,
		http:    &http.Client{Timeout: 10 * time.Second},
		metrics: metrics,
		checker: checker,
		log:     logger.With("painter", id[:8]),
		pending: make(map[stroke]time.Time),
		done:    make(chan struct{}),
	}
}

// Connect opens the websocket and starts reading broadcasts.
func (p *Painter) Connect(ctx context.Context) error {
	u := *p.server
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	p.conn = conn
	p.connected.Store(true)
	p.metrics.Connected.Add(1)

	go p.readPump()
	return nil
}

// Disconnect closes the connection once.
func (p *Painter) Disconnect() {
	p.stopOnce.Do(func() {
		p.connected.Store(false)
		if p.conn != nil {
			p.writeMu.Lock()
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			p.writeMu.Unlock()
			p.conn.Close()
			<-p.done
		}
		p.metrics.Connected.Add(-1)
	})
}

func (p *Painter) readPump() {
	defer close(p.done)

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if p.connected.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Warn("websocket error", "error", err)
				p.metrics.Errors.Add(1)
			}
			p.connected.Store(false)
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			// frames relayed from other clients may be anything JSON
			continue
		}
		switch env.Type {
		case envelope.KindPixel:
			px, err := envelope.DecodePixel(data)
			if err != nil {
				continue
			}
			p.metrics.Received.Add(1)
			p.checker.Record(p.ID, px)
			p.observe(px)
		case envelope.KindMeta:
			meta, err := envelope.DecodeMeta(data)
			if err != nil {
				continue
			}
			p.metrics.Metas.Add(1)
			p.mu.Lock()
			p.online = meta.Online
			p.mu.Unlock()
		}
	}
}

// observe closes the latency measurement of a stroke this painter made.
func (p *Painter) observe(px envelope.PixelView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := stroke{id: px.ID, color: px.Color}
	if start, ok := p.pending[k]; ok {
		p.latencies = append(p.latencies, time.Since(start))
		delete(p.pending, k)
	}
}

// Paint sets one pixel through PUT /pixels/{id}.
func (p *Painter) Paint(ctx context.Context, id int64, color string) error {
	body, _ := json.Marshal(map[string]string{"color": color})
	u := *p.server
	u.Path = fmt.Sprintf("/pixels/%d", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	p.mu.Lock()
	p.pending[stroke{id: id, color: color}] = time.Now()
	p.mu.Unlock()

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("paint %d: status %d", id, resp.StatusCode)
	}
	return nil
}

func (p *Painter) pick(s Scenario) int64 {
	n := p.size
	if s.HotspotSize > 0 && s.HotspotSize < n && rand.Float64() < s.HotspotProbability {
		n = s.HotspotSize
	}
	x, y := rand.Intn(n)+1, rand.Intn(n)+1
	return int64((x-1)*p.size + y)
}

func randomColor() string {
	return fmt.Sprintf("%06x", rand.Intn(1<<24))
}

// Simulate paints following s until ctx ends or the connection drops.
func (p *Painter) Simulate(ctx context.Context, s Scenario) {
	ticker := time.NewTicker(s.ThinkTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !p.connected.Load() {
			return
		}

		strokes := 1
		if rand.Float64() < s.BurstProbability {
			strokes = s.BurstSize
		}
		for i := 0; i < strokes; i++ {
			if err := p.Paint(ctx, p.pick(s), randomColor()); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.metrics.Errors.Add(1)
				p.log.Debug("paint failed", "error", err)
				continue
			}
			p.metrics.Painted.Add(1)
		}
	}
}

// Latencies returns a copy of the measured paint-to-echo delays.
func (p *Painter) Latencies() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.latencies...)
}

// Online is the last presence count the painter saw.
func (p *Painter) Online() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}
