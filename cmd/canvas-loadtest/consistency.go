package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"place-canvas/internal/envelope"
	"place-canvas/internal/store"
)

// ConsistencyChecker verifies that every painter ends up with the server's
// view of each pixel it saw change.
type ConsistencyChecker struct {
	server *url.URL
	http   *http.Client

	mu   sync.Mutex
	seen map[string]map[int64]envelope.PixelView // painter -> pixel id -> latest
}

// Mismatch is one pixel a painter disagrees with the server about.
type Mismatch struct {
	Painter string
	Server  envelope.PixelView
	Client  envelope.PixelView
}

func (m Mismatch) String() string {
	return fmt.Sprintf("painter %s pixel %d: server %s (#%d), client %s (#%d)",
		m.Painter, m.Server.ID, m.Server.Color, m.Server.ModifyTimes, m.Client.Color, m.Client.ModifyTimes)
}

func NewConsistencyChecker(server *url.URL, client *http.Client) *ConsistencyChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &ConsistencyChecker{
		server: server,
		http:   client,
		seen:   make(map[string]map[int64]envelope.PixelView),
	}
}

// Record keeps the newest version of px a painter received. Broadcasts from
// different processes may arrive out of order, so the modification count
// decides.
func (cc *ConsistencyChecker) Record(painter string, px envelope.PixelView) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	views, ok := cc.seen[painter]
	if !ok {
		views = make(map[int64]envelope.PixelView)
		cc.seen[painter] = views
	}
	if cur, ok := views[px.ID]; ok && cur.ModifyTimes >= px.ModifyTimes {
		return
	}
	views[px.ID] = px
}

// Pixels returns the ids of every pixel any painter saw, ascending.
func (cc *ConsistencyChecker) Pixels() []int64 {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	set := make(map[int64]struct{})
	for _, views := range cc.seen {
		for id := range views {
			set[id] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Check compares every recorded pixel with GET /pixels. Painters that never
// saw a pixel change (they connected later) are skipped for that pixel.
func (cc *ConsistencyChecker) Check(ctx context.Context, size int) ([]Mismatch, error) {
	var mismatches []Mismatch
	for _, id := range cc.Pixels() {
		server, err := cc.fetch(ctx, size, id)
		if err != nil {
			return nil, err
		}

		cc.mu.Lock()
		for painter, views := range cc.seen {
			client, ok := views[id]
			if !ok {
				continue
			}
			if client.Color != server.Color || client.ModifyTimes != server.ModifyTimes {
				mismatches = append(mismatches, Mismatch{Painter: painter, Server: server, Client: client})
			}
		}
		cc.mu.Unlock()
	}
	return mismatches, nil
}

func (cc *ConsistencyChecker) fetch(ctx context.Context, size int, id int64) (envelope.PixelView, error) {
	x, y := store.Coord(size, id)
	u := *cc.server
	u.Path = "/pixels"
	u.RawQuery = url.Values{"x": {fmt.Sprint(x)}, "y": {fmt.Sprint(y)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return envelope.PixelView{}, err
	}
	resp, err := cc.http.Do(req)
	if err != nil {
		return envelope.PixelView{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return envelope.PixelView{}, fmt.Errorf("get pixel %d: status %d", id, resp.StatusCode)
	}
	var px envelope.PixelView
	if err := json.NewDecoder(resp.Body).Decode(&px); err != nil {
		return envelope.PixelView{}, fmt.Errorf("get pixel %d: %w", id, err)
	}
	return px, nil
}
