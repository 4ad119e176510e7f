package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"place-canvas/internal/bus"
	"place-canvas/internal/envelope"
	"place-canvas/internal/presence"
	"place-canvas/internal/session"
	"place-canvas/internal/snapshot"
	"place-canvas/internal/store"
)

const size = 4

type fixture struct {
	srv   *httptest.Server
	store *store.Memory
	bus   *bus.Memory
}

func newFixture(t *testing.T, health map[string]Check) *fixture {
	t.Helper()
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.NewMemory(size)
	require.NoError(t, st.BulkInit(ctx, size, "ffffff"))
	b := bus.NewMemory(bus.DefaultBuffer)
	tracker := presence.NewTracker(&presence.Memory{}, b, "canvas", size)
	sessions := session.NewManager(b, tracker, session.Config{Topic: "canvas"}, quiet)

	api := New(Deps{
		Store:    st,
		Bus:      b,
		Picture:  snapshot.New(st, size, time.Minute),
		Presence: tracker,
		Sessions: sessions,
		Health:   health,
		Topic:    "canvas",
		Size:     size,
	}, quiet)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sessions.Shutdown(ctx)
		srv.Close()
		b.Close()
	})
	return &fixture{srv: srv, store: st, bus: b}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestHome(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"message":"hello world"}`, string(body))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestGetPixel(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/pixels?x=2&y=3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p envelope.PixelView
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, int64(7), p.ID)
	assert.Equal(t, 2, p.X)
	assert.Equal(t, 3, p.Y)
	assert.Equal(t, "ffffff", p.Color)

	for _, q := range []string{"x=0&y=1", "x=1&y=5", "x=a&y=1", "y=1"} {
		resp, _ := f.do(t, http.MethodGet, "/pixels?"+q, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestPutPixelBroadcasts(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	_, err = envelope.DecodeMeta(first)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPut, "/pixels/6", `{"color":"ff00aa"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var p envelope.PixelView
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, 1, p.ModifyTimes)
	assert.Equal(t, "ff00aa", p.Color)

	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := envelope.Decode(frame)
		require.NoError(t, err)
		if env.Type != envelope.KindPixel {
			continue
		}
		got, err := envelope.DecodePixel(frame)
		require.NoError(t, err)
		assert.Equal(t, int64(6), got.ID)
		assert.Equal(t, 2, got.X)
		assert.Equal(t, 2, got.Y)
		assert.Equal(t, "ff00aa", got.Color)
		break
	}
}

func TestPutPixelRejects(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		path, body string
	}{
		{"/pixels/0", `{"color":"000000"}`},
		{"/pixels/17", `{"color":"000000"}`},
		{"/pixels/x", `{"color":"000000"}`},
		{"/pixels/1", `{"color":"#000000"}`},
		{"/pixels/1", `{"color":"FFFFFF"}`},
		{"/pixels/1", `not json`},
	}
	for _, c := range cases {
		resp, _ := f.do(t, http.MethodPut, c.path, c.body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, c.path+" "+c.body)
	}

	got, err := f.store.Get(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ModifyTimes)
}

func TestPutPixelBroadcastFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.Close()

	resp, _ := f.do(t, http.MethodPut, "/pixels/1", `{"color":"123456"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	got, err := f.store.Get(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "123456", got.Color, "the write stands")
}

func TestPicture(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/picture", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, size, img.Bounds().Dx())

	resp, text := f.do(t, http.MethodGet, "/picture?format=base64", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decoded, err := base64.StdEncoding.DecodeString(string(text))
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestMeta(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/meta", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"online":0,"canvas_size":4}`, string(body))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, map[string]Check{
		"store": func(context.Context) error { return nil },
	})
	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	f = newFixture(t, map[string]Check{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("down") },
	})
	resp, body = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var status struct {
		Status   string          `json:"status"`
		Services map[string]bool `json:"services"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, map[string]bool{"store": true, "redis": false}, status.Services)
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodOptions, "/pixels/3", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PUT")
}
