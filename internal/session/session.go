// Package session runs one websocket connection per client. A session
// subscribes to the canvas topic, counts itself in the presence tracker and
// then races two tasks: inbound publishes every client frame to the bus,
// outbound forwards every bus message to the client. Whichever ends first
// stops the other, then the session unwinds.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"place-canvas/internal/bus"
	"place-canvas/internal/envelope"
	"place-canvas/internal/presence"
)

// State is the lifecycle stage of a session.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// errProtocol marks a client frame that is not JSON.
	errProtocol = errors.New("protocol violation")
	// errTransport marks a read or write failure on the socket.
	errTransport = errors.New("transport closed")
	// errStreamEnded marks a subscription that stopped delivering.
	errStreamEnded = errors.New("subscription ended")
)

// Config tunes session behaviour.
type Config struct {
	// Topic is the bus topic sessions publish to and subscribe on.
	Topic string
	// SuppressEcho skips bus messages published by the receiving session.
	SuppressEcho bool
	// WriteTimeout is the time allowed to write a frame to the client.
	WriteTimeout time.Duration
	// PongTimeout is the time allowed to read the next pong from the client.
	PongTimeout time.Duration
	// PingInterval is the ping period. Must be less than PongTimeout.
	PingInterval time.Duration
	// MaxMessageSize is the largest frame accepted from the client.
	MaxMessageSize int64
	// CleanupTimeout bounds the presence decrement and subscription release
	// after the connection ends.
	CleanupTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Topic == "" {
		c.Topic = "canvas"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 5 * time.Second
	}
}

// Manager accepts websocket connections and owns their sessions.
type Manager struct {
	bus      bus.Bus
	presence *presence.Tracker
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewManager creates a manager publishing to and subscribing on cfg.Topic.
func NewManager(b bus.Bus, tracker *presence.Tracker, cfg Config, logger *slog.Logger) *Manager {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		bus:      b,
		presence: tracker,
		cfg:      cfg,
		log:      logger.With("component", "session"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*Session]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		m.wg.Done()
		return
	}

	s := &Session{
		id:   uuid.NewString(),
		conn: conn,
		m:    m,
	}
	s.log = m.log.With("session", s.id, "remote", r.RemoteAddr)

	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.sessions, s)
		m.mu.Unlock()
		m.wg.Done()
	}()

	s.run(m.ctx)
}

// Active returns the number of sessions of this process that are not yet
// closed.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and waits until they have released their
// subscriptions and presence, or until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session is one client connection. The subscription it owns is passed
// explicitly to the tasks that use it.
type Session struct {
	id    string
	conn  *websocket.Conn
	m     *Manager
	log   *slog.Logger
	state atomic.Int32

	writeMu sync.Mutex
}

// ID identifies the session as a bus sender.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	s.log.Debug("session state", "from", from, "to", to)
}

func (s *Session) run(ctx context.Context) {
	defer func() {
		s.conn.Close()
		s.setState(Closed)
	}()

	sub, err := s.m.bus.Subscribe(ctx, s.m.cfg.Topic)
	if err != nil {
		s.log.Error("subscribe failed", "error", err)
		s.closeFrame(websocket.CloseInternalServerErr, "")
		return
	}
	online, err := s.m.presence.Join(ctx)
	if err != nil {
		s.log.Error("presence join failed", "error", err)
		sub.Close()
		s.closeFrame(websocket.CloseInternalServerErr, "")
		return
	}

	s.setState(Open)
	s.log.Info("client connected", "online", online)

	cause := s.serve(ctx, sub, online)

	s.setState(Closing)
	s.unwind(cause, sub)
}

// serve sends the initial meta frame, then races inbound against outbound.
// It returns only after both tasks have stopped.
func (s *Session) serve(ctx context.Context, sub bus.Subscription, online int64) error {
	meta, err := envelope.NewMeta(online, s.m.presence.CanvasSize())
	if err != nil {
		return err
	}
	if err := s.write(meta); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	pongTimeout := s.m.cfg.PongTimeout
	s.conn.SetReadLimit(s.m.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		if gctx.Err() != nil {
			return nil
		}
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	// A blocked read only returns on socket activity; force it out once
	// the sibling has finished.
	stop := context.AfterFunc(gctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	g.Go(func() error {
		defer cancel()
		return s.inbound(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.outbound(gctx, sub)
	})
	return g.Wait()
}

func (s *Session) inbound(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: read: %v", errTransport, err)
		}
		if !envelope.Valid(data) {
			return errProtocol
		}
		if err := s.m.bus.Publish(ctx, s.m.cfg.Topic, bus.Message{Sender: s.id, Body: data}); err != nil {
			return fmt.Errorf("session: publish: %w", err)
		}
	}
}

func (s *Session) outbound(ctx context.Context, sub bus.Subscription) error {
	ticker := time.NewTicker(s.m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				if err := sub.Err(); err != nil {
					return fmt.Errorf("%w: %v", errStreamEnded, err)
				}
				return errStreamEnded
			}
			if s.m.cfg.SuppressEcho && msg.Sender == s.id {
				continue
			}
			if err := s.write(msg.Body); err != nil {
				return err
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.m.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("%w: ping: %v", errTransport, err)
			}
		}
	}
}

// unwind runs the Closing stage: at most one diagnostic frame, the close
// frame, presence decrement with its announcement, and subscription release.
func (s *Session) unwind(cause error, sub bus.Subscription) {
	switch {
	case errors.Is(cause, errProtocol):
		s.log.Info("protocol violation, closing")
		if err := s.write(envelope.ErrorFrame(envelope.MalformedInput)); err == nil {
			s.closeFrame(websocket.CloseUnsupportedData, "")
		}
	case errors.Is(cause, errTransport):
		s.log.Debug("client gone", "reason", cause)
	case cause == nil:
		s.closeFrame(websocket.CloseGoingAway, "server shutting down")
	default:
		s.log.Error("session failed", "error", cause)
		s.closeFrame(websocket.CloseInternalServerErr, "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.m.cfg.CleanupTimeout)
	defer cancel()

	online, err := s.m.presence.Leave(ctx)
	if err != nil {
		s.log.Warn("presence leave failed", "error", err)
	}
	if err := sub.Close(); err != nil {
		s.log.Warn("subscription close failed", "error", err)
	}
	s.log.Info("client disconnected", "online", online)
}

func (s *Session) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.m.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: write: %v", errTransport, err)
	}
	return nil
}

func (s *Session) closeFrame(code int, text string) {
	deadline := time.Now().Add(s.m.cfg.WriteTimeout)
	msg := websocket.FormatCloseMessage(code, text)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.log.Debug("close frame not sent", "error", err)
	}
}
