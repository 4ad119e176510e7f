// Package api exposes the canvas over HTTP: pixel reads and writes, the
// rendered picture, presence, health and the websocket endpoint.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"place-canvas/internal/bus"
	"place-canvas/internal/envelope"
	"place-canvas/internal/presence"
	"place-canvas/internal/snapshot"
	"place-canvas/internal/store"
)

// Check reports whether a backend is reachable.
type Check func(ctx context.Context) error

// Deps are the components the handlers use.
type Deps struct {
	Store    store.Store
	Bus      bus.Bus
	Picture  *snapshot.Cache
	Presence *presence.Tracker
	// Sessions serves /ws.
	Sessions http.Handler
	// Health maps a service name to its check.
	Health map[string]Check

	Topic    string
	Size     int
	Location *time.Location
}

// Server holds the handlers.
type Server struct {
	deps Deps
	log  *slog.Logger
}

func New(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &Server{deps: deps, log: logger.With("component", "api")}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.home).Methods(http.MethodGet)
	r.HandleFunc("/pixels", s.getPixel).Methods(http.MethodGet)
	r.HandleFunc("/pixels/{id}", s.putPixel).Methods(http.MethodPut)
	r.HandleFunc("/picture", s.picture).Methods(http.MethodGet)
	r.HandleFunc("/meta", s.meta).Methods(http.MethodGet)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.deps.Sessions != nil {
		r.Handle("/ws", s.deps.Sessions)
	}
	// preflight requests need a matching route for the middleware to run
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	r.Use(cors)
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "hello world"})
}

func (s *Server) getPixel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	x, errX := strconv.Atoi(q.Get("x"))
	y, errY := strconv.Atoi(q.Get("y"))
	if errX != nil || errY != nil || !store.ValidCoord(s.deps.Size, x, y) {
		writeError(w, http.StatusBadRequest, "x and y must be integers in [1, canvas_size]")
		return
	}

	p, err := s.deps.Store.Get(r.Context(), x, y)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope.View(p, s.deps.Location))
}

type colorRequest struct {
	Color string `json:"color"`
}

func (s *Server) putPixel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	n := int64(s.deps.Size)
	if err != nil || id < 1 || id > n*n {
		writeError(w, http.StatusBadRequest, "pixel id out of range")
		return
	}
	var req colorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, envelope.MalformedInput)
		return
	}
	if !store.ValidColor(req.Color) {
		writeError(w, http.StatusBadRequest, "color must be six lowercase hex digits")
		return
	}

	p, err := s.deps.Store.Set(r.Context(), id, req.Color)
	if err != nil {
		s.storeError(w, err)
		return
	}

	frame, err := envelope.NewPixel(p, s.deps.Location)
	if err != nil {
		s.log.Error("encode pixel", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.deps.Bus.Publish(r.Context(), s.deps.Topic, bus.Message{Body: frame}); err != nil {
		// The write stands; only the live update was lost.
		s.log.Error("publish pixel", "id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "pixel saved but not broadcast")
		return
	}
	s.log.Debug("pixel set", "id", id, "color", p.Color, "modify_times", p.ModifyTimes)
	writeJSON(w, http.StatusOK, envelope.View(p, s.deps.Location))
}

func (s *Server) picture(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Picture.Get(r.Context())
	if err != nil {
		s.log.Error("render picture", "error", err)
		writeError(w, http.StatusInternalServerError, "picture unavailable")
		return
	}

	if r.URL.Query().Get("format") == "base64" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(base64.StdEncoding.EncodeToString(b)))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.Write(b)
}

func (s *Server) meta(w http.ResponseWriter, r *http.Request) {
	online, err := s.deps.Presence.Online(r.Context())
	if err != nil {
		s.log.Error("read presence", "error", err)
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, envelope.Meta{Online: online, CanvasSize: s.deps.Presence.CanvasSize()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	services := make(map[string]bool, len(s.deps.Health))
	healthy := true
	for name, check := range s.deps.Health {
		err := check(ctx)
		services[name] = err == nil
		if err != nil {
			healthy = false
			s.log.Warn("health check failed", "service", name, "error", err)
		}
	}

	status := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().In(s.deps.Location),
		"services":  services,
	}
	code := http.StatusOK
	if !healthy {
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pixel does not exist")
		return
	}
	s.log.Error("store", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope.ErrorMessage{Message: msg})
}
