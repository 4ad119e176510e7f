package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/pflag"

	"place-canvas/internal/api"
	"place-canvas/internal/bus"
	"place-canvas/internal/config"
	"place-canvas/internal/presence"
	"place-canvas/internal/session"
	"place-canvas/internal/snapshot"
	"place-canvas/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	settings, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Usage of canvas-server:\n%s", config.Usage())
		return nil
	}
	if err != nil {
		return err
	}

	logger := settings.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Cell store
	st, err := store.Open(ctx, settings.DBURL, settings.CanvasSize)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.BulkInit(ctx, settings.CanvasSize, settings.DefaultColor); err != nil {
		return fmt.Errorf("initialize canvas: %w", err)
	}

	// Redis is shared by presence, the picture cache and a redis bus.
	var rdb *redis.Client
	redisBus := settings.BroadcastURL == settings.RedisURL
	if settings.Presence == "redis" || settings.SnapshotShared || redisBus {
		opts, err := redis.ParseURL(settings.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	var b bus.Bus
	if rdb != nil && redisBus {
		b = bus.NewRedis(rdb, logger.With("component", "bus"))
	} else {
		b, err = bus.Open(ctx, settings.BroadcastURL, logger)
		if err != nil {
			return err
		}
	}
	defer b.Close()

	var counter presence.Counter = &presence.Memory{}
	if settings.Presence == "redis" {
		counter = presence.NewRedis(rdb, "")
	}
	tracker := presence.NewTracker(counter, b, settings.Topic, settings.CanvasSize)

	pictureOpts := []snapshot.Option{snapshot.WithLogger(logger)}
	if settings.SnapshotShared {
		pictureOpts = append(pictureOpts, snapshot.WithRedis(rdb, ""))
	}
	picture := snapshot.New(st, settings.CanvasSize, settings.SnapshotTTL, pictureOpts...)

	sessions := session.NewManager(b, tracker, session.Config{
		Topic:        settings.Topic,
		SuppressEcho: settings.SuppressEcho,
	}, logger)

	health := map[string]api.Check{"store": st.Ping}
	if rdb != nil {
		health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	handler := api.New(api.Deps{
		Store:    st,
		Bus:      b,
		Picture:  picture,
		Presence: tracker,
		Sessions: sessions,
		Health:   health,
		Topic:    settings.Topic,
		Size:     settings.CanvasSize,
		Location: settings.Location(),
	}, logger).Router()

	srv := &http.Server{
		Addr:              settings.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("canvas server starting",
			"addr", settings.Addr,
			"mode", settings.Mode,
			"canvas_size", settings.CanvasSize,
			"db", settings.DBURL,
			"broadcast", settings.BroadcastURL,
			"presence", settings.Presence)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "sessions", sessions.Active())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Hijacked websocket connections are not covered by srv.Shutdown.
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown", "error", err)
	}
	return nil
}
