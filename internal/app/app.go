// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — optional Redis connection (pub/sub reload fan-out)
//  2. initServices — Prometheus metrics registry
//  3. initState    — build the config.RowSource, load the first Snapshot
//     synchronously, and start the background Reloader
//  4. initServer   — dispatcher, health checker, fasthttp server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/traceloop/gateway-core/internal/config"
	"github.com/traceloop/gateway-core/internal/dispatch"
	"github.com/traceloop/gateway-core/internal/metrics"
	"github.com/traceloop/gateway-core/internal/state"
	"github.com/valyala/fasthttp"
)

// shutdownDrainTimeout bounds how long Run waits for in-flight (including
// streaming) requests to finish after the context is cancelled, before
// forcing the listener closed and returning a non-zero exit.
const shutdownDrainTimeout = 30 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.AppConfig
	baseCtx context.Context
	log     *slog.Logger

	rdb *redis.Client // optional, nil unless cfg.RedisURL is set

	prom *metrics.Registry

	store    *state.Store
	reloader *state.Reloader

	dispatcher *dispatch.Dispatcher
	health     *dispatch.HealthChecker
	srv        *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.AppConfig, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"state", a.initState},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server, the snapshot reloader, and blocks until ctx is
// cancelled or either goroutine errors. It closes the app gracefully before
// returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("hub_mode", string(a.cfg.HubMode)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ln, err := newListener(addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return a.srv.Serve(ln)
	})

	g.Go(func() error {
		return a.reloader.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
		defer cancel()
		err := a.srv.ShutdownWithContext(shutdownCtx)
		a.Close()
		if err != nil {
			return fmt.Errorf("shutdown: in-flight requests did not drain within %s: %w", shutdownDrainTimeout, err)
		}
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; concurrent calls are not synchronized.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.store != nil {
		if snap := a.store.Current(); snap != nil {
			_ = snap.Close()
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@localhost:6379" -> "redis://***@localhost:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
