package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/traceloop/gateway-core/internal/config"
	"github.com/traceloop/gateway-core/internal/dispatch"
	"github.com/traceloop/gateway-core/internal/metrics"
	"github.com/traceloop/gateway-core/internal/snapshot"
	"github.com/traceloop/gateway-core/internal/state"
)

// initInfra establishes the optional Redis connection used to fan out
// snapshot-reload notifications across replicas (spec §13.2). Absent a
// RedisURL, every replica just polls on its own ReloadInterval.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))
	rdb, err := connectRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initServices creates the Prometheus metrics registry.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	return nil
}

// initState builds the config.RowSource for the configured HubMode, loads
// the first Snapshot synchronously (a misconfigured gateway must never
// start serving traffic with no Snapshot installed), and starts the
// background Reloader.
func (a *App) initState(ctx context.Context) error {
	var source config.RowSource
	switch a.cfg.HubMode {
	case config.HubModeFile:
		source = config.FileSource{Path: a.cfg.ConfigFilePath}
	case config.HubModeDatabase:
		return fmt.Errorf("hub_mode=database requires a config.RowSource wired in from the management service; none is configured in this build")
	default:
		return fmt.Errorf("unknown hub mode %q", a.cfg.HubMode)
	}

	a.store = state.NewStore()
	a.reloader = state.NewReloader(a.store, source, a.cfg.ReloadInterval, snapshot.Deps{Metrics: a.prom}, a.rdb, a.log)

	if err := a.reloader.LoadOnce(ctx); err != nil {
		return fmt.Errorf("initial snapshot load: %w", err)
	}
	a.log.Info("snapshot loaded", slog.Int64("epoch", a.store.Current().Epoch))

	return nil
}

// initServer wires the dispatcher, health checker, and fasthttp server.
func (a *App) initServer(ctx context.Context) error {
	a.dispatcher = dispatch.New(a.store, a.log, a.prom)
	a.health = dispatch.NewHealthChecker(ctx, a.store, a.prom)

	mgmt := &dispatch.ManagementRoutes{Metrics: a.prom.Handler()}
	a.srv = a.dispatcher.NewServer(a.health, mgmt, a.cfg.CORSOrigins)

	return nil
}

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
