// Package state holds the currently installed configuration Snapshot behind
// an atomic pointer, and a Reloader goroutine that keeps it current by
// polling a config.RowSource. Request-handling code only ever calls
// Store.Current — there is no lock on the read path.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traceloop/gateway-core/internal/config"
	"github.com/traceloop/gateway-core/internal/metrics"
	"github.com/traceloop/gateway-core/internal/snapshot"
)

// snapshotReloadChannel is the Redis pub/sub channel other replicas publish
// to (and subscribe on) so every process picks up a newly installed
// snapshot's epoch promptly instead of waiting for its own poll interval.
const snapshotReloadChannel = "gateway:snapshot:reload"

// Store holds the live Snapshot. Zero value is not usable — construct with
// NewStore.
type Store struct {
	ptr atomic.Pointer[snapshot.Snapshot]
}

func NewStore() *Store {
	return &Store{}
}

// Current returns the currently installed Snapshot, or nil if none has been
// installed yet.
func (s *Store) Current() *snapshot.Snapshot {
	return s.ptr.Load()
}

// Install swaps in a new Snapshot and closes the one it replaces (after the
// swap, so in-flight requests still holding the old pointer keep working
// until they finish — closing only tears down the logger's background
// goroutine and ClickHouse connection, not anything a request reads from).
func (s *Store) Install(snap *snapshot.Snapshot) {
	old := s.ptr.Swap(snap)
	if old != nil {
		_ = old.Close()
	}
}

// Reloader polls a config.RowSource on an interval and installs a freshly
// compiled Snapshot into a Store whenever the source's Epoch advances.
type Reloader struct {
	store    *Store
	source   config.RowSource
	interval time.Duration
	deps     snapshot.Deps
	metrics  *metrics.Registry
	log      *slog.Logger

	rdb *redis.Client // optional, nil when pub/sub fan-out is disabled

	lastEpoch int64
}

// NewReloader builds a Reloader. rdb may be nil — without it, the source is
// still polled locally on every tick, just without cross-replica fan-out.
func NewReloader(store *Store, source config.RowSource, interval time.Duration, deps snapshot.Deps, rdb *redis.Client, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.Default()
	}
	return &Reloader{store: store, source: source, interval: interval, deps: deps, metrics: deps.Metrics, rdb: rdb, log: log, lastEpoch: -1}
}

// LoadOnce fetches and installs a snapshot synchronously, returning an error
// if the very first load fails — callers use this at startup so a
// misconfigured gateway never serves traffic with no Snapshot installed.
func (r *Reloader) LoadOnce(ctx context.Context) error {
	if err := r.reload(ctx); err != nil {
		return err
	}
	return nil
}

// Run polls r.source every r.interval until ctx is cancelled. It also
// subscribes to the Redis reload channel (if rdb is set) so a reload
// triggered on another replica is picked up immediately rather than waiting
// for the next tick.
func (r *Reloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var pubsub *redis.PubSub
	var notify <-chan *redis.Message
	if r.rdb != nil {
		pubsub = r.rdb.Subscribe(ctx, snapshotReloadChannel)
		notify = pubsub.Channel()
		defer pubsub.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.reload(ctx); err != nil {
				r.log.ErrorContext(ctx, "snapshot_reload_failed", slog.String("error", err.Error()))
				if r.metrics != nil {
					r.metrics.RecordReload("poll", "error")
				}
			}
		case <-notify:
			if err := r.reload(ctx); err != nil {
				r.log.ErrorContext(ctx, "snapshot_reload_failed", slog.String("error", err.Error()))
				if r.metrics != nil {
					r.metrics.RecordReload("pubsub", "error")
				}
			}
		}
	}
}

func (r *Reloader) reload(ctx context.Context) error {
	raw, err := r.source.FetchSnapshotRows(ctx)
	if err != nil {
		return fmt.Errorf("state: fetch snapshot rows: %w", err)
	}
	if raw.Epoch == r.lastEpoch {
		return nil
	}

	snap, err := snapshot.Build(ctx, raw, r.deps)
	if err != nil {
		return fmt.Errorf("state: build snapshot epoch %d: %w", raw.Epoch, err)
	}

	r.store.Install(snap)
	r.lastEpoch = raw.Epoch

	if r.metrics != nil {
		r.metrics.SetSnapshotEpoch(raw.Epoch)
		r.metrics.RecordReload("poll", "success")
	}
	r.log.InfoContext(ctx, "snapshot_installed", slog.Int64("epoch", raw.Epoch))

	if r.rdb != nil {
		if err := r.rdb.Publish(ctx, snapshotReloadChannel, raw.Epoch).Err(); err != nil {
			r.log.WarnContext(ctx, "snapshot_reload_publish_failed", slog.String("error", err.Error()))
		}
	}

	return nil
}
