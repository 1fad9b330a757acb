package state

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/traceloop/gateway-core/internal/config"
	"github.com/traceloop/gateway-core/internal/snapshot"
)

func minimalRaw(epoch int64) config.RawSnapshot {
	return config.RawSnapshot{
		Providers: []config.ProviderRecord{
			{Key: "openai-main", Variant: config.VariantOpenAI, OpenAI: &config.OpenAIParams{APIKey: config.SecretRef{Literal: "sk-test"}}},
		},
		Models: []config.ModelRecord{
			{Key: "gpt-4o", Type: config.ModelTypeChat, Provider: "openai-main", ModelVersion: "gpt-4o"},
		},
		Pipelines: []config.PipelineRecord{
			{
				Name:    "default-chat",
				Type:    config.PipelineTypeChat,
				Default: true,
				Plugins: []config.PluginConfig{
					{Kind: config.PluginModelRouter, ModelRouter: &config.ModelRouterPluginConfig{Models: []string{"gpt-4o"}}},
				},
			},
		},
		Epoch: epoch,
	}
}

func TestReloader_LoadOnce_InstallsSnapshot(t *testing.T) {
	store := NewStore()
	source := config.RowSourceFunc(func(ctx context.Context) (config.RawSnapshot, error) {
		return minimalRaw(1), nil
	})
	r := NewReloader(store, source, time.Minute, snapshot.Deps{}, nil, nil)

	if err := r.LoadOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Current() == nil {
		t.Fatal("expected a snapshot to be installed")
	}
	if store.Current().Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", store.Current().Epoch)
	}
}

func TestReloader_SkipsReinstallOnSameEpoch(t *testing.T) {
	store := NewStore()
	calls := 0
	source := config.RowSourceFunc(func(ctx context.Context) (config.RawSnapshot, error) {
		calls++
		return minimalRaw(1), nil
	})
	r := NewReloader(store, source, time.Minute, snapshot.Deps{}, nil, nil)

	if err := r.LoadOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := store.Current()

	if err := r.reload(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Current() != first {
		t.Fatal("expected snapshot pointer to be unchanged for a repeated epoch")
	}
	if calls != 2 {
		t.Fatalf("expected source to be polled twice, got %d", calls)
	}
}

func TestReloader_InstallsNewSnapshotOnEpochChange(t *testing.T) {
	store := NewStore()
	epoch := int64(1)
	source := config.RowSourceFunc(func(ctx context.Context) (config.RawSnapshot, error) {
		return minimalRaw(epoch), nil
	})
	r := NewReloader(store, source, time.Minute, snapshot.Deps{}, nil, nil)

	if err := r.LoadOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := store.Current()

	epoch = 2
	if err := r.reload(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Current() == first {
		t.Fatal("expected a new snapshot to be installed")
	}
	if store.Current().Epoch != 2 {
		t.Fatalf("expected epoch 2, got %d", store.Current().Epoch)
	}
}

// TestReloader_Run_InstallsOnPubSubNotification exercises the cross-replica
// fan-out path: a snapshot reload published on another replica's Redis
// connection wakes this Reloader's Run loop immediately instead of it
// waiting for its own poll interval.
func TestReloader_Run_InstallsOnPubSubNotification(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	var epoch atomic.Int64
	epoch.Store(1)
	source := config.RowSourceFunc(func(ctx context.Context) (config.RawSnapshot, error) {
		return minimalRaw(epoch.Load()), nil
	})

	store := NewStore()
	// A long poll interval proves the install below came from the pub/sub
	// notification, not a tick.
	r := NewReloader(store, source, time.Hour, snapshot.Deps{}, rdb, nil)
	if err := r.LoadOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Current().Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", store.Current().Epoch)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	epoch.Store(2)
	publisher := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer publisher.Close()

	// Pub/sub delivers only to subscribers already listening when Publish
	// runs, and Run's Subscribe happens asynchronously after the goroutine
	// starts, so retry the publish until the notification lands or the
	// deadline passes.
	deadline := time.Now().Add(5 * time.Second)
	for store.Current().Epoch != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for pub/sub-triggered reload, epoch is still %d", store.Current().Epoch)
		}
		if err := publisher.Publish(context.Background(), snapshotReloadChannel, "2").Err(); err != nil {
			t.Fatalf("publish: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}
