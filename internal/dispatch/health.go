package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/traceloop/gateway-core/internal/metrics"
	"github.com/traceloop/gateway-core/internal/state"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// componentStatus holds the last known health result for one provider.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "unknown"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker probes every provider adapter bound in the currently
// installed Snapshot on a fixed interval. Unlike the rest of dispatch it
// does hold state across requests (the last probe result) since health is
// meant to be cheap to poll from a kubelet without touching any upstream.
type HealthChecker struct {
	store   *state.Store
	metrics *metrics.Registry
	baseCtx context.Context

	mu        sync.Mutex
	statuses  map[string]*componentStatus // providerKey -> status, rebuilt each probe against the current snapshot
	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and starts its background probe
// loop. It runs one probe synchronously first so Snapshot() never reports
// "unknown" for a freshly started gateway with a snapshot already loaded.
func NewHealthChecker(ctx context.Context, store *state.Store, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("dispatch: health checker context must not be nil")
	}
	hc := &HealthChecker{
		store:     store,
		metrics:   met,
		baseCtx:   ctx,
		statuses:  make(map[string]*componentStatus),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	hc.probe()
	hc.wg.Add(1)
	go hc.run()
	return hc
}

// HealthSnapshot reports the gateway's overall status, every configured
// provider's last probe result, and which operations each bound model key
// currently supports (SPEC_FULL §13.4).
type HealthSnapshot struct {
	Status        string              `json:"status"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	SnapshotEpoch int64               `json:"snapshot_epoch"`
	Providers     map[string]string   `json:"providers"`
	Models        map[string][]string `json:"models,omitempty"`
}

// Snapshot builds a HealthSnapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	hc.mu.Lock()
	statuses := hc.statuses
	hc.mu.Unlock()

	overall := "ok"
	providers := make(map[string]string, len(statuses))
	for key, s := range statuses {
		st := s.get()
		providers[key] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	var epoch int64
	var models map[string][]string
	if snap := hc.store.Current(); snap != nil {
		epoch = snap.Epoch
		models = make(map[string][]string, len(snap.Models))
		for key, binding := range snap.Models {
			if binding.Adapter != nil {
				models[key] = binding.Adapter.Capabilities().Names()
			}
		}
	} else {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		SnapshotEpoch: epoch,
		Providers:     providers,
		Models:        models,
	}
}

// ReadinessOK reports whether the gateway has a snapshot installed at all —
// readiness gates traffic admission, liveness (Snapshot) reports degraded
// providers without taking the pod out of rotation.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.store.Current() != nil
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	snap := hc.store.Current()
	if snap == nil {
		return
	}

	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	fresh := make(map[string]*componentStatus, len(snap.Providers))
	var wg sync.WaitGroup
	for key, adapter := range snap.Providers {
		key, adapter := key, adapter
		s := &componentStatus{}
		fresh[key] = s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adapter.HealthCheck(ctx); err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(key, false)
				}
			} else {
				s.set("ok")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(key, true)
				}
			}
		}()
	}
	wg.Wait()

	hc.mu.Lock()
	hc.statuses = fresh
	hc.mu.Unlock()
}
