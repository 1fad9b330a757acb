// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_operations_total{operation,pipeline,model_key,provider_type,outcome}
	operationsTotal *prometheus.CounterVec

	// gateway_operation_duration_seconds{operation,pipeline,model_key,provider_type,outcome}
	operationDuration *prometheus.HistogramVec

	// gateway_model_router_failover_total{model_key,outcome}
	failoverTotal *prometheus.CounterVec

	// gateway_tokens_total{model_key,provider_type,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_provider_health{provider_key}
	providerHealth *prometheus.GaugeVec

	// gateway_reload_total{source,outcome}
	reloadTotal *prometheus.CounterVec

	// gateway_snapshot_epoch
	snapshotEpoch prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes pipeline + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_operations_total",
				Help: "Total pipeline operations by dimension and outcome",
			},
			[]string{"operation", "pipeline", "model_key", "provider_type", "outcome"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_operation_duration_seconds",
				Help:    "Pipeline operation duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"operation", "pipeline", "model_key", "provider_type", "outcome"},
		),

		failoverTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_model_router_failover_total",
				Help: "Model router failover attempts by requested model key and outcome",
			},
			[]string{"model_key", "outcome"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"model_key", "provider_type", "direction"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider_key"},
		),

		reloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_reload_total",
				Help: "Configuration snapshot reload attempts by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		snapshotEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_snapshot_epoch",
			Help: "Epoch of the currently installed configuration snapshot",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.operationsTotal,
		r.operationDuration,
		r.failoverTotal,
		r.tokensTotal,
		r.providerHealth,
		r.reloadTotal,
		r.snapshotEpoch,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveOperation records one pipeline operation's outcome and latency.
func (r *Registry) ObserveOperation(operation, pipelineName, modelKey, providerType, outcome string, dur time.Duration) {
	r.operationsTotal.WithLabelValues(operation, pipelineName, modelKey, providerType, outcome).Inc()
	r.operationDuration.WithLabelValues(operation, pipelineName, modelKey, providerType, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(modelKey, outcome string) {
	r.failoverTotal.WithLabelValues(modelKey, outcome).Inc()
}

func (r *Registry) AddTokens(modelKey, providerType string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(modelKey, providerType, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(modelKey, providerType, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetProviderHealth(providerKey string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(providerKey).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(providerKey).Set(0)
}

func (r *Registry) RecordReload(source, outcome string) {
	r.reloadTotal.WithLabelValues(source, outcome).Inc()
}

func (r *Registry) SetSnapshotEpoch(epoch int64) {
	r.snapshotEpoch.Set(float64(epoch))
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
