package pipeline

import (
	"context"
	"time"

	"github.com/traceloop/gateway-core/internal/metrics"
	"github.com/traceloop/gateway-core/pkg/apierr"
)

// MetricsPlugin records per-operation Prometheus metrics around the rest of
// the chain, labeled per spec: operation, pipeline, model key, provider type
// and outcome. It never rejects or mutates a request.
type MetricsPlugin struct {
	reg *metrics.Registry
}

func NewMetricsPlugin(reg *metrics.Registry) *MetricsPlugin {
	return &MetricsPlugin{reg: reg}
}

func (p *MetricsPlugin) Name() string { return "metrics" }

func (p *MetricsPlugin) Handle(ctx context.Context, req *Request, next Next) (*Response, error) {
	operation := "chat"
	if req.Embedding != nil {
		operation = "embeddings"
	}

	start := time.Now()
	resp, err := next(ctx, req)
	dur := time.Since(start)

	providerType := "unknown"
	outcome := "error"
	if resp != nil && resp.ProviderType != "" {
		providerType = resp.ProviderType
	}

	if err == nil {
		outcome = "success"
		if resp.Chat != nil {
			p.reg.AddTokens(req.ModelKey, providerType, resp.Chat.Usage.InputTokens, resp.Chat.Usage.OutputTokens)
		}
		if resp.Embedding != nil {
			p.reg.AddTokens(req.ModelKey, providerType, resp.Embedding.Usage.InputTokens, 0)
		}
	} else if gwErr, ok := err.(*apierr.GatewayError); ok {
		outcome = string(gwErr.Kind)
	}

	p.reg.ObserveOperation(operation, req.PipelineName, req.ModelKey, providerType, outcome, dur)

	return resp, err
}
