package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/traceloop/gateway-core/internal/logger"
)

// LoggingPlugin records one RequestLog entry per operation, timing the rest
// of the chain and classifying the outcome without inspecting request or
// response bodies (the gateway never persists those, per spec).
type LoggingPlugin struct {
	log *logger.Logger
}

func NewLoggingPlugin(log *logger.Logger) *LoggingPlugin {
	return &LoggingPlugin{log: log}
}

func (p *LoggingPlugin) Name() string { return "logging" }

func (p *LoggingPlugin) Handle(ctx context.Context, req *Request, next Next) (*Response, error) {
	start := time.Now()

	resp, err := next(ctx, req)

	entry := logger.RequestLog{
		PipelineName: req.PipelineName,
		ModelKey:     req.ModelKey,
		LatencyMs:    clampMs(time.Since(start)),
		CreatedAt:    start,
	}
	if req.Chat != nil {
		entry.Streamed = req.Chat.Stream
	}

	id, parseErr := uuid.Parse(req.RequestID)
	if parseErr != nil {
		id = uuid.New()
	}
	entry.ID = id

	if err != nil {
		entry.Status = 0
		p.log.Log(entry)
		slog.DebugContext(ctx, "pipeline_logging_observed_error", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
		return resp, err
	}

	entry.Status = 200
	entry.Provider = resp.ProviderType
	if resp.Chat != nil {
		entry.InputTokens = uint32(resp.Chat.Usage.InputTokens)
		entry.OutputTokens = uint32(resp.Chat.Usage.OutputTokens)
	}
	if resp.Embedding != nil {
		entry.InputTokens = uint32(resp.Embedding.Usage.InputTokens)
	}
	p.log.Log(entry)

	return resp, nil
}

func clampMs(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > 65535 {
		return 65535
	}
	return uint16(ms)
}
