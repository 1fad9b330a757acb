package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingPlugin opens one span per operation with gen_ai.* attributes
// following the OpenTelemetry GenAI semantic conventions. Request messages
// and non-streamed response content are attached only when traceContent is
// enabled (the content of a streamed response is never attached) — by
// default the span carries shape (model, token counts, provider) but not
// text, matching the gateway's "never persist bodies" invariant for the
// default case.
type TracingPlugin struct {
	tracer       trace.Tracer
	traceContent bool
}

func NewTracingPlugin(tracerName string, traceContent bool) *TracingPlugin {
	return &TracingPlugin{tracer: otel.Tracer(tracerName), traceContent: traceContent}
}

func (p *TracingPlugin) Name() string { return "tracing" }

func (p *TracingPlugin) Handle(ctx context.Context, req *Request, next Next) (*Response, error) {
	operation := "chat"
	if req.Embedding != nil {
		operation = "embeddings"
	}

	ctx, span := p.tracer.Start(ctx, "gen_ai."+operation,
		trace.WithAttributes(
			attribute.String("gen_ai.operation.name", operation),
			attribute.String("gen_ai.request.model", req.ModelKey),
			attribute.String("gateway.pipeline", req.PipelineName),
			attribute.String("gateway.request_id", req.RequestID),
		),
	)
	defer span.End()

	if p.traceContent && req.Chat != nil {
		prompt := make([]string, len(req.Chat.Messages))
		for i, m := range req.Chat.Messages {
			prompt[i] = m.Role + ": " + m.Content
		}
		span.SetAttributes(
			attribute.Int("gen_ai.request.message_count", len(req.Chat.Messages)),
			attribute.StringSlice("gen_ai.prompt", prompt),
		)
	}

	resp, err := next(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	span.SetAttributes(attribute.String("gateway.provider", resp.ProviderType))
	if resp.Chat != nil {
		span.SetAttributes(
			attribute.Int("gen_ai.usage.input_tokens", resp.Chat.Usage.InputTokens),
			attribute.Int("gen_ai.usage.output_tokens", resp.Chat.Usage.OutputTokens),
		)
		if p.traceContent && resp.Chat.Stream == nil {
			span.SetAttributes(attribute.String("gen_ai.completion", resp.Chat.Content))
		}
	}
	if resp.Embedding != nil {
		span.SetAttributes(attribute.Int("gen_ai.usage.input_tokens", resp.Embedding.Usage.InputTokens))
	}
	span.SetStatus(codes.Ok, "")

	return resp, nil
}
