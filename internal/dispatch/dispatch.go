// Package dispatch is the gateway's HTTP-facing layer (C6): it parses the
// OpenAI-compatible wire envelopes, resolves the model key and pipeline
// against the currently installed state.Snapshot, runs the request through
// the resolved pipeline.Chain, and translates the result back to the wire
// shape — including SSE pass-through for streamed chat completions.
//
// Dispatch never talks to a provider.Adapter directly; the pipeline's
// terminal model_router plugin (C5) is the only thing that does. Dispatch's
// job is entirely translation and routing, which keeps it stateless and
// cheap to re-derive per request off the atomic Snapshot pointer.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/traceloop/gateway-core/internal/config"
	"github.com/traceloop/gateway-core/internal/metrics"
	"github.com/traceloop/gateway-core/internal/pipeline"
	"github.com/traceloop/gateway-core/internal/providers"
	"github.com/traceloop/gateway-core/internal/state"
	"github.com/traceloop/gateway-core/internal/streaming"
	"github.com/traceloop/gateway-core/pkg/apierr"
)

// Dispatcher holds the dependencies shared by every request handler. It is
// safe for concurrent use — Current() is the only thing read per request,
// and it is a lock-free atomic load.
type Dispatcher struct {
	store   *state.Store
	log     *slog.Logger
	metrics *metrics.Registry
}

// New builds a Dispatcher. log and met may be nil.
func New(store *state.Store, log *slog.Logger, met *metrics.Registry) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{store: store, log: log, metrics: met}
}

// pipelineNameHeader lets a client pin a specific pipeline (e.g. to
// exercise a canary configuration) instead of taking the type's default.
const pipelineNameHeader = "X-Gateway-Pipeline"

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundChatRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}
	outboundChatResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// HandleChatCompletions serves POST /v1/chat/completions.
func (d *Dispatcher) HandleChatCompletions(ctx *fasthttp.RequestCtx) {
	d.dispatchChat(ctx, config.PipelineTypeChat)
}

func (d *Dispatcher) dispatchChat(ctx *fasthttp.RequestCtx, opType config.PipelineType) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	snap := d.store.Current()
	if snap == nil {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInternal, Message: "gateway has no configuration loaded"})
		return
	}

	var in inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInvalidRequest, Message: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	if in.Model == "" {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInvalidRequest, Message: "field 'model' is required"})
		return
	}

	binding, ok := snap.Models[in.Model]
	if !ok {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindModelNotFound, Message: fmt.Sprintf("model %q is not configured", in.Model)})
		return
	}
	if in.Stream && !binding.Adapter.Capabilities().Has(providers.CapStreaming) {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindUnsupportedOp, Message: fmt.Sprintf("model %q does not support streaming", in.Model)})
		return
	}

	pipelineName := string(ctx.Request.Header.Peek(pipelineNameHeader))
	chain, err := snap.PipelineFor(pipelineName, opType)
	if err != nil {
		writeDispatchError(ctx, err)
		return
	}

	msgs := make([]providers.Message, len(in.Messages))
	for i, m := range in.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	req := &pipeline.Request{
		PipelineName: pipelineName,
		ModelKey:     in.Model,
		RequestID:    reqID,
		Chat: &providers.ChatRequest{
			Messages:    msgs,
			Stream:      in.Stream,
			Temperature: in.Temperature,
			MaxTokens:   in.MaxTokens,
			RequestID:   reqID,
		},
	}

	d.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.String("model", in.Model),
		slog.Bool("stream", in.Stream),
	)

	resp, err := chain.Run(ctx, req)
	if err != nil {
		d.log.ErrorContext(ctx, "chat_error",
			slog.String("request_id", reqID),
			slog.String("model", in.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		writeDispatchError(ctx, err)
		return
	}

	chat := resp.Chat
	if chat.Stream != nil {
		modelKey, providerType := in.Model, resp.ProviderType
		streaming.WriteChat(ctx, chat.ID, chat.Model, time.Now().Unix(), chat.Stream, func(outputTokens int) {
			d.log.InfoContext(context.Background(), "chat_stream_complete",
				slog.String("request_id", reqID),
				slog.String("model", modelKey),
				slog.Int("output_tokens", outputTokens),
				slog.Duration("elapsed", time.Since(start)),
			)
			if d.metrics != nil {
				d.metrics.AddTokens(modelKey, providerType, 0, outputTokens)
			}
		})
		return
	}

	out := outboundChatResponse{
		ID:      chat.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   chat.Model,
		Choices: []outboundChoice{
			{Index: 0, Message: outboundMessage{Role: "assistant", Content: chat.Content}, FinishReason: "stop"},
		},
		Usage: outboundUsage{
			PromptTokens:     chat.Usage.InputTokens,
			CompletionTokens: chat.Usage.OutputTokens,
			TotalTokens:      chat.Usage.InputTokens + chat.Usage.OutputTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInternal, Message: "failed to serialize response"})
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

type (
	inboundCompletionRequest struct {
		Model       string  `json:"model"`
		Prompt      string  `json:"prompt"`
		Stream      bool    `json:"stream"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
	}

	outboundCompletionChoice struct {
		Text         string `json:"text"`
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
	}
	outboundCompletionResponse struct {
		ID      string                     `json:"id"`
		Object  string                     `json:"object"`
		Created int64                      `json:"created"`
		Model   string                     `json:"model"`
		Choices []outboundCompletionChoice `json:"choices"`
		Usage   outboundUsage              `json:"usage"`
	}
)

// HandleCompletions serves POST /v1/completions — the legacy, prompt-based
// request kind (C1, spec.md §3/§4.2). Unlike /v1/chat/completions it carries
// a bare "prompt" string rather than a message list and is gated on
// providers.CapCompletion, which only the openai adapter advertises.
func (d *Dispatcher) HandleCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	snap := d.store.Current()
	if snap == nil {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInternal, Message: "gateway has no configuration loaded"})
		return
	}

	var in inboundCompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInvalidRequest, Message: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	if in.Model == "" {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInvalidRequest, Message: "field 'model' is required"})
		return
	}
	if in.Prompt == "" {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInvalidRequest, Message: "field 'prompt' is required"})
		return
	}

	binding, ok := snap.Models[in.Model]
	if !ok {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindModelNotFound, Message: fmt.Sprintf("model %q is not configured", in.Model)})
		return
	}
	if !binding.Adapter.Capabilities().Has(providers.CapCompletion) {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindUnsupportedOp, Message: fmt.Sprintf("model %q does not support legacy completions", in.Model)})
		return
	}
	if in.Stream && !binding.Adapter.Capabilities().Has(providers.CapStreaming) {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindUnsupportedOp, Message: fmt.Sprintf("model %q does not support streaming", in.Model)})
		return
	}

	pipelineName := string(ctx.Request.Header.Peek(pipelineNameHeader))
	chain, err := snap.PipelineFor(pipelineName, config.PipelineTypeCompletion)
	if err != nil {
		writeDispatchError(ctx, err)
		return
	}

	req := &pipeline.Request{
		PipelineName: pipelineName,
		ModelKey:     in.Model,
		RequestID:    reqID,
		Completion: &providers.CompletionRequest{
			Prompt:      in.Prompt,
			Stream:      in.Stream,
			Temperature: in.Temperature,
			MaxTokens:   in.MaxTokens,
			RequestID:   reqID,
		},
	}

	d.log.InfoContext(ctx, "completion_request",
		slog.String("request_id", reqID),
		slog.String("model", in.Model),
		slog.Bool("stream", in.Stream),
	)

	resp, err := chain.Run(ctx, req)
	if err != nil {
		d.log.ErrorContext(ctx, "completion_error",
			slog.String("request_id", reqID),
			slog.String("model", in.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		writeDispatchError(ctx, err)
		return
	}

	comp := resp.Completion
	if comp.Stream != nil {
		modelKey, providerType := in.Model, resp.ProviderType
		streaming.WriteCompletion(ctx, comp.ID, comp.Model, time.Now().Unix(), comp.Stream, func(outputTokens int) {
			d.log.InfoContext(context.Background(), "completion_stream_complete",
				slog.String("request_id", reqID),
				slog.String("model", modelKey),
				slog.Int("output_tokens", outputTokens),
				slog.Duration("elapsed", time.Since(start)),
			)
			if d.metrics != nil {
				d.metrics.AddTokens(modelKey, providerType, 0, outputTokens)
			}
		})
		return
	}

	out := outboundCompletionResponse{
		ID:      comp.ID,
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   comp.Model,
		Choices: []outboundCompletionChoice{
			{Text: comp.Text, Index: 0, FinishReason: "stop"},
		},
		Usage: outboundUsage{
			PromptTokens:     comp.Usage.InputTokens,
			CompletionTokens: comp.Usage.OutputTokens,
			TotalTokens:      comp.Usage.InputTokens + comp.Usage.OutputTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInternal, Message: "failed to serialize response"})
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

type (
	inboundEmbeddingRequest struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}
	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput accepts either a bare string or an array of strings in
// the "input" field, matching the OpenAI embeddings API.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// HandleEmbeddings serves POST /v1/embeddings.
func (d *Dispatcher) HandleEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	snap := d.store.Current()
	if snap == nil {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInternal, Message: "gateway has no configuration loaded"})
		return
	}

	var in inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInvalidRequest, Message: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	if in.Model == "" {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInvalidRequest, Message: "field 'model' is required"})
		return
	}
	inputs, err := parseEmbeddingInput(in.Input)
	if err != nil {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInvalidRequest, Message: err.Error()})
		return
	}

	binding, ok := snap.Models[in.Model]
	if !ok {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindModelNotFound, Message: fmt.Sprintf("model %q is not configured", in.Model)})
		return
	}
	if !binding.Adapter.Capabilities().Has(providers.CapEmbeddings) {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindUnsupportedOp, Message: fmt.Sprintf("model %q does not support embeddings", in.Model)})
		return
	}

	pipelineName := string(ctx.Request.Header.Peek(pipelineNameHeader))
	chain, err := snap.PipelineFor(pipelineName, config.PipelineTypeEmbedding)
	if err != nil {
		writeDispatchError(ctx, err)
		return
	}

	req := &pipeline.Request{
		PipelineName: pipelineName,
		ModelKey:     in.Model,
		RequestID:    reqID,
		Embedding:    &providers.EmbeddingRequest{Model: in.Model, Input: inputs},
	}

	d.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", in.Model),
		slog.Int("inputs", len(inputs)),
	)

	resp, err := chain.Run(ctx, req)
	if err != nil {
		d.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID),
			slog.String("model", in.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		writeDispatchError(ctx, err)
		return
	}

	emb := resp.Embedding
	outData := make([]outboundEmbeddingData, len(emb.Data))
	for i, v := range emb.Data {
		outData[i] = outboundEmbeddingData{Object: "embedding", Index: v.Index, Embedding: v.Embedding}
	}
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  emb.Model,
		Usage:  outboundEmbeddingUsage{PromptTokens: emb.Usage.InputTokens, TotalTokens: emb.Usage.InputTokens},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteGatewayError(ctx, &apierr.GatewayError{Kind: apierr.KindInternal, Message: "failed to serialize response"})
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeDispatchError renders err in the OpenAI-compatible envelope,
// preserving a GatewayError's Kind when present and otherwise falling back
// to a generic internal error (pipeline plugins are expected to always
// return a *apierr.GatewayError, this is a defensive fallback).
func writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	var gwErr *apierr.GatewayError
	if ge, ok := err.(*apierr.GatewayError); ok {
		gwErr = ge
	} else {
		gwErr = &apierr.GatewayError{Kind: apierr.KindInternal, Message: err.Error()}
	}
	apierr.WriteGatewayError(ctx, gwErr)
}
