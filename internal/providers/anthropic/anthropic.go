// Package anthropic adapts providers.Adapter to the Anthropic Messages API
// via the official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/traceloop/gateway-core/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter for the Anthropic variant.
type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// New constructs an Adapter with a resolved API key and optional base URL
// override (empty baseURL uses the public Anthropic API).
func New(apiKey, baseURL string) *Adapter {
	a := &Adapter{apiKey: apiKey, baseURL: baseURL}
	if a.baseURL == "" {
		a.baseURL = defaultBaseURL
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	a.client = anthropic.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(httpClient),
	)

	return a
}

func (a *Adapter) Variant() string { return "anthropic" }

func (a *Adapter) Capabilities() providers.CapabilitySet {
	return providers.NewCapabilitySet(providers.CapChat, providers.CapStreaming)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := a.buildParams(req)

	if req.Stream {
		return a.handleStreaming(ctx, params)
	}
	return a.handleResponse(ctx, params)
}

func (a *Adapter) buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role:    anthRole,
		Content: []anthropic.ContentBlockParamUnion{{OfText: &anthropic.TextBlockParam{Text: content}}},
	}
}

func (a *Adapter) handleResponse(ctx context.Context, params anthropic.MessageNewParams) (*providers.ChatResponse, error) {
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	return &providers.ChatResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Adapter) handleStreaming(ctx context.Context, params anthropic.MessageNewParams) (*providers.ChatResponse, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := a.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()
			if delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if td, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" {
					ch <- providers.StreamChunk{Content: td.Text}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Content: fmt.Sprintf("[stream error] %v", err), FinishReason: "error"}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

// Embed is unimplemented — Anthropic has no embeddings endpoint. Capabilities
// never advertises providers.CapEmbeddings for this variant, so the
// dispatcher rejects embedding requests before this is ever called.
func (a *Adapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return nil, &providers.UnsupportedOperationError{ModelKey: req.Model, Operation: "embeddings"}
}

// Complete is unimplemented — Anthropic has no legacy completions endpoint.
// Capabilities never advertises providers.CapCompletion for this variant.
func (a *Adapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	return nil, &providers.UnsupportedOperationError{ModelKey: req.Model, Operation: "completion"}
}

// ProviderError is a structured upstream error implementing providers.StatusCoder.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var sdkErr *anthropic.Error
	if errors.As(err, &sdkErr) {
		return &ProviderError{StatusCode: sdkErr.StatusCode, Message: sdkErr.Error(), Type: "anthropic_error"}
	}
	return err
}
