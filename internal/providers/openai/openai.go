// Package openai adapts providers.Adapter to the OpenAI chat/completions
// and embeddings APIs via the official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/traceloop/gateway-core/internal/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter implements providers.Adapter for the OpenAI variant. One Adapter
// is constructed per ProviderRecord; the API key is resolved once at
// snapshot-build time and never re-read from the request.
type Adapter struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New constructs an Adapter with a resolved API key and optional base URL
// override (empty baseURL uses the public OpenAI API).
func New(apiKey, baseURL string) *Adapter {
	a := &Adapter{apiKey: apiKey, baseURL: baseURL}
	if a.baseURL == "" {
		a.baseURL = defaultBaseURL
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	if a.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, a.baseURL)
	}

	a.client = openaiSDK.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return a
}

func (a *Adapter) Variant() string { return "openai" }

func (a *Adapter) Capabilities() providers.CapabilitySet {
	return providers.NewCapabilitySet(providers.CapChat, providers.CapCompletion, providers.CapEmbeddings, providers.CapStreaming)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := a.buildChatCompletionParams(req)

	if req.Stream {
		return a.handleStreaming(ctx, params)
	}
	return a.handleResponse(ctx, params)
}

func (a *Adapter) buildChatCompletionParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func (a *Adapter) handleResponse(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.ChatResponse, error) {
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.ChatResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (a *Adapter) handleStreaming(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.ChatResponse, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			if c.Delta.Content != "" {
				ch <- providers.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}
				continue
			}
			if c.FinishReason != "" {
				ch <- providers.StreamChunk{FinishReason: c.FinishReason}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Content: fmt.Sprintf("[stream error] %v", err), FinishReason: "error"}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

// Complete serves the legacy, prompt-based POST /v1/completions surface.
// OpenAI-go's chat completion API is the only completion surface this
// adapter's SDK client exposes, so a bare prompt is forwarded as a single
// user message and the chat result translated back to the legacy
// text_completion shape — wire-compatible with a real /v1/completions
// caller, even though the upstream call itself is a chat completion.
func (a *Adapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	params := openaiSDK.ChatCompletionNewParams{
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{openaiSDK.UserMessage(req.Prompt)},
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	if req.Stream {
		chatResp, err := a.handleStreaming(ctx, params)
		if err != nil {
			return nil, err
		}
		return &providers.CompletionResponse{Stream: chatResp.Stream}, nil
	}

	chatResp, err := a.handleResponse(ctx, params)
	if err != nil {
		return nil, err
	}
	return &providers.CompletionResponse{
		ID:    chatResp.ID,
		Model: chatResp.Model,
		Text:  chatResp.Content,
		Usage: chatResp.Usage,
	}, nil
}

func (a *Adapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	}

	resp, err := a.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		vals := make([]float64, len(d.Embedding))
		copy(vals, d.Embedding)
		data[i] = providers.EmbeddingData{Index: int(d.Index), Embedding: vals}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

// ProviderError is a structured upstream error implementing providers.StatusCoder.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return &ProviderError{StatusCode: sdkErr.StatusCode, Message: sdkErr.Error(), Type: "openai_error"}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL
	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
		u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
