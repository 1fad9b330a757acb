// Package vertexai adapts providers.Adapter to Google's generative AI
// offering. It speaks two wire paths selected by which credential shape the
// bound provider record carries:
//
//   - API key (config.VertexAIParams.APIKey set): routes to the Gemini
//     Developer API (genai.BackendGeminiAPI), the same path the teacher's
//     standalone Gemini adapter used.
//   - Service account JSON (config.VertexAIParams.ServiceAccount set):
//     routes to Vertex AI proper (genai.BackendVertexAI) using a hand-rolled,
//     cached, mutex-serialized JWT bearer token source instead of opaque
//     Application Default Credentials, so token refresh timing matches this
//     gateway's own invariants (refresh within 60s of expiry, never two
//     refreshes in flight).
package vertexai

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/traceloop/gateway-core/internal/providers"
)

const developerAPIBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Adapter implements providers.Adapter for the VertexAI variant.
type Adapter struct {
	client *genai.Client
}

// NewAPIKey constructs an Adapter against the Gemini Developer API. baseURL
// overrides the default developer API endpoint when non-empty (used by
// tests against a local mock).
func NewAPIKey(ctx context.Context, apiKey string, baseURL ...string) (*Adapter, error) {
	base := developerAPIBaseURL
	if len(baseURL) > 0 && baseURL[0] != "" {
		base = baseURL[0]
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.ProviderTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base},
	})
	if err != nil {
		return nil, fmt.Errorf("vertexai: new developer-api client: %w", err)
	}
	return &Adapter{client: client}, nil
}

// NewServiceAccount constructs an Adapter against Vertex AI proper, using a
// service-account JSON document for the JWT bearer assertion flow.
func NewServiceAccount(ctx context.Context, serviceAccountJSON []byte, project, location string) (*Adapter, error) {
	tokSrc, err := newCachedTokenSource(ctx, serviceAccountJSON)
	if err != nil {
		return nil, err
	}
	if project == "" {
		project = serviceAccountProjectID(serviceAccountJSON)
	}
	if project == "" {
		return nil, fmt.Errorf("vertexai: project must be set (explicitly or via service account project_id)")
	}

	httpClient := &http.Client{
		Timeout:   providers.ProviderTimeout,
		Transport: &bearerTransport{next: http.DefaultTransport, tok: tokSrc},
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:    project,
		Location:   location,
		Backend:    genai.BackendVertexAI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("vertexai: new vertex-ai client: %w", err)
	}
	return &Adapter{client: client}, nil
}

// bearerTransport injects a live OAuth2 bearer token on every outbound
// request, refreshed via cachedTokenSource.
type bearerTransport struct {
	next http.RoundTripper
	tok  *cachedTokenSource
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.tok.Token(req.Context())
	if err != nil {
		return nil, err
	}
	r2 := req.Clone(req.Context())
	r2.Header.Set("Authorization", "Bearer "+token)
	return t.next.RoundTrip(r2)
}

func (a *Adapter) Variant() string { return "vertexai" }

func (a *Adapter) Capabilities() providers.CapabilitySet {
	return providers.NewCapabilitySet(providers.CapChat, providers.CapEmbeddings, providers.CapStreaming)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("vertexai: health check: %w", toProviderError(err))
	}
	return nil
}

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		return a.handleStreaming(ctx, req.Model, contents, cfg)
	}
	return a.handleResponse(ctx, req, contents, cfg)
}

func buildContentsAndConfig(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}
	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func (a *Adapter) handleResponse(
	ctx context.Context,
	req *providers.ChatRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ChatResponse, error) {
	resp, err := a.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := ""
	if resp != nil {
		out = resp.Text()
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.ChatResponse{
		ID:      id,
		Model:   req.Model,
		Content: out,
		Usage:   providers.Usage{InputTokens: inTok, OutputTokens: outTok},
	}, nil
}

func (a *Adapter) handleStreaming(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ChatResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range a.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{Content: fmt.Sprintf("[stream error] %v", err), FinishReason: "error"}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := firstCandidateText(c)
			finish := string(c.FinishReason)

			if text != "" || finish != "" {
				ch <- providers.StreamChunk{Content: text, FinishReason: finish}
			}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

// Complete is unimplemented — both Gemini Developer API and Vertex AI proper
// only speak the contents[]-based generateContent surface; there is no
// prompt-based legacy-completion endpoint. Capabilities never advertises
// providers.CapCompletion for this variant.
func (a *Adapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	return nil, &providers.UnsupportedOperationError{ModelKey: req.Model, Operation: "completion"}
}

func (a *Adapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := a.client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("vertexai: embed: %w", toProviderError(err))
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("vertexai: embed: empty response")
	}

	data := make([]providers.EmbeddingData, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		vals := make([]float64, len(emb.Values))
		for j, v := range emb.Values {
			vals[j] = float64(v)
		}
		data[i] = providers.EmbeddingData{Index: i, Embedding: vals}
	}

	return &providers.EmbeddingResponse{Model: req.Model, Data: data}, nil
}

func firstCandidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func generateID() string {
	return fmt.Sprintf("vertexai-%x", rand.Int63())
}

// ProviderError is a structured upstream error implementing providers.StatusCoder.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("vertexai: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return err
}
