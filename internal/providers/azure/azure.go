// Package azure adapts providers.Adapter to Azure OpenAI. Azure OpenAI uses
// deployment-based URLs and an "api-key" header instead of the standard
// "Authorization: Bearer" scheme, so this adapter talks raw HTTP rather than
// an SDK the way the rest of the pack hand-rolls Azure support.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/traceloop/gateway-core/internal/providers"
)

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type embeddingRequest struct {
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data  []embeddingDatum `json:"data"`
	Model string           `json:"model"`
	Usage usage            `json:"usage"`
	Error *apiErr          `json:"error,omitempty"`
}

type embeddingDatum struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Adapter implements providers.Adapter for the Azure OpenAI variant.
type Adapter struct {
	endpoint   string
	apiKey     string
	apiVersion string
	client     *http.Client
}

// New constructs an Azure Adapter. endpoint is the resource base URL (e.g.
// "https://myresource.openai.azure.com"); apiKey and apiVersion are resolved
// at snapshot-build time.
func New(endpoint, apiKey, apiVersion string) *Adapter {
	return &Adapter{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		apiVersion: apiVersion,
		client:     &http.Client{Timeout: providers.ProviderTimeout},
	}
}

func (a *Adapter) Variant() string { return "azure" }

func (a *Adapter) Capabilities() providers.CapabilitySet {
	return providers.NewCapabilitySet(providers.CapChat, providers.CapEmbeddings, providers.CapStreaming)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/openai/models?api-version=%s", a.endpoint, a.apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("azure: health check: %w", err)
	}
	req.Header.Set("api-key", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("azure: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("azure: health check: status %d", resp.StatusCode)
	}
	return nil
}

// Chat dispatches a chat completion. req.Deployment must be set by the
// caller (the bound ModelRecord's Deployment field) — unlike the teacher's
// prefix-strip heuristic, deployment naming is explicit configuration here.
func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	url := a.completionsURL(req.Deployment)

	body, err := a.buildChatBody(req)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	if req.Stream {
		return a.handleStreaming(resp)
	}
	defer resp.Body.Close()
	return a.handleResponse(resp)
}

func (a *Adapter) completionsURL(deployment string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", a.endpoint, deployment, a.apiVersion)
}

func (a *Adapter) embeddingsURL(deployment string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s", a.endpoint, deployment, a.apiVersion)
}

func (a *Adapter) buildChatBody(req *providers.ChatRequest) ([]byte, error) {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	cr := chatRequest{Messages: msgs, Stream: req.Stream}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}

	data, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

func (a *Adapter) handleResponse(resp *http.Response) (*providers.ChatResponse, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}

	content := ""
	if len(cr.Choices) > 0 && cr.Choices[0].Message != nil {
		content = cr.Choices[0].Message.Content
	}

	return &providers.ChatResponse{
		ID:      cr.ID,
		Model:   cr.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		},
	}, nil
}

func (a *Adapter) handleStreaming(resp *http.Response) (*providers.ChatResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}
			if len(cr.Choices) == 0 || cr.Choices[0].Delta == nil {
				continue
			}

			ch <- providers.StreamChunk{
				Content:      cr.Choices[0].Delta.Content,
				FinishReason: cr.Choices[0].FinishReason,
			}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

// Complete is unimplemented — Azure OpenAI deployments are bound to the chat
// completions path only; there is no legacy-completions deployment route.
// Capabilities never advertises providers.CapCompletion for this variant.
func (a *Adapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	return nil, &providers.UnsupportedOperationError{ModelKey: req.Model, Operation: "completion"}
}

// Embed calls the Azure OpenAI embeddings endpoint. req.Model carries the
// deployment name here (the model router passes ModelRecord.Deployment in
// through the same field embeddings callers use for the model id).
func (a *Adapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	body, err := json.Marshal(embeddingRequest{Input: req.Input})
	if err != nil {
		return nil, fmt.Errorf("azure: marshal embedding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.embeddingsURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("azure: decode embedding response: %w", err)
	}

	data := make([]providers.EmbeddingData, len(er.Data))
	for i, d := range er.Data {
		data[i] = providers.EmbeddingData{Index: d.Index, Embedding: d.Embedding}
	}

	return &providers.EmbeddingResponse{Model: er.Model, Data: data, Usage: providers.Usage{InputTokens: er.Usage.PromptTokens}}, nil
}

// ProviderError is a structured upstream error implementing providers.StatusCoder.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("azure: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &ProviderError{StatusCode: resp.StatusCode, Message: cr.Error.Message, Type: cr.Error.Type, Code: cr.Error.Code}
	}

	return &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode), Type: "azure_error"}
}
