// Package bedrock adapts providers.Adapter to AWS Bedrock's Converse API,
// signing every request with a hand-rolled AWS SigV4 implementation rather
// than pulling in the full AWS SDK for a single signed-request call.
package bedrock

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/traceloop/gateway-core/internal/providers"
)

const (
	service   = "bedrock"
	algorithm = "AWS4-HMAC-SHA256"
)

// Adapter implements providers.Adapter for the Bedrock variant via Converse.
type Adapter struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	endpointURL  string
	client       *http.Client
}

// New constructs a Bedrock Adapter. endpointURL, when non-empty, overrides
// the regional AWS endpoint (used by tests against a local mock).
func New(accessKey, secretKey, sessionToken, region, endpointURL string) *Adapter {
	return &Adapter{
		accessKey:    accessKey,
		secretKey:    secretKey,
		sessionToken: sessionToken,
		region:       region,
		endpointURL:  endpointURL,
		client:       &http.Client{Timeout: providers.ProviderTimeout},
	}
}

func (a *Adapter) Variant() string { return "bedrock" }

func (a *Adapter) Capabilities() providers.CapabilitySet {
	return providers.NewCapabilitySet(providers.CapChat, providers.CapStreaming)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	endpoint := a.baseEndpoint("bedrock") + "/foundation-models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("bedrock: health check: %w", err)
	}
	if err := a.signRequest(req, nil); err != nil {
		return fmt.Errorf("bedrock: health check sign: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("bedrock: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bedrock: health check: status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if req.Stream {
		return a.handleStreaming(ctx, req)
	}
	return a.handleResponse(ctx, req)
}

// Embed is unimplemented — Bedrock embeddings use a different (non-Converse)
// invoke-model body shape this adapter does not yet speak; Capabilities does
// not advertise CapEmbeddings, so the dispatcher rejects it first.
func (a *Adapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return nil, &providers.UnsupportedOperationError{ModelKey: req.Model, Operation: "embeddings"}
}

// Complete is unimplemented — the Converse API this adapter speaks has no
// prompt-based legacy-completion surface. Capabilities never advertises
// providers.CapCompletion for this variant.
func (a *Adapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	return nil, &providers.UnsupportedOperationError{ModelKey: req.Model, Operation: "completion"}
}

// ─── Converse API types ───────────────────────────────────────────────────

type converseRequest struct {
	Messages        []converseMessage `json:"messages"`
	System          []systemContent   `json:"system,omitempty"`
	InferenceConfig *inferenceConfig  `json:"inferenceConfig,omitempty"`
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Text string `json:"text"`
}

type systemContent struct {
	Text string `json:"text"`
}

type inferenceConfig struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type converseResponse struct {
	Output converseOutput `json:"output"`
	Usage  converseUsage  `json:"usage"`
}

type converseOutput struct {
	Message converseMessage `json:"message"`
}

type converseUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func buildConverseRequest(req *providers.ChatRequest) converseRequest {
	var systemTexts []systemContent
	msgs := make([]converseMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			systemTexts = append(systemTexts, systemContent{Text: m.Content})
		default:
			role := "user"
			if strings.ToLower(m.Role) == "assistant" {
				role = "assistant"
			}
			msgs = append(msgs, converseMessage{Role: role, Content: []contentBlock{{Text: m.Content}}})
		}
	}

	cr := converseRequest{Messages: msgs, System: systemTexts}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		cr.InferenceConfig = &inferenceConfig{MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	}
	return cr
}

func (a *Adapter) handleResponse(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	payload, err := json.Marshal(buildConverseRequest(req))
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.converseEndpoint(req.Model), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := a.signRequest(httpReq, payload); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var cr converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}

	content := ""
	if len(cr.Output.Message.Content) > 0 {
		content = cr.Output.Message.Content[0].Text
	}

	return &providers.ChatResponse{
		ID:      req.RequestID,
		Model:   req.Model,
		Content: content,
		Usage:   providers.Usage{InputTokens: cr.Usage.InputTokens, OutputTokens: cr.Usage.OutputTokens},
	}, nil
}

type streamEvent struct {
	ContentBlockDelta *struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"contentBlockDelta"`
	MessageStop *struct {
		StopReason string `json:"stopReason"`
	} `json:"messageStop"`
}

func (a *Adapter) handleStreaming(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	payload, err := json.Marshal(buildConverseRequest(req))
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.converseStreamEndpoint(req.Model), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := a.signRequest(httpReq, payload); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if ev.ContentBlockDelta != nil && ev.ContentBlockDelta.Delta.Text != "" {
				ch <- providers.StreamChunk{Content: ev.ContentBlockDelta.Delta.Text}
			}
			if ev.MessageStop != nil {
				ch <- providers.StreamChunk{FinishReason: ev.MessageStop.StopReason}
			}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

func (a *Adapter) baseEndpoint(subservice string) string {
	if a.endpointURL != "" {
		return strings.TrimRight(a.endpointURL, "/")
	}
	return fmt.Sprintf("https://%s.%s.amazonaws.com", subservice, a.region)
}

func (a *Adapter) converseEndpoint(modelID string) string {
	if a.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/converse", strings.TrimRight(a.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/converse", a.region, modelID)
}

func (a *Adapter) converseStreamEndpoint(modelID string) string {
	if a.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/converse-stream", strings.TrimRight(a.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/converse-stream", a.region, modelID)
}

// ─── AWS SigV4 signing ──────────────────────────────────────────────────────

func (a *Adapter) signRequest(req *http.Request, payload []byte) error {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)
	if a.sessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", a.sessionToken)
	}

	payloadHash := sha256Hex(payload)

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf("content-type:%s\nhost:%s\nx-amz-date:%s\n", req.Header.Get("Content-Type"), host, amzdate)
	if a.sessionToken != "" {
		signedHeaders = "content-type;host;x-amz-date;x-amz-security-token"
		canonicalHeaders = fmt.Sprintf(
			"content-type:%s\nhost:%s\nx-amz-date:%s\nx-amz-security-token:%s\n",
			req.Header.Get("Content-Type"), host, amzdate, a.sessionToken,
		)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method, canonicalURI, req.URL.RawQuery, canonicalHeaders, signedHeaders, payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, a.region, service)

	stringToSign := strings.Join([]string{
		algorithm, amzdate, credentialScope, sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(a.secretKey, datestamp, a.region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, a.accessKey, credentialScope, signedHeaders, signature,
	))

	return nil
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ─── Error handling ─────────────────────────────────────────────────────────

type bedrockError struct {
	Message string `json:"message"`
	Type    string `json:"__type"`
}

// ProviderError is a structured upstream error implementing providers.StatusCoder.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("bedrock: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var be bedrockError
	if json.Unmarshal(body, &be) == nil && be.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Message: be.Message}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
}
