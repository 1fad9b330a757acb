package vertexai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/traceloop/gateway-core/internal/providers"
)

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a, err := NewAPIKey(context.Background(), "mock-api-key", srv.URL+"/v1beta")
	if err != nil {
		t.Fatalf("NewAPIKey: %v", err)
	}
	return a
}

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     "gemini-1.5-pro",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func successBody(text string) map[string]any {
	return map[string]any{
		"candidates": []any{
			map[string]any{
				"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{"promptTokenCount": 10, "candidatesTokenCount": 5},
	}
}

func TestAdapter_Variant(t *testing.T) {
	a := &Adapter{}
	if a.Variant() != "vertexai" {
		t.Fatalf("expected 'vertexai', got %q", a.Variant())
	}
}

func TestAdapter_Capabilities(t *testing.T) {
	a := &Adapter{}
	caps := a.Capabilities()
	for _, c := range []providers.Capability{providers.CapChat, providers.CapEmbeddings, providers.CapStreaming} {
		if !caps.Has(c) {
			t.Fatalf("expected capability %v to be set", c)
		}
	}
}

func TestAdapter_Chat_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-1.5-pro") {
			t.Errorf("expected model in path, got %q", r.URL.Path)
		}
		if !strings.Contains(r.URL.Path, "generateContent") {
			t.Errorf("expected generateContent in path, got %q", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("Hello, world!"))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	resp, err := a.Chat(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestAdapter_Chat_SystemMessageExtraction(t *testing.T) {
	var captured map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successBody("OK"))
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []providers.Message{
			{Role: "system", Content: "Be concise."},
			{Role: "user", Content: "Hi"},
		},
	}

	a := newTestAdapter(t, srv)
	if _, err := a.Chat(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sysInstr, ok := captured["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatalf("expected systemInstruction in request body, got %#v", captured["systemInstruction"])
	}
	parts, _ := sysInstr["parts"].([]any)
	if len(parts) == 0 {
		t.Fatalf("expected systemInstruction parts, got none")
	}

	contents, _ := captured["contents"].([]any)
	if len(contents) != 1 {
		t.Fatalf("expected 1 non-system content, got %d", len(contents))
	}
}

func TestAdapter_Chat_Streaming(t *testing.T) {
	chunks := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]},"finishReason":""}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]},"finishReason":""}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"finishReason":"STOP"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "streamGenerateContent") {
			t.Errorf("expected streamGenerateContent in path, got %q", r.URL.Path)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if ok {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	a := newTestAdapter(t, srv)
	resp, err := a.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content, finish string
	for chunk := range resp.Stream {
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if content != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content)
	}
	if finish != "STOP" {
		t.Errorf("expected finish reason 'STOP', got %q", finish)
	}
}

func TestAdapter_Chat_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"code":429,"message":"Resource has been exhausted.","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	_, err := a.Chat(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}
	provErr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", provErr.StatusCode)
	}
}

func TestAdapter_Embed_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": []any{
				map[string]any{"values": []float64{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	resp, err := a.Embed(context.Background(), &providers.EmbeddingRequest{Model: "text-embedding-004", Input: []string{"hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) != 3 {
		t.Errorf("unexpected embedding data: %+v", resp.Data)
	}
}

func TestProviderError_ErrorString(t *testing.T) {
	e := &ProviderError{StatusCode: 429, Message: "Resource has been exhausted."}
	s := e.Error()
	if !strings.Contains(s, "vertexai:") || !strings.Contains(s, "429") {
		t.Errorf("unexpected error string: %q", s)
	}
}
