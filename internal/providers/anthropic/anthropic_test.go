package anthropic

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

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New("mock-api-key", srv.URL)
}

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     "claude-3-5-sonnet",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func isMessagesPath(p string) bool {
	return p == "/messages" || p == "/v1/messages"
}

func decodeJSONMap(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode request body as json: %v", err)
	}
	return m
}

func TestAdapter_Variant(t *testing.T) {
	a := New("key", "")
	if a.Variant() != "anthropic" {
		t.Fatalf("expected 'anthropic', got %q", a.Variant())
	}
}

func TestAdapter_Capabilities(t *testing.T) {
	a := New("key", "")
	caps := a.Capabilities()
	if !caps.Has(providers.CapChat) || !caps.Has(providers.CapStreaming) {
		t.Fatalf("expected CapChat and CapStreaming to be set")
	}
	if caps.Has(providers.CapEmbeddings) {
		t.Fatalf("did not expect CapEmbeddings to be set")
	}
}

func TestAdapter_Embed_Unsupported(t *testing.T) {
	a := New("key", "")
	_, err := a.Embed(context.Background(), &providers.EmbeddingRequest{Model: "claude-3-5-sonnet"})
	if err == nil {
		t.Fatal("expected UnsupportedOperationError, got nil")
	}
	if _, ok := err.(*providers.UnsupportedOperationError); !ok {
		t.Fatalf("expected *providers.UnsupportedOperationError, got %T", err)
	}
}

func TestAdapter_Chat_Success(t *testing.T) {
	responseBody := map[string]any{
		"id":    "msg_123",
		"model": "claude-3-5-sonnet",
		"role":  "assistant",
		"type":  "message",
		"content": []any{
			map[string]any{"type": "text", "text": "Hello, world!"},
		},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !isMessagesPath(r.URL.Path) {
			t.Errorf("expected messages path, got %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "mock-api-key" {
			t.Errorf("missing or wrong x-api-key header: %s", r.Header.Get("x-api-key"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Chat(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "msg_123" {
		t.Errorf("expected ID 'msg_123', got %q", resp.ID)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestAdapter_Chat_SystemMessageExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)

		sys, ok := body["system"].([]any)
		if !ok || len(sys) == 0 {
			t.Fatalf("expected system field to carry extracted prompt, got %#v", body["system"])
		}
		block, ok := sys[0].(map[string]any)
		if !ok || block["text"] != "Be concise." {
			t.Errorf("expected system text 'Be concise.', got %#v", sys[0])
		}

		msgs, ok := body["messages"].([]any)
		if !ok || len(msgs) != 1 {
			t.Fatalf("expected exactly one non-system message, got %#v", body["messages"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"model":       "claude-3-5-sonnet",
			"content":     []any{map[string]any{"type": "text", "text": "ok"}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	req := baseRequest()
	req.Messages = []providers.Message{
		{Role: "system", Content: "Be concise."},
		{Role: "user", Content: "Hi"},
	}

	a := newTestAdapter(srv)
	if _, err := a.Chat(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdapter_Chat_Streaming(t *testing.T) {
	events := []string{
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		`event: message_stop` + "\n" + `data: {"type":"message_stop"}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "%s\n\n", ev)
			if ok {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	a := newTestAdapter(srv)
	resp, err := a.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("expected non-nil Stream channel")
	}

	var content string
	for chunk := range resp.Stream {
		content += chunk.Content
	}

	if content != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content)
	}
}

func TestAdapter_Chat_RateLimit(t *testing.T) {
	errBody := map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "rate_limit_error", "message": "Rate limit exceeded"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
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

func TestAdapter_Chat_ServerError_529(t *testing.T) {
	errBody := map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "overloaded_error", "message": "Overloaded"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.Chat(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 529, got nil")
	}

	provErr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.StatusCode != 529 {
		t.Errorf("expected status 529, got %d", provErr.StatusCode)
	}
}

func TestAdapter_Chat_ServerError_503(t *testing.T) {
	errBody := map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "api_error", "message": "Service unavailable"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.Chat(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 503, got nil")
	}

	provErr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", provErr.StatusCode)
	}
}

func TestAdapter_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProviderError_ErrorString(t *testing.T) {
	e := &ProviderError{StatusCode: 429, Message: "rate limited", Type: "rate_limit_error"}
	s := e.Error()
	if !strings.Contains(s, "429") || !strings.Contains(s, "rate limited") {
		t.Errorf("unexpected error string: %q", s)
	}
	if e.HTTPStatus() != 429 {
		t.Errorf("expected HTTPStatus 429, got %d", e.HTTPStatus())
	}
}
