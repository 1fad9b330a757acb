package anthropic

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/traceloop/gateway-core/internal/providers"
	"github.com/traceloop/gateway-core/mock/providers"
)

// Drives the real Adapter against mockproviders' simulated Anthropic Messages
// API, exercising the actual SDK request/response marshaling this adapter
// depends on rather than a hand-rolled fake client.

func TestAdapter_Chat_E2E(t *testing.T) {
	srv := httptest.NewServer(mockproviders.NewAnthropicHandler(mockproviders.Config{StreamWords: 5}))
	defer srv.Close()

	a := New("test-key", srv.URL)

	resp, err := a.Chat(context.Background(), &providers.ChatRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []providers.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content == "" {
		t.Error("expected non-empty content")
	}
	if resp.Usage.InputTokens == 0 {
		t.Error("expected non-zero input tokens")
	}
}

func TestAdapter_ChatStream_E2E(t *testing.T) {
	srv := httptest.NewServer(mockproviders.NewAnthropicHandler(mockproviders.Config{StreamWords: 5}))
	defer srv.Close()

	a := New("test-key", srv.URL)

	resp, err := a.Chat(context.Background(), &providers.ChatRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Stream:   true,
		Messages: []providers.Message{{Role: "user", Content: "count to five"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("expected a live stream channel")
	}

	var chunks int
	for chunk := range resp.Stream {
		chunks++
		_ = chunk
	}
	if chunks == 0 {
		t.Error("expected at least one streamed chunk")
	}
}

func TestAdapter_ChatError_E2E(t *testing.T) {
	srv := httptest.NewServer(mockproviders.NewAnthropicHandler(mockproviders.Config{StreamWords: 5, ErrorRate: 1}))
	defer srv.Close()

	a := New("test-key", srv.URL)

	_, err := a.Chat(context.Background(), &providers.ChatRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error from mock's forced 500")
	}
	sc, ok := err.(providers.StatusCoder)
	if !ok || sc.HTTPStatus() != 500 {
		t.Fatalf("expected a StatusCoder error with status 500, got %v", err)
	}
}
