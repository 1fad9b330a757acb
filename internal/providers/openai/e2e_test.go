package openai

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/traceloop/gateway-core/internal/providers"
	"github.com/traceloop/gateway-core/mock/providers"
)

// These tests drive the real Adapter against mockproviders' simulated
// OpenAI HTTP surface instead of a hand-rolled fake client, exercising the
// actual SDK request/response marshaling this adapter depends on.

func TestAdapter_Chat_E2E(t *testing.T) {
	srv := httptest.NewServer(mockproviders.NewOpenAIHandler(mockproviders.Config{StreamWords: 5}))
	defer srv.Close()

	a := New("test-key", srv.URL)

	resp, err := a.Chat(context.Background(), &providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content == "" {
		t.Error("expected non-empty content")
	}
	if resp.Usage.OutputTokens == 0 {
		t.Error("expected non-zero output tokens")
	}
}

func TestAdapter_ChatStream_E2E(t *testing.T) {
	srv := httptest.NewServer(mockproviders.NewOpenAIHandler(mockproviders.Config{StreamWords: 5}))
	defer srv.Close()

	a := New("test-key", srv.URL)

	resp, err := a.Chat(context.Background(), &providers.ChatRequest{
		Model:    "gpt-4o",
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
	var finishReason string
	for chunk := range resp.Stream {
		chunks++
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
	}
	if chunks == 0 {
		t.Error("expected at least one streamed chunk")
	}
	if finishReason != "stop" {
		t.Errorf("expected finish_reason 'stop', got %q", finishReason)
	}
}

func TestAdapter_Embed_E2E(t *testing.T) {
	srv := httptest.NewServer(mockproviders.NewOpenAIHandler(mockproviders.Config{StreamWords: 5}))
	defer srv.Close()

	a := New("test-key", srv.URL)

	resp, err := a.Embed(context.Background(), &providers.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: []string{"hello world"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) == 0 {
		t.Fatalf("unexpected embedding data: %+v", resp.Data)
	}
}

func TestAdapter_Complete_E2E(t *testing.T) {
	srv := httptest.NewServer(mockproviders.NewOpenAIHandler(mockproviders.Config{StreamWords: 5}))
	defer srv.Close()

	a := New("test-key", srv.URL)

	resp, err := a.Complete(context.Background(), &providers.CompletionRequest{
		Model:  "gpt-3.5-turbo-instruct",
		Prompt: "once upon a",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text == "" {
		t.Error("expected non-empty completion text")
	}
}

func TestAdapter_ChatError_E2E(t *testing.T) {
	srv := httptest.NewServer(mockproviders.NewOpenAIHandler(mockproviders.Config{StreamWords: 5, ErrorRate: 1}))
	defer srv.Close()

	a := New("test-key", srv.URL)

	_, err := a.Chat(context.Background(), &providers.ChatRequest{
		Model:    "gpt-4o",
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
