package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/traceloop/gateway-core/internal/providers"
	"github.com/traceloop/gateway-core/pkg/apierr"
)

type fakeAdapter struct {
	variant string
	caps    providers.CapabilitySet
	chatErr error
	chatRes *providers.ChatResponse
	calls   *int
}

func (f *fakeAdapter) Variant() string                          { return f.variant }
func (f *fakeAdapter) Capabilities() providers.CapabilitySet     { return f.caps }
func (f *fakeAdapter) HealthCheck(ctx context.Context) error     { return nil }
func (f *fakeAdapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if f.calls != nil {
		*f.calls++
	}
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.chatRes, nil
}
func (f *fakeAdapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return nil, &providers.UnsupportedOperationError{ModelKey: req.Model, Operation: "embeddings"}
}
func (f *fakeAdapter) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	return nil, &providers.UnsupportedOperationError{ModelKey: req.Model, Operation: "completion"}
}

type statusErr struct{ status int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

func TestModelRouter_UnknownModel(t *testing.T) {
	p := NewModelRouterPlugin(nil, nil)
	_, err := p.Handle(context.Background(), &Request{ModelKey: "ghost", Chat: &providers.ChatRequest{}}, nil)
	gwErr, ok := err.(*apierr.GatewayError)
	if !ok || gwErr.Kind != apierr.KindModelNotFound {
		t.Fatalf("expected KindModelNotFound, got %v", err)
	}
}

func TestModelRouter_Success_NoFailover(t *testing.T) {
	a := &fakeAdapter{variant: "openai", caps: providers.NewCapabilitySet(providers.CapChat), chatRes: &providers.ChatResponse{Content: "hi"}}
	bindings := []ModelBinding{{Key: "gpt-4o", Adapter: a, ProviderType: "openai"}}
	p := NewModelRouterPlugin(bindings, nil)

	resp, err := p.Handle(context.Background(), &Request{ModelKey: "gpt-4o", Chat: &providers.ChatRequest{Model: "gpt-4o"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Chat.Content != "hi" {
		t.Errorf("expected content 'hi', got %q", resp.Chat.Content)
	}
}

func TestModelRouter_FailoverOnRetryableError(t *testing.T) {
	primaryCalls := 0
	secondaryCalls := 0

	primary := &fakeAdapter{variant: "openai", caps: providers.NewCapabilitySet(providers.CapChat), chatErr: &statusErr{status: 503}, calls: &primaryCalls}
	secondary := &fakeAdapter{variant: "anthropic", caps: providers.NewCapabilitySet(providers.CapChat), chatRes: &providers.ChatResponse{Content: "fallback"}, calls: &secondaryCalls}

	bindings := []ModelBinding{
		{Key: "primary-model", Adapter: primary, Priority: 0, ProviderType: "openai"},
		{Key: "secondary-model", Adapter: secondary, Priority: 1, ProviderType: "anthropic"},
	}
	groups := [][]string{{"primary-model", "secondary-model"}}
	p := NewModelRouterPlugin(bindings, groups)

	resp, err := p.Handle(context.Background(), &Request{ModelKey: "primary-model", Chat: &providers.ChatRequest{Model: "primary-model"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Chat.Content != "fallback" {
		t.Errorf("expected fallback content, got %q", resp.Chat.Content)
	}
	if primaryCalls != 1 || secondaryCalls != 1 {
		t.Errorf("expected one call to each candidate, got primary=%d secondary=%d", primaryCalls, secondaryCalls)
	}
}

func TestModelRouter_FailoverOnRateLimited(t *testing.T) {
	primaryCalls := 0
	secondaryCalls := 0

	primary := &fakeAdapter{variant: "openai", caps: providers.NewCapabilitySet(providers.CapChat), chatErr: &statusErr{status: 429}, calls: &primaryCalls}
	secondary := &fakeAdapter{variant: "openai", caps: providers.NewCapabilitySet(providers.CapChat), chatRes: &providers.ChatResponse{Content: "fallback"}, calls: &secondaryCalls}

	bindings := []ModelBinding{
		{Key: "gpt-4", Adapter: primary, Priority: 0, ProviderType: "openai"},
		{Key: "gpt-3.5-turbo", Adapter: secondary, Priority: 1, ProviderType: "openai"},
	}
	groups := [][]string{{"gpt-4", "gpt-3.5-turbo"}}
	p := NewModelRouterPlugin(bindings, groups)

	resp, err := p.Handle(context.Background(), &Request{ModelKey: "gpt-4", Chat: &providers.ChatRequest{Model: "gpt-4"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Chat.Content != "fallback" {
		t.Errorf("expected fallback content, got %q", resp.Chat.Content)
	}
	if primaryCalls != 1 || secondaryCalls != 1 {
		t.Errorf("expected one call to each candidate, got primary=%d secondary=%d", primaryCalls, secondaryCalls)
	}
}

func TestModelRouter_NoFailoverOnUnsupportedOperation(t *testing.T) {
	secondaryCalls := 0

	primary := &fakeAdapter{variant: "openai", caps: providers.NewCapabilitySet()} // no CapChat
	secondary := &fakeAdapter{variant: "anthropic", caps: providers.NewCapabilitySet(providers.CapChat), chatRes: &providers.ChatResponse{Content: "fallback"}, calls: &secondaryCalls}

	bindings := []ModelBinding{
		{Key: "primary-model", Adapter: primary, Priority: 0},
		{Key: "secondary-model", Adapter: secondary, Priority: 1},
	}
	groups := [][]string{{"primary-model", "secondary-model"}}
	p := NewModelRouterPlugin(bindings, groups)

	_, err := p.Handle(context.Background(), &Request{ModelKey: "primary-model", Chat: &providers.ChatRequest{Model: "primary-model"}}, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	gwErr, ok := err.(*apierr.GatewayError)
	if !ok || gwErr.Kind != apierr.KindUnsupportedOp {
		t.Fatalf("expected KindUnsupportedOp returned from the first candidate, no failover attempted, got %v", err)
	}
	if secondaryCalls != 0 {
		t.Errorf("expected no failover for unsupported-operation error, secondary was called %d times", secondaryCalls)
	}
}

func TestModelRouter_NoFailoverOnNonRetryableError(t *testing.T) {
	secondaryCalls := 0

	primary := &fakeAdapter{variant: "openai", caps: providers.NewCapabilitySet(providers.CapChat), chatErr: &statusErr{status: 400}}
	secondary := &fakeAdapter{variant: "anthropic", caps: providers.NewCapabilitySet(providers.CapChat), chatRes: &providers.ChatResponse{Content: "fallback"}, calls: &secondaryCalls}

	bindings := []ModelBinding{
		{Key: "primary-model", Adapter: primary, Priority: 0},
		{Key: "secondary-model", Adapter: secondary, Priority: 1},
	}
	groups := [][]string{{"primary-model", "secondary-model"}}
	p := NewModelRouterPlugin(bindings, groups)

	_, err := p.Handle(context.Background(), &Request{ModelKey: "primary-model", Chat: &providers.ChatRequest{Model: "primary-model"}}, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if secondaryCalls != 0 {
		t.Errorf("expected no failover for non-retryable error, secondary was called %d times", secondaryCalls)
	}
}

func TestModelRouter_UnsupportedCapabilityRejectedBeforeCall(t *testing.T) {
	a := &fakeAdapter{variant: "anthropic", caps: providers.NewCapabilitySet(providers.CapChat)}
	bindings := []ModelBinding{{Key: "claude", Adapter: a}}
	p := NewModelRouterPlugin(bindings, nil)

	_, err := p.Handle(context.Background(), &Request{ModelKey: "claude", Embedding: &providers.EmbeddingRequest{Model: "claude"}}, nil)
	gwErr, ok := err.(*apierr.GatewayError)
	if !ok || gwErr.Kind != apierr.KindUnsupportedOp {
		t.Fatalf("expected KindUnsupportedOp, got %v", err)
	}
}
