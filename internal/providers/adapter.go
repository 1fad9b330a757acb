// Package providers defines the capability-gated adapter interface every
// upstream (openai, anthropic, azure, bedrock, vertexai) implements, and the
// shared request/response shapes the dispatcher and pipeline plugins speak.
package providers

import (
	"context"
	"fmt"
	"time"
)

// ProviderTimeout bounds a single upstream call. The model router plugin
// (C5) applies this per attempt, not per pipeline run.
const ProviderTimeout = 30 * time.Second

// Message is one OpenAI-shaped chat message.
type Message struct {
	Role    string
	Content string
}

// Usage reports upstream token accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one piece of a streamed completion. FinishReason is empty
// until the final chunk, except for the sentinel "error" value used to
// signal a mid-stream upstream failure (the stream itself is not an HTTP
// error at that point — see internal/streaming).
type StreamChunk struct {
	Content      string
	FinishReason string
}

// ChatRequest is the adapter-facing shape of an inbound chat/completion
// call, already translated out of the wire envelope by the dispatcher.
type ChatRequest struct {
	Model       string // upstream model/version identifier (ModelRecord.ModelVersion), not the client-facing model key
	Deployment  string // Azure deployment name, empty for other variants
	Messages    []Message
	Stream      bool
	Temperature float64
	MaxTokens   int
	RequestID   string
}

// ChatResponse is the adapter-facing shape of a chat/completion result. For
// streaming calls Stream is non-nil and Content/Usage are zero; for
// non-streaming calls Stream is nil.
type ChatResponse struct {
	ID      string
	Model   string
	Content string
	Usage   Usage
	Stream  <-chan StreamChunk
}

// CompletionRequest is the adapter-facing shape of a legacy (prompt-based,
// not message-based) completion call — the `POST /v1/completions` surface
// OpenAI still serves alongside chat completions.
type CompletionRequest struct {
	Model       string // upstream model/version identifier (ModelRecord.ModelVersion)
	Prompt      string
	Stream      bool
	Temperature float64
	MaxTokens   int
	RequestID   string
}

// CompletionResponse is the adapter-facing shape of a legacy completion
// result. For streaming calls Stream is non-nil and Text/Usage are zero;
// for non-streaming calls Stream is nil.
type CompletionResponse struct {
	ID     string
	Model  string
	Text   string
	Usage  Usage
	Stream <-chan StreamChunk
}

// EmbeddingRequest is the adapter-facing shape of an embeddings call.
type EmbeddingRequest struct {
	Model string
	Input []string
}

// EmbeddingData is one vector in an EmbeddingResponse.
type EmbeddingData struct {
	Index     int
	Embedding []float64
}

// EmbeddingResponse is the adapter-facing shape of an embeddings result.
type EmbeddingResponse struct {
	Model string
	Data  []EmbeddingData
	Usage Usage
}

// Capability is one operation an Adapter may support.
type Capability int

const (
	CapChat Capability = iota
	CapCompletion
	CapEmbeddings
	CapStreaming
)

// CapabilitySet is the set of operations a bound model/adapter pair
// supports. The dispatcher (C6) consults this before issuing a call and
// returns UnsupportedOperation when the requested operation isn't in it.
type CapabilitySet map[Capability]bool

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// Names returns the capability set as stable, lowercase strings, sorted
// chat/completion/embeddings/streaming, for diagnostics endpoints.
func (s CapabilitySet) Names() []string {
	names := make([]string, 0, len(s))
	for _, c := range []Capability{CapChat, CapCompletion, CapEmbeddings, CapStreaming} {
		if s[c] {
			names = append(names, c.String())
		}
	}
	return names
}

func (c Capability) String() string {
	switch c {
	case CapChat:
		return "chat"
	case CapCompletion:
		return "completion"
	case CapEmbeddings:
		return "embeddings"
	case CapStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Adapter is implemented once per provider variant (openai, anthropic,
// azure, bedrock, vertexai). One Adapter value is built per ProviderRecord at
// snapshot-build time and shared by every ModelRecord bound to that
// provider; per-model fields (model version, Azure deployment) travel on
// each request rather than on the Adapter.
type Adapter interface {
	Variant() string
	Capabilities() CapabilitySet
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	HealthCheck(ctx context.Context) error
}

// UnsupportedOperationError is returned when a bound model's CapabilitySet
// doesn't include the requested operation: by the model router plugin's
// capability check, and by the adapters' stub methods for operations they
// do not implement.
type UnsupportedOperationError struct {
	ModelKey  string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("providers: model %q does not support %s", e.ModelKey, e.Operation)
}

func (e *UnsupportedOperationError) HTTPStatus() int { return 400 }

// StatusCoder is implemented by errors that carry an HTTP status to
// propagate to the client (upstream 4xx/5xx passthrough, timeouts, etc.).
type StatusCoder interface {
	HTTPStatus() int
}
