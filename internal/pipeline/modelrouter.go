package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/traceloop/gateway-core/internal/providers"
	"github.com/traceloop/gateway-core/pkg/apierr"
)

// ModelBinding is one model key bound to a live Adapter, as compiled by the
// snapshot builder from a config.ModelRecord plus its resolved
// config.ProviderRecord.
type ModelBinding struct {
	Key          string
	Type         string // "chat" | "completion" | "embedding", mirrors config.ModelType
	Adapter      providers.Adapter
	ProviderKey  string
	ProviderType string
	Deployment   string
	ModelVersion string
	Priority     int
}

// ModelRouterPlugin is the terminal link in every pipeline (C5): it never
// calls Next. Given a requested model key it walks a priority-sorted list of
// candidate bindings sharing that key's model-router group, trying each in
// order until one succeeds or all are exhausted.
//
// Once a streaming Chat call has returned a live Stream channel, the plugin
// never falls back to another candidate for that request — bytes may
// already be flowing to the client, and replaying the request on a second
// provider would duplicate or corrupt output. Fallback is only attempted for
// the synchronous portion: the adapter call that establishes the stream.
type ModelRouterPlugin struct {
	groups map[string][]ModelBinding // model key -> its group's candidates sorted by Priority (just itself when in no group)
}

// NewModelRouterPlugin builds a router from every bound model and the
// explicit fallback groups declared by config.ModelRouterPluginConfig. Each
// group's members are sorted ascending by Priority; a model key not named in
// any group falls back only to itself.
func NewModelRouterPlugin(bindings []ModelBinding, fallbackGroups [][]string) *ModelRouterPlugin {
	byKey := make(map[string]ModelBinding, len(bindings))
	for _, b := range bindings {
		byKey[b.Key] = b
	}

	groups := make(map[string][]ModelBinding)
	for _, b := range bindings {
		groups[b.Key] = []ModelBinding{b}
	}

	for _, group := range fallbackGroups {
		var members []ModelBinding
		for _, key := range group {
			if b, ok := byKey[key]; ok {
				members = append(members, b)
			}
		}
		sort.SliceStable(members, func(i, j int) bool { return members[i].Priority < members[j].Priority })
		for _, key := range group {
			if _, ok := byKey[key]; ok {
				groups[key] = members
			}
		}
	}

	return &ModelRouterPlugin{groups: groups}
}

func (p *ModelRouterPlugin) Name() string { return "model_router" }

func (p *ModelRouterPlugin) Handle(ctx context.Context, req *Request, _ Next) (*Response, error) {
	candidates, ok := p.groups[req.ModelKey]
	if !ok || len(candidates) == 0 {
		return nil, &apierr.GatewayError{Kind: apierr.KindModelNotFound, Message: fmt.Sprintf("model %q is not configured", req.ModelKey)}
	}

	var lastErr error
	for i, candidate := range candidates {
		resp, err := p.tryCandidate(ctx, req, candidate)
		if err == nil {
			if i > 0 {
				slog.InfoContext(ctx, "model_router_failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("requested_model", req.ModelKey),
					slog.String("served_model", candidate.Key),
				)
			}
			return resp, nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
		slog.WarnContext(ctx, "model_router_candidate_failed",
			slog.String("request_id", req.RequestID),
			slog.String("model", candidate.Key),
			slog.String("error", err.Error()),
		)
	}

	if gwErr, ok := lastErr.(*apierr.GatewayError); ok {
		return nil, gwErr
	}
	return nil, toGatewayError(lastErr)
}

func (p *ModelRouterPlugin) tryCandidate(ctx context.Context, req *Request, b ModelBinding) (*Response, error) {
	switch {
	case req.Chat != nil:
		return p.tryChat(ctx, req, b)
	case req.Completion != nil:
		return p.tryCompletion(ctx, req, b)
	case req.Embedding != nil:
		return p.tryEmbed(ctx, req, b)
	default:
		return nil, &apierr.GatewayError{Kind: apierr.KindInvalidRequest, Message: "request carries neither a chat, completion nor an embedding payload"}
	}
}

func (p *ModelRouterPlugin) tryChat(ctx context.Context, req *Request, b ModelBinding) (*Response, error) {
	if !b.Adapter.Capabilities().Has(providers.CapChat) {
		return nil, &providers.UnsupportedOperationError{ModelKey: b.Key, Operation: "chat"}
	}
	if req.Chat.Stream && !b.Adapter.Capabilities().Has(providers.CapStreaming) {
		return nil, &providers.UnsupportedOperationError{ModelKey: b.Key, Operation: "streaming"}
	}

	boundReq := *req.Chat
	boundReq.Model = b.ModelVersion
	if boundReq.Model == "" {
		boundReq.Model = b.Key
	}
	boundReq.Deployment = b.Deployment

	// chatCtx itself carries no deadline: a streaming adapter's background
	// goroutine reads off this same context for the life of the stream, and
	// spec.md §5 requires streaming to run unbounded once headers have
	// returned. ProviderTimeout instead bounds only how long we wait for
	// Chat to return in the first place (the establish watchdog below) —
	// once it returns with a live Stream, the watchdog is defused and
	// chatCtx is only cancelled when the stream actually drains or aborts.
	chatCtx, cancel := context.WithCancel(ctx)
	established := make(chan struct{})
	go func() {
		select {
		case <-established:
		case <-time.After(providers.ProviderTimeout):
			cancel()
		}
	}()

	resp, err := b.Adapter.Chat(chatCtx, &boundReq)
	close(established)
	if err != nil {
		cancel()
		return nil, toGatewayError(err)
	}

	if resp.Stream != nil {
		resp.Stream = cancelOnDrain(resp.Stream, cancel)
	} else {
		cancel()
	}

	return &Response{Chat: resp, ProviderKey: b.ProviderKey, ProviderType: b.ProviderType}, nil
}

// cancelOnDrain wraps a StreamChunk channel so the given cancel func runs
// once the upstream goroutine closes it, whether by completing normally or
// erroring out. This is the one place a streaming chat call's per-attempt
// timeout context gets released.
func cancelOnDrain(in <-chan providers.StreamChunk, cancel context.CancelFunc) <-chan providers.StreamChunk {
	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		for chunk := range in {
			out <- chunk
		}
	}()
	return out
}

func (p *ModelRouterPlugin) tryCompletion(ctx context.Context, req *Request, b ModelBinding) (*Response, error) {
	if !b.Adapter.Capabilities().Has(providers.CapCompletion) {
		return nil, &providers.UnsupportedOperationError{ModelKey: b.Key, Operation: "completion"}
	}
	if req.Completion.Stream && !b.Adapter.Capabilities().Has(providers.CapStreaming) {
		return nil, &providers.UnsupportedOperationError{ModelKey: b.Key, Operation: "streaming"}
	}

	boundReq := *req.Completion
	boundReq.Model = b.ModelVersion
	if boundReq.Model == "" {
		boundReq.Model = b.Key
	}

	// Same establish-watchdog-then-unbounded-stream pattern as tryChat: a
	// legacy completion can also be streamed (spec.md §6).
	compCtx, cancel := context.WithCancel(ctx)
	established := make(chan struct{})
	go func() {
		select {
		case <-established:
		case <-time.After(providers.ProviderTimeout):
			cancel()
		}
	}()

	resp, err := b.Adapter.Complete(compCtx, &boundReq)
	close(established)
	if err != nil {
		cancel()
		return nil, toGatewayError(err)
	}

	if resp.Stream != nil {
		resp.Stream = cancelOnDrain(resp.Stream, cancel)
	} else {
		cancel()
	}

	return &Response{Completion: resp, ProviderKey: b.ProviderKey, ProviderType: b.ProviderType}, nil
}

func (p *ModelRouterPlugin) tryEmbed(ctx context.Context, req *Request, b ModelBinding) (*Response, error) {
	if !b.Adapter.Capabilities().Has(providers.CapEmbeddings) {
		return nil, &providers.UnsupportedOperationError{ModelKey: b.Key, Operation: "embeddings"}
	}

	boundReq := *req.Embedding
	boundReq.Model = b.ModelVersion
	if boundReq.Model == "" {
		boundReq.Model = b.Key
	}
	if b.Deployment != "" {
		boundReq.Model = b.Deployment
	}

	embedCtx, cancel := context.WithTimeout(ctx, providers.ProviderTimeout)
	defer cancel()

	resp, err := b.Adapter.Embed(embedCtx, &boundReq)
	if err != nil {
		return nil, toGatewayError(err)
	}

	return &Response{Embedding: resp, ProviderKey: b.ProviderKey, ProviderType: b.ProviderType}, nil
}

// isRetryable mirrors spec.md §4.4's classification: network errors, HTTP
// 5xx, and HTTP 429 are retryable; everything else (4xx other than 429,
// unsupported operation) is not — a different candidate model is unlikely
// to accept a request the first one rejected as malformed, and an
// unsupported-operation error means this candidate was never a valid
// choice for the request, so it's returned immediately rather than tried
// further down the fallback group.
func isRetryable(err error) bool {
	if gwErr, ok := err.(*apierr.GatewayError); ok && gwErr.Cause != nil {
		err = gwErr.Cause
	}
	if err == context.DeadlineExceeded {
		return true
	}
	if _, ok := err.(*providers.UnsupportedOperationError); ok {
		return false
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		return status == 429 || (status >= 500 && status < 600)
	}
	return true
}

func toGatewayError(err error) error {
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		switch {
		case status == 401 || status == 403:
			return &apierr.GatewayError{Kind: apierr.KindUpstreamAuth, Message: "upstream authentication failed", Cause: err}
		case status == 429:
			return &apierr.GatewayError{Kind: apierr.KindUpstreamRateLimited, Message: "upstream rate limited", Cause: err}
		case status >= 500:
			return &apierr.GatewayError{Kind: apierr.KindUpstreamServer, Message: "upstream server error", Cause: err}
		}
	}
	if err == context.DeadlineExceeded {
		return &apierr.GatewayError{Kind: apierr.KindUpstreamTimeout, Message: "upstream request timed out", Cause: err}
	}
	if _, ok := err.(*providers.UnsupportedOperationError); ok {
		return &apierr.GatewayError{Kind: apierr.KindUnsupportedOp, Message: err.Error(), Cause: err}
	}
	return &apierr.GatewayError{Kind: apierr.KindUpstreamServer, Message: "upstream request failed", Cause: err}
}
