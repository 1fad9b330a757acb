// Package pipeline implements the ordered plugin chain (C4) each gateway
// operation runs through before and after dispatch to an upstream provider.
package pipeline

import (
	"context"

	"github.com/traceloop/gateway-core/internal/providers"
)

// Request carries everything a plugin may need to observe or mutate before
// the chain reaches the terminal model-router plugin.
type Request struct {
	PipelineName string
	ModelKey     string
	RequestID    string
	Chat         *providers.ChatRequest
	Completion   *providers.CompletionRequest
	Embedding    *providers.EmbeddingRequest
}

// Response is what a plugin chain produces. Exactly one of Chat, Completion
// or Embedding is set, matching whichever field was populated on the
// Request.
type Response struct {
	Chat         *providers.ChatResponse
	Completion   *providers.CompletionResponse
	Embedding    *providers.EmbeddingResponse
	ProviderKey  string
	ProviderType string
}

// Next is the continuation a plugin invokes to hand control to the rest of
// the chain. The terminal link is always the model_router plugin — it never
// calls Next and is the only plugin allowed to invoke a provider Adapter.
type Next func(ctx context.Context, req *Request) (*Response, error)

// Plugin is one link in a pipeline's ordered plugin chain.
type Plugin interface {
	Name() string
	Handle(ctx context.Context, req *Request, next Next) (*Response, error)
}

// Chain composes plugins into a single Next, in configuration order: the
// first plugin in the slice runs first on the way in and last on the way
// out, the same left-to-right convention the router/middleware chain uses.
type Chain struct {
	plugins []Plugin
}

// NewChain builds a Chain from an ordered plugin list. The caller is
// responsible for ensuring the last plugin is a terminal one (normally
// model_router) that does not call Next — Chain does not enforce this
// itself so tests can exercise partial chains.
func NewChain(plugins ...Plugin) *Chain {
	return &Chain{plugins: plugins}
}

// Run executes the chain against req.
func (c *Chain) Run(ctx context.Context, req *Request) (*Response, error) {
	return c.link(0)(ctx, req)
}

func (c *Chain) link(i int) Next {
	if i >= len(c.plugins) {
		return func(ctx context.Context, req *Request) (*Response, error) {
			return nil, errNoTerminalPlugin
		}
	}
	p := c.plugins[i]
	return func(ctx context.Context, req *Request) (*Response, error) {
		return p.Handle(ctx, req, c.link(i+1))
	}
}

var errNoTerminalPlugin = &chainError{"pipeline: chain exhausted without a terminal plugin producing a response"}

type chainError struct{ msg string }

func (e *chainError) Error() string { return e.msg }
