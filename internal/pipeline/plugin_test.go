package pipeline

import (
	"context"
	"testing"
)

type orderPlugin struct {
	name  string
	trace *[]string
}

func (p *orderPlugin) Name() string { return p.name }

func (p *orderPlugin) Handle(ctx context.Context, req *Request, next Next) (*Response, error) {
	*p.trace = append(*p.trace, "in:"+p.name)
	resp, err := next(ctx, req)
	*p.trace = append(*p.trace, "out:"+p.name)
	return resp, err
}

type terminalPlugin struct{}

func (terminalPlugin) Name() string { return "terminal" }

func (terminalPlugin) Handle(ctx context.Context, req *Request, next Next) (*Response, error) {
	return &Response{ProviderType: "stub"}, nil
}

func TestChain_OrderIsLeftToRight(t *testing.T) {
	var trace []string
	chain := NewChain(
		&orderPlugin{name: "logging", trace: &trace},
		&orderPlugin{name: "tracing", trace: &trace},
		terminalPlugin{},
	)

	resp, err := chain.Run(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ProviderType != "stub" {
		t.Fatalf("expected terminal response, got %+v", resp)
	}

	want := []string{"in:logging", "in:tracing", "out:tracing", "out:logging"}
	if len(trace) != len(want) {
		t.Fatalf("expected trace %v, got %v", want, trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("expected trace %v, got %v", want, trace)
		}
	}
}

func TestChain_ExhaustedWithoutTerminal(t *testing.T) {
	chain := NewChain()
	_, err := chain.Run(context.Background(), &Request{})
	if err == nil {
		t.Fatal("expected error when chain has no terminal plugin")
	}
}
