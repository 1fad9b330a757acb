package streaming

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/traceloop/gateway-core/internal/providers"
)

// serveChunks starts WriteChat behind a real fasthttp server on an in-memory
// listener and returns an HTTP client wired to it, mirroring how the rest of
// the gateway drives its handlers in tests — fasthttp's RequestCtx stream
// writer only runs its callback once a real connection is reading the
// response, so draining it requires an actual round trip rather than
// inspecting ctx.Response directly.
func serveChunks(t *testing.T, ch <-chan providers.StreamChunk, onComplete func(int)) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			WriteChat(ctx, "chatcmpl-1", "gpt-4o", 0, ch, onComplete)
		})
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close() }
}

func TestWriteChat_FramesAndTerminator(t *testing.T) {
	ch := make(chan providers.StreamChunk, 4)
	ch <- providers.StreamChunk{Content: "hel"}
	ch <- providers.StreamChunk{Content: "lo", FinishReason: "stop"}
	close(ch)

	completed := make(chan int, 1)
	client, cleanup := serveChunks(t, ch, func(tokens int) { completed <- tokens })
	defer cleanup()

	resp, err := client.Get("http://test/v1/chat/completions")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream content type, got %q", ct)
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan body: %v", err)
	}

	body := strings.Join(lines, "\n")
	if !strings.Contains(body, `"content":"hel"`) {
		t.Errorf("expected first chunk content, got: %s", body)
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Errorf("expected finish_reason on final chunk, got: %s", body)
	}
	if len(lines) == 0 || lines[len(lines)-1] != "data: [DONE]" {
		t.Errorf("expected stream to end with [DONE] terminator, got: %s", body)
	}

	select {
	case tokens := <-completed:
		if tokens <= 0 {
			t.Errorf("expected positive estimated token count, got %d", tokens)
		}
	default:
		t.Error("expected onComplete to be invoked")
	}
}
