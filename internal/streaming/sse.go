// Package streaming implements the SSE transport the dispatcher uses to pass
// streamed chat completions through to clients: "data: <json>\n\n" framing
// terminated by "data: [DONE]\n\n", matching the OpenAI streaming wire
// format. It knows nothing about providers or pipelines — it only drains a
// providers.StreamChunk channel and writes frames.
package streaming

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/traceloop/gateway-core/internal/providers"
)

// chatCompletionChunk mirrors the OpenAI streaming delta envelope.
type chatCompletionChunk struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
}

type chatCompletionChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason any            `json:"finish_reason"`
}

// WriteChat streams chunks from ch as SSE frames shaped like an OpenAI chat
// completion. onComplete, when non-nil, is invoked once the stream drains
// with an estimated output token count (~4 characters per token — there is
// no exact usage figure for a streamed response since no single upstream
// call reports final usage for the whole stream).
//
// Client disconnects during the stream are handled by fasthttp itself: the
// stream writer's w.Flush() starts failing once the peer is gone, and range
// over ch simply continues draining until the provider goroutine closes it
// — this function does not abort the upstream call early, consistent with
// the "never retry after first streamed byte" invariant (see
// pipeline.ModelRouterPlugin): once bytes are flowing there is nothing left
// to fail over to.
func WriteChat(ctx *fasthttp.RequestCtx, id, model string, created int64, ch <-chan providers.StreamChunk, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }()

		var sb strings.Builder
		for chunk := range ch {
			sb.WriteString(chunk.Content)

			var finish any
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}

			frame := chatCompletionChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []chatCompletionChoice{
					{Index: 0, Delta: map[string]any{"content": chunk.Content}, FinishReason: finish},
				},
			}
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				return // client disconnected; stop writing, let the range loop drain naturally
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()

		estimated := sb.Len() / 4
		if estimated == 0 {
			estimated = 1
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}

// textCompletionChunk mirrors the OpenAI legacy-completion streaming envelope
// (object "text_completion", a flat "text" field instead of a chat delta).
type textCompletionChunk struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []textCompletionChoice `json:"choices"`
}

type textCompletionChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason any    `json:"finish_reason"`
}

// WriteCompletion streams chunks from ch as SSE frames shaped like an OpenAI
// legacy text completion. Framing and disconnect handling mirror WriteChat.
func WriteCompletion(ctx *fasthttp.RequestCtx, id, model string, created int64, ch <-chan providers.StreamChunk, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }()

		var sb strings.Builder
		for chunk := range ch {
			sb.WriteString(chunk.Content)

			var finish any
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}

			frame := textCompletionChunk{
				ID:      id,
				Object:  "text_completion",
				Created: created,
				Model:   model,
				Choices: []textCompletionChoice{
					{Text: chunk.Content, Index: 0, FinishReason: finish},
				},
			}
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				return
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()

		estimated := sb.Len() / 4
		if estimated == 0 {
			estimated = 1
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}
