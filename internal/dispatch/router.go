package dispatch

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds handler functions registered alongside the proxy
// routes that aren't part of the OpenAI-compatible surface.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// NewServer builds the fasthttp.Server for this Dispatcher, with the full
// middleware chain and route table wired in. corsOrigins follows
// corsHandler's convention: nil or ["*"] allows any origin.
func (d *Dispatcher) NewServer(health *HealthChecker, mgmt *ManagementRoutes, corsOrigins []string) *fasthttp.Server {
	r := router.New()

	r.POST("/v1/chat/completions", d.HandleChatCompletions)
	r.POST("/v1/completions", d.HandleCompletions)
	r.POST("/v1/embeddings", d.HandleEmbeddings)
	r.GET("/health", healthHandler(health))
	r.GET("/readiness", readinessHandler(health))

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(corsOrigins),
		securityHeaders,
	)

	return &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

func healthHandler(health *HealthChecker) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if health == nil {
			writeJSON(ctx, map[string]any{"status": "ok"})
			return
		}
		if !health.ReadinessOK() {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		}
		writeJSON(ctx, health.Snapshot())
	}
}

func readinessHandler(health *HealthChecker) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if health == nil || health.ReadinessOK() {
			writeJSON(ctx, map[string]string{"status": "ok"})
			return
		}
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// recovery catches panics in any handler and returns a 500 without crashing
// the server process.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header, generating a
// UUID v4 when the client doesn't supply one, and stores it in the request
// context under "request_id" for handlers and the logging plugin.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds the OWASP-recommended response headers appropriate
// for a JSON-only API surface with no served HTML.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

// corsHandler returns CORS middleware for the given allowed origins.
// nil or ["*"] allows any origin; otherwise origins are joined into an
// explicit allowlist. OPTIONS preflight requests get a bare 204.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h with mws in left-to-right order: the first
// middleware becomes the outermost wrapper and runs first on the way in,
// last on the way out — applyMiddleware(h, mw1, mw2) == mw1(mw2(h)).
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
