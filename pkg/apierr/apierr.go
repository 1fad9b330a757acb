// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypeNotFoundError     = "not_found_error"
	TypeConfigError       = "config_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeNotImplemented      = "not_implemented"
	CodeInvalidRequest      = "invalid_request"
	CodeModelNotFound       = "model_not_found"
	CodePipelineNotFound    = "pipeline_not_found"
	CodeUnsupportedOp       = "unsupported_operation"
	CodeUpstreamAuth        = "upstream_authentication_error"
	CodeConfigInvalid       = "config_invalid"
)

// Kind is the closed taxonomy of gateway-level error classes (spec §7). Each
// kind carries its own HTTP status mapping independent of the underlying
// provider's own status code, except UpstreamServer/UpstreamRateLimited/
// UpstreamTimeout which pass the upstream's signal through.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindModelNotFound       Kind = "model_not_found"
	KindPipelineNotFound    Kind = "pipeline_not_found"
	KindUnsupportedOp       Kind = "unsupported_operation"
	KindUpstreamAuth        Kind = "upstream_auth"
	KindUpstreamRateLimited Kind = "upstream_rate_limited"
	KindUpstreamServer      Kind = "upstream_server"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindConfigInvalid       Kind = "config_invalid"
	KindInternal            Kind = "internal"
)

// HTTPStatus maps a Kind to the HTTP status code the gateway returns to
// clients. KindConfigInvalid has no client-facing status — it only ever
// occurs during snapshot compilation, before a request exists.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest, KindUnsupportedOp:
		return fasthttp.StatusBadRequest
	case KindModelNotFound, KindPipelineNotFound:
		return fasthttp.StatusNotFound
	case KindUpstreamAuth, KindUpstreamServer:
		return fasthttp.StatusBadGateway
	case KindUpstreamRateLimited:
		return fasthttp.StatusTooManyRequests
	case KindUpstreamTimeout:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
}

// GatewayError is a structured error carrying a Kind alongside the
// human-readable message, used throughout dispatch/pipeline so a single
// switch at the HTTP boundary can render the right status and envelope.
type GatewayError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error { return e.Cause }

func (e *GatewayError) HTTPStatus() int { return e.Kind.HTTPStatus() }

// WriteGatewayError renders a GatewayError to the client in the OpenAI-compatible envelope.
func WriteGatewayError(ctx *fasthttp.RequestCtx, err *GatewayError) {
	code := string(err.Kind)
	typ := TypeServerError
	switch err.Kind {
	case KindInvalidRequest:
		typ = TypeInvalidRequest
	case KindModelNotFound, KindPipelineNotFound:
		typ = TypeNotFoundError
	case KindUnsupportedOp:
		typ = TypeInvalidRequest
	case KindUpstreamAuth:
		typ = TypeAuthenticationErr
	case KindUpstreamRateLimited:
		typ = TypeRateLimitError
		ctx.Response.Header.Set("Retry-After", "60")
	case KindUpstreamServer, KindUpstreamTimeout:
		typ = TypeProviderError
	case KindConfigInvalid:
		typ = TypeConfigError
	}
	Write(ctx, err.HTTPStatus(), err.Message, typ, code)
}

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Timeout       → 504
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
