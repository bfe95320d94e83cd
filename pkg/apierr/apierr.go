// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Kind is the externally visible error taxonomy. Every error response the
// proxy writes carries exactly one of these in the "type" field.
type Kind string

const (
	KindBadRequest          Kind = "bad_request"
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamRateLimited Kind = "upstream_rate_limited"
	KindUpstreamAuth        Kind = "upstream_auth"
	KindUpstreamInvalid     Kind = "upstream_invalid"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindTimeout             Kind = "timeout"
	KindInternal            Kind = "internal"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeQuotaExceeded     = "monthly_quota_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeProjectSuspended  = "project_suspended"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
)

// HTTPStatus maps an error kind to the HTTP status the proxy responds with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return fasthttp.StatusBadRequest
	case KindUnauthenticated:
		return fasthttp.StatusUnauthorized
	case KindForbidden:
		return fasthttp.StatusForbidden
	case KindRateLimited, KindUpstreamRateLimited:
		return fasthttp.StatusTooManyRequests
	case KindUpstreamAuth, KindUpstreamInvalid, KindUpstreamUnavailable:
		return fasthttp.StatusBadGateway
	case KindTimeout:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
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

// Body returns the JSON error envelope without writing a response. Used to
// embed an error into a stream whose headers are already on the wire.
func Body(message string, kind Kind, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    string(kind),
		Code:    code,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string, kind Kind, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(message, kind, code))
}

// WriteKind writes an error using the kind's default status mapping.
func WriteKind(ctx *fasthttp.RequestCtx, kind Kind, message, code string) {
	Write(ctx, kind.HTTPStatus(), message, kind, code)
}

// SetRetryAfter stamps the Retry-After header in whole seconds. Values below
// one second are rounded up so the client always receives a usable hint.
func SetRetryAfter(ctx *fasthttp.RequestCtx, seconds float64) {
	secs := int(seconds)
	if seconds > float64(secs) {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
}

// WriteRateLimit writes a 429 with a Retry-After hint in whole seconds.
func WriteRateLimit(ctx *fasthttp.RequestCtx, message, code string, retryAfterSeconds float64) {
	SetRetryAfter(ctx, retryAfterSeconds)
	Write(ctx, fasthttp.StatusTooManyRequests, message, KindRateLimited, code)
}

// WriteTimeout writes a 504 for an in-proxy deadline expiry.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	WriteKind(ctx, KindTimeout, "request timed out", CodeRequestTimeout)
}
