// Package providers defines the common interface and types implemented by
// every upstream LLM adapter (OpenAI, Anthropic, Gemini, and the generic
// OpenAI-compatible adapter used for Groq and self-hosted gateways).
//
// Adapters accept the proxy's canonical request form and return a normalized
// response; the edge layer owns the OpenAI-compatible wire format in both
// directions. Upstream failures are classified into ProviderError kinds that
// map one-to-one onto the proxy's client-facing error taxonomy.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/watchllm/watchllm-proxy/internal/canonical"
)

// Timeout defaults. Streams get a far larger bound than unary calls; both
// are enforced on the flight context, not per adapter call.
const (
	UnaryTimeout  = 60 * time.Second
	StreamTimeout = 300 * time.Second
	HTTPTimeout   = 310 * time.Second // transport-level backstop
)

type (
	// StreamChunk is one delta from an upstream stream. A chunk with Err set
	// is the stream's final value: the upstream failed mid-stream and no
	// further content follows. Content and FinishReason are empty on it.
	StreamChunk struct {
		Content      string
		FinishReason string
		Err          error
	}

	// Usage is upstream-reported token usage.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ToolCall is one tool invocation in a response.
	ToolCall struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// Response is the normalized upstream response. Exactly one of Content
	// (plus optional ToolCalls) or Stream is populated.
	Response struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		ToolCalls    []ToolCall
		Usage        Usage
		Stream       <-chan StreamChunk // nil for unary responses
	}

	// EmbeddingVector is one embedding result.
	EmbeddingVector struct {
		Index     int
		Embedding []float32
	}

	// EmbeddingResponse is the normalized embeddings response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingVector
		Usage Usage
	}
)

// Provider is an upstream LLM adapter. apiKey is the project's own upstream
// credential; adapters fall back to their process-wide key when it is empty.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *canonical.Request, apiKey string) (*Response, error)
}

// EmbeddingProvider is implemented by adapters that serve /v1/embeddings.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *canonical.Request, apiKey string) (*EmbeddingResponse, error)
}

// ErrorKind classifies an upstream failure.
type ErrorKind string

const (
	ErrAuth        ErrorKind = "auth"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrInvalid     ErrorKind = "invalid_request"
	ErrServer      ErrorKind = "server_error"
	ErrNetwork     ErrorKind = "network"
)

// ProviderError is a classified upstream failure. Status is the upstream
// HTTP status when one was received, 0 for transport errors. RetryAfter
// carries the upstream's Retry-After hint on rate limits, 0 when the
// upstream sent none.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (kind=%s, status=%d)", e.Provider, e.Message, e.Kind, e.Status)
}

// ClassifyStatus maps an upstream HTTP status to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrAuth
	case status == 429:
		return ErrRateLimited
	case status == 400 || status == 404 || status == 422:
		return ErrInvalid
	case status >= 500:
		return ErrServer
	default:
		return ErrServer
	}
}

// NewError builds a classified ProviderError from an upstream status.
func NewError(provider string, status int, message string) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     ClassifyStatus(status),
		Status:   status,
		Message:  message,
	}
}

// NetworkError builds a ProviderError for a transport-level failure.
func NetworkError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     ErrNetwork,
		Message:  err.Error(),
	}
}

// AsProviderError unwraps err into a *ProviderError when possible.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ParseRetryAfter interprets an upstream Retry-After header value, either
// delta-seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
