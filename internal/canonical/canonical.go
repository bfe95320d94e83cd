// Package canonical reduces an incoming OpenAI-compatible request to a
// deterministic canonical form and derives the two cache keys from it: the
// exact fingerprint (SHA-256 over the canonical bytes) and the prompt-only
// text projection used for semantic embedding.
//
// Determinism is the sole invariant here. Two semantically equivalent inputs
// (whitespace variations, system-message ordering, parameters left at their
// documented defaults) must produce bit-identical canonical bytes — any
// non-determinism fragments the cache.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Endpoint identifies which OpenAI-compatible surface a request arrived on.
type Endpoint string

const (
	EndpointChat        Endpoint = "chat"
	EndpointCompletions Endpoint = "completions"
	EndpointEmbeddings  Endpoint = "embeddings"
)

// DefaultMaxBodyBytes bounds the raw request body accepted by Parse.
const DefaultMaxBodyBytes = 1 << 20 // 1 MiB

// Provider-documented parameter defaults. Parameters equal to these are
// elided from the canonical encoding so that explicit-default and absent
// forms hash identically.
const (
	defaultTemperature = 1.0
	defaultTopP        = 1.0
	defaultN           = 1
)

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the canonical request. It is built by Parse and then frozen:
// the HTTP handler that created it is its sole owner.
type Request struct {
	ProjectID string
	Endpoint  Endpoint
	Provider  string // resolved by routing before fingerprinting
	Model     string

	Messages []Message // chat
	Prompt   string    // legacy completions
	Input    []string  // embeddings

	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Stop        []string
	N           int

	Tools      json.RawMessage
	ToolChoice string

	Stream bool
}

// BadRequestError reports a schema or size violation in the inbound body.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return e.Reason }

func badRequest(format string, args ...any) error {
	return &BadRequestError{Reason: fmt.Sprintf(format, args...)}
}

// inboundBody mirrors the OpenAI request schema across all three endpoints.
// Unknown client-only fields (user, metadata, logit_bias, ...) are dropped.
type inboundBody struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Prompt      json.RawMessage `json:"prompt"`
	Input       json.RawMessage `json:"input"`
	Temperature *float64        `json:"temperature"`
	TopP        *float64        `json:"top_p"`
	MaxTokens   int             `json:"max_tokens"`
	Stop        json.RawMessage `json:"stop"`
	N           int             `json:"n"`
	Stream      bool            `json:"stream"`
	Tools       json.RawMessage `json:"tools"`
	ToolChoice  json.RawMessage `json:"tool_choice"`
}

// Parse validates the raw JSON body for the given endpoint and returns the
// canonical Request. Fails with *BadRequestError when required fields are
// missing or the body exceeds maxBytes (0 means DefaultMaxBodyBytes).
func Parse(raw []byte, endpoint Endpoint, maxBytes int) (*Request, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	if len(raw) > maxBytes {
		return nil, badRequest("request body exceeds %d bytes", maxBytes)
	}

	var in inboundBody
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, badRequest("invalid JSON: %s", err.Error())
	}
	if in.Model == "" {
		return nil, badRequest("field 'model' is required")
	}

	req := &Request{
		Endpoint:    endpoint,
		Model:       in.Model,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		MaxTokens:   in.MaxTokens,
		N:           in.N,
		Stream:      in.Stream,
	}

	switch endpoint {
	case EndpointChat:
		if len(in.Messages) == 0 {
			return nil, badRequest("field 'messages' must not be empty")
		}
		req.Messages = normalizeMessages(in.Messages)

	case EndpointCompletions:
		prompt, err := parsePrompt(in.Prompt)
		if err != nil {
			return nil, err
		}
		req.Prompt = strings.TrimRight(prompt, " \t\r\n")

	case EndpointEmbeddings:
		inputs, err := parseStringOrList(in.Input, "input")
		if err != nil {
			return nil, err
		}
		req.Input = inputs

	default:
		return nil, badRequest("unsupported endpoint %q", endpoint)
	}

	if len(in.Stop) > 0 {
		stop, err := parseStringOrList(in.Stop, "stop")
		if err != nil {
			return nil, err
		}
		req.Stop = stop
	}

	if len(in.Tools) > 0 && string(in.Tools) != "null" {
		norm, err := normalizeRawJSON(in.Tools)
		if err != nil {
			return nil, badRequest("field 'tools' is not valid JSON")
		}
		req.Tools = norm
	}
	if len(in.ToolChoice) > 0 && string(in.ToolChoice) != "null" {
		// tool_choice is either a mode string or an object forcing a function.
		var mode string
		if err := json.Unmarshal(in.ToolChoice, &mode); err == nil {
			req.ToolChoice = mode
		} else {
			norm, err := normalizeRawJSON(in.ToolChoice)
			if err != nil {
				return nil, badRequest("field 'tool_choice' is not valid JSON")
			}
			req.ToolChoice = string(norm)
		}
	}

	return req, nil
}

// normalizeMessages lowercases roles, trims trailing whitespace from content,
// and hoists system messages to the front preserving their relative order so
// that system-header placement does not fragment the cache.
func normalizeMessages(msgs []Message) []Message {
	system := make([]Message, 0, 1)
	rest := make([]Message, 0, len(msgs))

	for _, m := range msgs {
		norm := Message{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: strings.TrimRight(m.Content, " \t\r\n"),
		}
		if norm.Role == "system" || norm.Role == "developer" {
			system = append(system, norm)
		} else {
			rest = append(rest, norm)
		}
	}

	return append(system, rest...)
}

func parsePrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", badRequest("field 'prompt' is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		return strings.Join(arr, "\n"), nil
	}
	return "", badRequest("field 'prompt' must be a string or array of strings")
}

// parseStringOrList accepts either a bare string or an array of strings,
// matching the OpenAI schema for "input" and "stop".
func parseStringOrList(raw json.RawMessage, field string) ([]string, error) {
	if len(raw) == 0 {
		return nil, badRequest("field '%s' is required", field)
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, badRequest("field '%s' must not be empty", field)
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, badRequest("field '%s' must not be empty", field)
		}
		return []string{s}, nil
	}
	return nil, badRequest("field '%s' must be a string or array of strings", field)
}

// normalizeRawJSON re-encodes arbitrary JSON through map[string]any so that
// object keys come out sorted. encoding/json marshals map keys in sorted
// order, which makes the result deterministic regardless of client key order.
func normalizeRawJSON(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// canonicalForm is the exact byte layout hashed by Fingerprint. Field order
// is fixed by the struct; struct-based marshaling is deterministic. The
// stream flag is deliberately absent: streaming and non-streaming forms of
// the same prompt share one cache entry family.
type canonicalForm struct {
	Endpoint string    `json:"endpoint"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Messages []Message `json:"messages,omitempty"`
	Prompt   string    `json:"prompt,omitempty"`
	Input    []string  `json:"input,omitempty"`

	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	N           int             `json:"n,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

// CanonicalBytes returns the deterministic canonical encoding of the request.
func (r *Request) CanonicalBytes() []byte {
	form := canonicalForm{
		Endpoint:   string(r.Endpoint),
		Provider:   r.Provider,
		Model:      r.Model,
		Messages:   r.Messages,
		Prompt:     r.Prompt,
		Input:      r.Input,
		MaxTokens:  r.MaxTokens,
		Stop:       r.Stop,
		Tools:      r.Tools,
		ToolChoice: r.ToolChoice,
	}

	// Elide parameters equal to the provider-documented defaults.
	if r.Temperature != nil && *r.Temperature != defaultTemperature {
		form.Temperature = r.Temperature
	}
	if r.TopP != nil && *r.TopP != defaultTopP {
		form.TopP = r.TopP
	}
	if r.N > defaultN {
		form.N = r.N
	}

	data, _ := json.Marshal(form) // canonicalForm marshaling cannot fail
	return data
}

// Fingerprint returns the 256-bit content hash over the canonical bytes as a
// lowercase hex string. Used for exact-match caching and coalescing.
func (r *Request) Fingerprint() string {
	sum := sha256.Sum256(r.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}

// PromptText is the prompt-only projection used for embedding: system and
// user message content concatenated with role prefixes. Assistant turns and
// tool results are excluded — they carry conversation state, not intent.
func (r *Request) PromptText() string {
	switch r.Endpoint {
	case EndpointCompletions:
		return r.Prompt
	case EndpointEmbeddings:
		return strings.Join(r.Input, "\n")
	}

	var sb strings.Builder
	for _, m := range r.Messages {
		switch m.Role {
		case "system", "developer", "user":
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(m.Role)
			sb.WriteString(": ")
			sb.WriteString(m.Content)
		}
	}
	return sb.String()
}

// PromptHash is a content hash of the prompt projection, used to memoize
// embedding computation across retries and coalesced followers.
func (r *Request) PromptHash() string {
	sum := sha256.Sum256([]byte(r.PromptText()))
	return hex.EncodeToString(sum[:])
}

// CacheEligible reports whether the request may participate in caching at
// all. Non-deterministic sampling (temperature > 0, n > 1) never caches.
func (r *Request) CacheEligible() bool {
	if r.Temperature != nil && *r.Temperature > 0 {
		return false
	}
	if r.N > 1 {
		return false
	}
	return true
}

// ToolsRestricted reports whether the response must additionally be checked
// for tool calls before caching: requests carrying tool definitions are
// cached only when tool_choice is "none" or the response invoked no tool.
func (r *Request) ToolsRestricted() bool {
	return len(r.Tools) > 0 && r.ToolChoice != "none"
}

// SemanticEligible reports whether the request may be served by semantic
// (nearest-neighbor) lookup. Embedding responses are exact-match only.
func (r *Request) SemanticEligible() bool {
	return r.Endpoint != EndpointEmbeddings && r.CacheEligible()
}
