package proxy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/watchllm/watchllm-proxy/internal/canonical"
	"github.com/watchllm/watchllm-proxy/internal/providers"
)

// Outbound OpenAI-compatible envelopes. The proxy owns the wire format in
// both directions; provider adapters only ever see the canonical form.
type (
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundToolFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	outboundToolCall struct {
		ID       string               `json:"id"`
		Type     string               `json:"type"`
		Function outboundToolFunction `json:"function"`
	}

	outboundMessage struct {
		Role      string             `json:"role"`
		Content   string             `json:"content"`
		ToolCalls []outboundToolCall `json:"tool_calls,omitempty"`
	}

	outboundChatChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundChatResponse struct {
		ID      string               `json:"id"`
		Object  string               `json:"object"`
		Created int64                `json:"created"`
		Model   string               `json:"model"`
		Choices []outboundChatChoice `json:"choices"`
		Usage   outboundUsage        `json:"usage"`
	}

	outboundTextChoice struct {
		Index        int    `json:"index"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	}

	outboundTextResponse struct {
		ID      string               `json:"id"`
		Object  string               `json:"object"`
		Created int64                `json:"created"`
		Model   string               `json:"model"`
		Choices []outboundTextChoice `json:"choices"`
		Usage   outboundUsage        `json:"usage"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// Streaming chunk envelopes.
type (
	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	chunkChatChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	chunkChatResponse struct {
		ID      string            `json:"id"`
		Object  string            `json:"object"`
		Created int64             `json:"created"`
		Model   string            `json:"model"`
		Choices []chunkChatChoice `json:"choices"`
	}

	chunkTextChoice struct {
		Index        int     `json:"index"`
		Text         string  `json:"text"`
		FinishReason *string `json:"finish_reason"`
	}

	chunkTextResponse struct {
		ID      string            `json:"id"`
		Object  string            `json:"object"`
		Created int64             `json:"created"`
		Model   string            `json:"model"`
		Choices []chunkTextChoice `json:"choices"`
	}
)

// responseID prefers the upstream ID and falls back to a fingerprint-derived
// one so replays carry a stable identifier.
func responseID(upstream, fingerprint string) string {
	if upstream != "" {
		return upstream
	}
	if len(fingerprint) > 24 {
		fingerprint = fingerprint[:24]
	}
	return "chatcmpl-" + fingerprint
}

func toOutboundToolCalls(calls []providers.ToolCall) []outboundToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]outboundToolCall, len(calls))
	for i, c := range calls {
		out[i] = outboundToolCall{
			ID:   c.ID,
			Type: "function",
			Function: outboundToolFunction{
				Name:      c.Name,
				Arguments: c.Arguments,
			},
		}
	}
	return out
}

// buildUnaryBody serializes a normalized provider response into the envelope
// the endpoint expects.
func buildUnaryBody(endpoint canonical.Endpoint, id, model, content, finishReason string, calls []providers.ToolCall, tokensIn, tokensOut int) ([]byte, error) {
	if finishReason == "" {
		finishReason = "stop"
	}
	usage := outboundUsage{
		PromptTokens:     tokensIn,
		CompletionTokens: tokensOut,
		TotalTokens:      tokensIn + tokensOut,
	}

	if endpoint == canonical.EndpointCompletions {
		return json.Marshal(outboundTextResponse{
			ID:      id,
			Object:  "text_completion",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []outboundTextChoice{{Index: 0, Text: content, FinishReason: finishReason}},
			Usage:   usage,
		})
	}
	return json.Marshal(outboundChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []outboundChatChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: content, ToolCalls: toOutboundToolCalls(calls)},
				FinishReason: finishReason,
			},
		},
		Usage: usage,
	})
}

// buildChunkBody serializes one streaming delta. A non-empty finishReason
// marks the terminal content chunk.
func buildChunkBody(endpoint canonical.Endpoint, id, model, content, finishReason string) []byte {
	var fr *string
	if finishReason != "" {
		fr = &finishReason
	}

	var data []byte
	if endpoint == canonical.EndpointCompletions {
		data, _ = json.Marshal(chunkTextResponse{
			ID:      id,
			Object:  "text_completion",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []chunkTextChoice{{Index: 0, Text: content, FinishReason: fr}},
		})
	} else {
		data, _ = json.Marshal(chunkChatResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []chunkChatChoice{{Index: 0, Delta: chunkDelta{Content: content}, FinishReason: fr}},
		})
	}
	return data
}

// extractBodyContent pulls the assistant text and finish reason back out of a
// stored unary body, used to synthesize a stream for a cached unary entry.
func extractBodyContent(body []byte) (content, finishReason string, err error) {
	var decoded struct {
		Choices []struct {
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
			Message      struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", "", fmt.Errorf("proxy: decode cached body: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", "", fmt.Errorf("proxy: cached body has no choices")
	}
	c := decoded.Choices[0]
	content = c.Message.Content
	if content == "" {
		content = c.Text
	}
	finishReason = c.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}
	return content, finishReason, nil
}
