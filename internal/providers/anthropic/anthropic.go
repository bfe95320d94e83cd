// Package anthropic adapts the canonical request form to the Anthropic
// Messages API via the official SDK. System and developer messages are
// merged into the top-level system prompt, which the Messages API requires.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/watchllm/watchllm-proxy/internal/canonical"
	"github.com/watchllm/watchllm-proxy/internal/providers"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic.
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropicSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.HTTPTimeout}),
	}
	if p.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = anthropicSDK.NewClient(sdkOpts...)
	return p
}

func (p *Provider) Name() string { return providerName }

// Complete implements providers.Provider.
func (p *Provider) Complete(ctx context.Context, req *canonical.Request, apiKey string) (*providers.Response, error) {
	if req.Endpoint == canonical.EndpointCompletions {
		return nil, providers.NewError(providerName, 400, "legacy completions are not supported by the messages API")
	}

	opts, err := p.requestOptions(apiKey)
	if err != nil {
		return nil, err
	}
	opts = append(opts, toolOptions(req)...)

	params := buildParams(req)
	if req.Stream {
		return p.streamMessages(ctx, params, opts...)
	}
	return p.unaryMessages(ctx, params, opts...)
}

func buildParams(req *canonical.Request) anthropicSDK.MessageNewParams {
	var system string
	msgs := make([]anthropicSDK.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case "assistant":
			msgs = append(msgs, anthropicSDK.NewAssistantMessage(anthropicSDK.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropicSDK.NewUserMessage(anthropicSDK.NewTextBlock(m.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropicSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropicSDK.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	return params
}

// toolOptions passes the client's OpenAI-shaped tool definitions through as
// raw JSON. Anthropic's tool schema differs in field naming but the SDK
// accepts raw injection; clients targeting Anthropic models send
// Anthropic-shaped tools.
func toolOptions(req *canonical.Request) []option.RequestOption {
	var opts []option.RequestOption
	if len(req.Tools) > 0 {
		opts = append(opts, option.WithJSONSet("tools", json.RawMessage(req.Tools)))
	}
	if req.ToolChoice != "" && strings.HasPrefix(req.ToolChoice, "{") {
		opts = append(opts, option.WithJSONSet("tool_choice", json.RawMessage(req.ToolChoice)))
	}
	return opts
}

func (p *Provider) unaryMessages(
	ctx context.Context,
	params anthropicSDK.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.Response, error) {
	msg, err := p.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &providers.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		FinishReason: finishReason(string(msg.StopReason)),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case anthropicSDK.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:        v.ID,
				Name:      v.Name,
				Arguments: string(v.Input),
			})
		case *anthropicSDK.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:        v.ID,
				Name:      v.Name,
				Arguments: string(v.Input),
			})
		}
	}
	out.Content = sb.String()
	return out, nil
}

func (p *Provider) streamMessages(
	ctx context.Context,
	params anthropicSDK.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := p.client.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()
			switch eventVariant := ev.AsAny().(type) {
			case anthropicSDK.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropicSDK.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropicSDK.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					ch <- providers.StreamChunk{
						FinishReason: finishReason(string(eventVariant.Delta.StopReason)),
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: toProviderError(err)}
		}
	}()

	return &providers.Response{Stream: ch}, nil
}

// finishReason maps Anthropic stop reasons onto OpenAI finish reasons so the
// client-facing wire format stays consistent across providers.
func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stop
	}
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toProviderError(err error) error {
	var apierr *anthropicSDK.Error
	if errors.As(err, &apierr) {
		pe := providers.NewError(providerName, apierr.StatusCode, apierr.Error())
		if apierr.Response != nil {
			pe.RetryAfter = providers.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return pe
	}
	return providers.NetworkError(providerName, err)
}
