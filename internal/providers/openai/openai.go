// Package openai adapts the canonical request form to the OpenAI API via the
// official SDK. It serves chat completions, legacy completions, and
// embeddings.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/watchllm/watchllm-proxy/internal/canonical"
	"github.com/watchllm/watchllm-proxy/internal/providers"
)

const providerName = "openai"

// Provider implements providers.Provider and providers.EmbeddingProvider.
type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new OpenAI Provider.
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
	p.client = openaiSDK.NewClient(sdkOpts...)
	return p
}

func (p *Provider) Name() string { return providerName }

// Complete implements providers.Provider.
func (p *Provider) Complete(ctx context.Context, req *canonical.Request, apiKey string) (*providers.Response, error) {
	opts, err := p.requestOptions(apiKey)
	if err != nil {
		return nil, err
	}

	if req.Endpoint == canonical.EndpointCompletions {
		return p.legacyCompletion(ctx, req, opts...)
	}

	params := buildChatParams(req)
	opts = append(opts, toolOptions(req)...)

	if req.Stream {
		return p.streamChat(ctx, params, opts...)
	}
	return p.unaryChat(ctx, params, opts...)
}

func buildChatParams(req *canonical.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.N > 1 {
		params.N = openaiSDK.Int(int64(req.N))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Stop,
		}
	}

	return params
}

// toolOptions injects the client's tool definitions verbatim. The canonical
// form keeps tools as raw JSON; re-typing them through SDK structs would
// drop fields the client sent.
func toolOptions(req *canonical.Request) []option.RequestOption {
	var opts []option.RequestOption
	if len(req.Tools) > 0 {
		opts = append(opts, option.WithJSONSet("tools", json.RawMessage(req.Tools)))
	}
	if req.ToolChoice != "" {
		if strings.HasPrefix(req.ToolChoice, "{") {
			opts = append(opts, option.WithJSONSet("tool_choice", json.RawMessage(req.ToolChoice)))
		} else {
			opts = append(opts, option.WithJSONSet("tool_choice", req.ToolChoice))
		}
	}
	return opts
}

func (p *Provider) unaryChat(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &providers.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		out.FinishReason = choice.FinishReason
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return out, nil
}

func (p *Provider) streamChat(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" || c.FinishReason != "" {
				ch <- providers.StreamChunk{
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: toProviderError(err)}
		}
	}()

	return &providers.Response{Stream: ch}, nil
}

func (p *Provider) legacyCompletion(
	ctx context.Context,
	req *canonical.Request,
	opts ...option.RequestOption,
) (*providers.Response, error) {
	params := openaiSDK.CompletionNewParams{
		Model: openaiSDK.CompletionNewParamsModel(req.Model),
		Prompt: openaiSDK.CompletionNewParamsPromptUnion{
			OfString: openaiSDK.String(req.Prompt),
		},
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.CompletionNewParamsStopUnion{
			OfStringArray: req.Stop,
		}
	}

	if req.Stream {
		return p.streamLegacy(ctx, params, opts...)
	}

	resp, err := p.client.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &providers.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Text
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}

func (p *Provider) streamLegacy(
	ctx context.Context,
	params openaiSDK.CompletionNewParams,
	opts ...option.RequestOption,
) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := p.client.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Text != "" || c.FinishReason != "" {
				ch <- providers.StreamChunk{
					Content:      c.Text,
					FinishReason: string(c.FinishReason),
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: toProviderError(err)}
		}
	}()

	return &providers.Response{Stream: ch}, nil
}

// Embed implements providers.EmbeddingProvider.
func (p *Provider) Embed(ctx context.Context, req *canonical.Request, apiKey string) (*providers.EmbeddingResponse, error) {
	opts, err := p.requestOptions(apiKey)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	data := make([]providers.EmbeddingVector, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = providers.EmbeddingVector{Index: int(d.Index), Embedding: f32}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		pe := providers.NewError(providerName, apierr.StatusCode, apierr.Error())
		if apierr.Response != nil {
			pe.RetryAfter = providers.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return pe
	}
	return providers.NetworkError(providerName, err)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch role {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
