// Package gemini adapts the canonical request form to Google Gemini via the
// official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/watchllm/watchllm-proxy/internal/canonical"
	"github.com/watchllm/watchllm-proxy/internal/providers"
)

const providerName = "gemini"

// Provider implements providers.Provider and providers.EmbeddingProvider.
type Provider struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	httpClient *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new Gemini Provider. Returns an error when the SDK client
// cannot be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}
	p.httpClient = &http.Client{Timeout: providers.HTTPTimeout}

	cfg := &genai.ClientConfig{
		APIKey:     p.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *Provider) Name() string { return providerName }

// Complete implements providers.Provider.
func (p *Provider) Complete(ctx context.Context, req *canonical.Request, apiKey string) (*providers.Response, error) {
	client, err := p.clientForKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	if req.Stream {
		return p.streamContent(ctx, client, req.Model, contents, cfg)
	}
	return p.unaryContent(ctx, client, req, contents, cfg)
}

func buildContentsAndConfig(req *canonical.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system string
	contents := make([]*genai.Content, 0, len(req.Messages))

	if req.Endpoint == canonical.EndpointCompletions {
		contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	return contents, cfg
}

func (p *Provider) unaryContent(
	ctx context.Context,
	client *genai.Client,
	req *canonical.Request,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Response, error) {
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := ""
	if resp != nil {
		id = resp.ResponseID
	}
	if id == "" {
		id = generateID()
	}

	out := &providers.Response{
		ID:           id,
		Model:        req.Model,
		FinishReason: "stop",
	}
	if resp != nil {
		out.Content = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil && resp.Candidates[0].FinishReason != "" {
			out.FinishReason = finishReason(string(resp.Candidates[0].FinishReason))
		}
		if resp.UsageMetadata != nil {
			out.Usage = providers.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}
	return out, nil
}

func (p *Provider) streamContent(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{Err: toProviderError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = finishReason(string(c.FinishReason))
			}
			if text != "" || finish != "" {
				ch <- providers.StreamChunk{Content: text, FinishReason: finish}
			}
		}
	}()

	return &providers.Response{Stream: ch}, nil
}

// Embed implements providers.EmbeddingProvider.
func (p *Provider) Embed(ctx context.Context, req *canonical.Request, apiKey string) (*providers.EmbeddingResponse, error) {
	client, err := p.clientForKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, toProviderError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, providers.NewError(providerName, 502, "empty embedding response")
	}

	data := make([]providers.EmbeddingVector, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = providers.EmbeddingVector{Index: i, Embedding: emb.Values}
	}
	return &providers.EmbeddingResponse{Model: req.Model, Data: data}, nil
}

func (p *Provider) clientForKey(ctx context.Context, overrideKey string) (*genai.Client, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: no API key configured")
	}
	if key == p.apiKey {
		return p.client, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: override client: %w", err)
	}
	return client, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func finishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return strings.ToLower(reason)
	}
}

// generateID produces a random hex ID for responses that do not include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.NewError(providerName, apiErr.Code, apiErr.Message)
	}
	return providers.NetworkError(providerName, err)
}
