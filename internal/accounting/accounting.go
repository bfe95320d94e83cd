// Package accounting computes token counts and USD costs for usage events.
//
// Upstream-reported usage always wins; the tokenizer-based estimate fills in
// for cache hits and replays where no upstream call happened. Every event
// carries two cost figures: cost_usd (what the request actually cost, zero
// for hits) and potential_cost_usd (what it would have cost uncached), the
// delta being the product's headline number.
package accounting

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/watchllm/watchllm-proxy/internal/pricing"
	"github.com/watchllm/watchllm-proxy/internal/providers"
)

// fallbackEncoding covers models tiktoken has no mapping for. Non-OpenAI
// tokenizers differ, but cl100k is close enough for estimation.
const fallbackEncoding = "cl100k_base"

// Counter estimates token counts with model-appropriate encodings. Encoders
// are cached per encoding name; construction is expensive.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewCounter creates an empty Counter.
func NewCounter() *Counter {
	return &Counter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// Count estimates the token count of text under the given model's encoding.
// Returns 0 only for empty text; encoder failures fall back to a bytes/4
// heuristic rather than reporting zero usage.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc := c.encoderFor(model)
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages estimates tokens for a chat conversation including the
// per-message framing overhead the chat format adds.
func (c *Counter) CountMessages(model string, contents []string) int {
	const perMessageOverhead = 4
	total := 3 // reply priming
	for _, content := range contents {
		total += perMessageOverhead + c.Count(model, content)
	}
	return total
}

func (c *Counter) encoderFor(model string) *tiktoken.Tiktoken {
	name := encodingName(model)

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		if name == fallbackEncoding {
			return nil
		}
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil
		}
		name = fallbackEncoding
	}
	c.encoders[name] = enc
	return enc
}

func encodingName(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return "o200k_base"
	default:
		return fallbackEncoding
	}
}

// Cost is the priced outcome of one request.
type Cost struct {
	TokensIn  int
	TokensOut int
	// ActualUSD is what was paid upstream; zero when the response was
	// served from cache or a coalesced flight.
	ActualUSD float64
	// PotentialUSD is what the request would have cost uncached.
	PotentialUSD float64
	// SavedUSD is the headline savings figure.
	SavedUSD float64
	// PriceStale notes the price entry was past its verification window.
	PriceStale bool
}

// Calculator prices requests from a pricing source and a token counter.
type Calculator struct {
	prices  pricing.Source
	counter *Counter
}

// NewCalculator builds a Calculator.
func NewCalculator(prices pricing.Source, counter *Counter) *Calculator {
	return &Calculator{prices: prices, counter: counter}
}

// Counter exposes the underlying token counter.
func (c *Calculator) Counter() *Counter { return c.counter }

// ForUpstream prices a request that actually hit the provider. Usage comes
// from the provider's own report when present, the estimate otherwise.
func (c *Calculator) ForUpstream(provider, model string, usage providers.Usage, estIn, estOut int) Cost {
	in, out := usage.InputTokens, usage.OutputTokens
	if in == 0 {
		in = estIn
	}
	if out == 0 {
		out = estOut
	}

	price, _ := c.prices.Price(provider, model)
	actual := float64(in)*price.InputPerTok + float64(out)*price.OutputPerTok
	return Cost{
		TokensIn:     in,
		TokensOut:    out,
		ActualUSD:    actual,
		PotentialUSD: actual,
		PriceStale:   price.Stale,
	}
}

// ForServed prices a request served without an upstream call (cache hit or
// coalesced follower). Token counts come from the stored entry.
func (c *Calculator) ForServed(provider, model string, tokensIn, tokensOut int) Cost {
	price, _ := c.prices.Price(provider, model)
	potential := float64(tokensIn)*price.InputPerTok + float64(tokensOut)*price.OutputPerTok
	return Cost{
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		ActualUSD:    0,
		PotentialUSD: potential,
		SavedUSD:     potential,
		PriceStale:   price.Stale,
	}
}

// EstimateRequest estimates input tokens for a canonical request's text.
func (c *Calculator) EstimateRequest(model string, contents []string) int {
	if len(contents) == 1 {
		return c.counter.Count(model, contents[0])
	}
	return c.counter.CountMessages(model, contents)
}
