// Package pricing maps {provider, model} pairs to per-token USD prices.
//
// Prices are verified against the public provider price pages; each entry
// records when it was last verified and is flagged stale once it ages past
// the staleness threshold. A stale or missing entry falls back to a
// conservative hardcoded default so that cost accounting never fails.
package pricing

import (
	"strings"
	"sync"
	"time"
)

// DefaultStaleAfter is how long a verified price stays fresh.
const DefaultStaleAfter = 30 * 24 * time.Hour

// Price holds per-token USD prices for one model.
type Price struct {
	InputPerTok       float64
	OutputPerTok      float64
	CachedInputPerTok float64
	VerifiedAt        time.Time
	Stale             bool
}

// Source resolves prices. The second return is false when the model was
// unknown and the fallback default was used; the Price is still usable.
type Source interface {
	Price(provider, model string) (Price, bool)
}

// Table is the in-process pricing source.
type Table struct {
	mu         sync.RWMutex
	entries    map[string]Price // key: provider + "/" + model
	fallback   Price
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithStaleAfter overrides the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Table) { t.staleAfter = d }
}

// withClock is used by tests to control staleness evaluation.
func withClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// NewTable builds a Table pre-loaded with the built-in price list.
func NewTable(opts ...Option) *Table {
	t := &Table{
		entries:    make(map[string]Price, len(builtinPrices)),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		// Fallback: priced like a mid-range frontier model so unknown
		// models never show up as free in the accounting stream.
		fallback: Price{
			InputPerTok:  2.50 / 1_000_000,
			OutputPerTok: 10.00 / 1_000_000,
		},
	}
	for _, o := range opts {
		o(t)
	}
	for k, v := range builtinPrices {
		t.entries[k] = v
	}
	return t
}

// Price returns the price for provider/model. Unknown models resolve to the
// fallback with ok=false. The returned Stale flag reflects the verification
// age at call time.
func (t *Table) Price(provider, model string) (Price, bool) {
	t.mu.RLock()
	p, ok := t.entries[provider+"/"+model]
	t.mu.RUnlock()

	if !ok {
		// Versioned model names ("gpt-4o-2024-08-06") fall back to the base.
		if base := basePriceKey(provider, model); base != "" {
			t.mu.RLock()
			p, ok = t.entries[base]
			t.mu.RUnlock()
		}
	}
	if !ok {
		p = t.fallback
	}

	if p.VerifiedAt.IsZero() || t.now().Sub(p.VerifiedAt) > t.staleAfter {
		p.Stale = true
	}
	return p, ok
}

// Set inserts or replaces a price entry, marking it verified now. Used by
// deployments that sync prices from an external table.
func (t *Table) Set(provider, model string, p Price) {
	if p.VerifiedAt.IsZero() {
		p.VerifiedAt = t.now()
	}
	t.mu.Lock()
	t.entries[provider+"/"+model] = p
	t.mu.Unlock()
}

// basePriceKey strips a trailing date or version suffix from a model name so
// "claude-3-5-sonnet-20241022" resolves to "claude-3-5-sonnet" pricing.
func basePriceKey(provider, model string) string {
	i := strings.LastIndexByte(model, '-')
	if i <= 0 {
		return ""
	}
	suffix := model[i+1:]
	if len(suffix) < 4 {
		return ""
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return ""
		}
	}
	return provider + "/" + model[:i]
}

// priceVerified is the verification date of the built-in list.
var priceVerified = time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

func usd(inPerM, outPerM, cachedPerM float64) Price {
	return Price{
		InputPerTok:       inPerM / 1_000_000,
		OutputPerTok:      outPerM / 1_000_000,
		CachedInputPerTok: cachedPerM / 1_000_000,
		VerifiedAt:        priceVerified,
	}
}

// builtinPrices: USD per 1M tokens (input, output, cached-input).
var builtinPrices = map[string]Price{
	// OpenAI
	"openai/gpt-4o":                 usd(2.50, 10.00, 1.25),
	"openai/gpt-4o-mini":            usd(0.15, 0.60, 0.075),
	"openai/gpt-4.1":                usd(2.00, 8.00, 0.50),
	"openai/gpt-4.1-mini":           usd(0.40, 1.60, 0.10),
	"openai/gpt-4.1-nano":           usd(0.10, 0.40, 0.025),
	"openai/o3":                     usd(2.00, 8.00, 0.50),
	"openai/o3-mini":                usd(1.10, 4.40, 0.55),
	"openai/o4-mini":                usd(1.10, 4.40, 0.275),
	"openai/gpt-3.5-turbo":          usd(0.50, 1.50, 0),
	"openai/text-embedding-3-small": usd(0.02, 0, 0),
	"openai/text-embedding-3-large": usd(0.13, 0, 0),

	// Anthropic
	"anthropic/claude-3-5-sonnet": usd(3.00, 15.00, 0.30),
	"anthropic/claude-3-5-haiku":  usd(0.80, 4.00, 0.08),
	"anthropic/claude-3-opus":     usd(15.00, 75.00, 1.50),
	"anthropic/claude-3-haiku":    usd(0.25, 1.25, 0.03),
	"anthropic/claude-sonnet-4":   usd(3.00, 15.00, 0.30),
	"anthropic/claude-opus-4":     usd(15.00, 75.00, 1.50),
	"anthropic/claude-haiku-4":    usd(1.00, 5.00, 0.10),

	// Groq
	"groq/llama-3.3-70b-versatile": usd(0.59, 0.79, 0),
	"groq/llama-3.1-8b-instant":    usd(0.05, 0.08, 0),
	"groq/gemma2-9b-it":            usd(0.20, 0.20, 0),

	// Gemini
	"gemini/gemini-2.0-flash": usd(0.10, 0.40, 0.025),
	"gemini/gemini-2.5-pro":   usd(1.25, 10.00, 0.31),
	"gemini/gemini-2.5-flash": usd(0.30, 2.50, 0.075),
	"gemini/gemini-1.5-pro":   usd(1.25, 5.00, 0.3125),
	"gemini/gemini-1.5-flash": usd(0.075, 0.30, 0.01875),
}
