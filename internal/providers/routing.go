package providers

import "strings"

// DefaultProvider receives models with no alias entry and no recognizable
// prefix. Unknown models are almost always OpenAI-compatible fine-tunes.
const DefaultProvider = "openai"

// modelAliases maps exact model names to provider names. Prefix inference
// below covers dated variants; this table pins the names that do not follow
// a prefix convention.
var modelAliases = map[string]string{
	// OpenAI
	"gpt-4o":                 "openai",
	"gpt-4o-mini":            "openai",
	"gpt-4.1":                "openai",
	"gpt-4.1-mini":           "openai",
	"gpt-4.1-nano":           "openai",
	"gpt-4-turbo":            "openai",
	"gpt-3.5-turbo":          "openai",
	"gpt-3.5-turbo-instruct": "openai",
	"o1":                     "openai",
	"o1-mini":                "openai",
	"o3":                     "openai",
	"o3-mini":                "openai",
	"o4-mini":                "openai",
	"text-embedding-3-small": "openai",
	"text-embedding-3-large": "openai",
	"text-embedding-ada-002": "openai",

	// Groq (OpenAI-compatible)
	"llama-3.3-70b-versatile": "groq",
	"llama-3.1-8b-instant":    "groq",
	"llama3-70b-8192":         "groq",
	"llama3-8b-8192":          "groq",
	"gemma2-9b-it":            "groq",

	// Gemini embeddings
	"text-embedding-004": "gemini",
	"embedding-001":      "gemini",
}

// ResolveProvider maps a client-supplied model name to a provider name.
// Resolution order: explicit "provider/model" override, exact alias, then
// family-prefix inference, then DefaultProvider.
func ResolveProvider(model string) (provider, cleanModel string) {
	// "anthropic/claude-sonnet-4" pins the provider explicitly.
	if i := strings.IndexByte(model, '/'); i > 0 {
		prefix := model[:i]
		switch prefix {
		case "openai", "anthropic", "gemini", "groq":
			return prefix, model[i+1:]
		}
	}

	if p, ok := modelAliases[model]; ok {
		return p, model
	}

	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic", model
	case strings.HasPrefix(model, "gemini") || strings.HasPrefix(model, "gemma-"):
		return "gemini", model
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") ||
		strings.HasPrefix(model, "text-embedding"):
		return "openai", model
	case strings.HasPrefix(model, "llama") || strings.HasPrefix(model, "mixtral"):
		return "groq", model
	}

	return DefaultProvider, model
}
