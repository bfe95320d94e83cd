package providers

import (
	"net/http"
	"testing"
	"time"
)

func TestResolveProvider(t *testing.T) {
	tests := []struct {
		model        string
		wantProvider string
		wantModel    string
	}{
		{"gpt-4o", "openai", "gpt-4o"},
		{"gpt-4o-2024-08-06", "openai", "gpt-4o-2024-08-06"},
		{"o3-mini", "openai", "o3-mini"},
		{"text-embedding-3-small", "openai", "text-embedding-3-small"},
		{"claude-sonnet-4", "anthropic", "claude-sonnet-4"},
		{"claude-3-5-haiku-20241022", "anthropic", "claude-3-5-haiku-20241022"},
		{"gemini-2.0-flash", "gemini", "gemini-2.0-flash"},
		{"gemma-3-27b-it", "gemini", "gemma-3-27b-it"},
		{"llama-3.1-8b-instant", "groq", "llama-3.1-8b-instant"},
		{"mixtral-8x7b-32768", "groq", "mixtral-8x7b-32768"},
		{"anthropic/claude-sonnet-4", "anthropic", "claude-sonnet-4"},
		{"groq/llama-3.3-70b-versatile", "groq", "llama-3.3-70b-versatile"},
		{"my-custom-finetune", "openai", "my-custom-finetune"},
	}

	for _, tt := range tests {
		provider, model := ResolveProvider(tt.model)
		if provider != tt.wantProvider || model != tt.wantModel {
			t.Errorf("ResolveProvider(%q) = (%s, %s), want (%s, %s)",
				tt.model, provider, model, tt.wantProvider, tt.wantModel)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, ErrAuth},
		{403, ErrAuth},
		{429, ErrRateLimited},
		{400, ErrInvalid},
		{404, ErrInvalid},
		{422, ErrInvalid},
		{500, ErrServer},
		{503, ErrServer},
		{418, ErrServer},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestAsProviderError(t *testing.T) {
	pe := NewError("openai", 429, "slow down")
	got, ok := AsProviderError(pe)
	if !ok || got.Kind != ErrRateLimited {
		t.Errorf("AsProviderError = (%v, %v)", got, ok)
	}

	if _, ok := AsProviderError(errPlain); ok {
		t.Error("plain error must not unwrap to ProviderError")
	}
}

var errPlain = errEmpty{}

type errEmpty struct{}

func (errEmpty) Error() string { return "plain" }

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{" 30 ", 30 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.value); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}

	// HTTP-date form yields the remaining delta.
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(future); got <= 0 || got > 90*time.Second {
		t.Errorf("ParseRetryAfter(http date) = %v", got)
	}
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("ParseRetryAfter(past date) = %v, want 0", got)
	}
}
