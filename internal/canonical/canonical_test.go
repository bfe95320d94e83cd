package canonical

import (
	"strings"
	"testing"
)

func mustParse(t *testing.T, body string, endpoint Endpoint) *Request {
	t.Helper()
	req, err := Parse([]byte(body), endpoint, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return req
}

func TestParseRejectsBadBodies(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		endpoint Endpoint
	}{
		{"invalid json", `{oops`, EndpointChat},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, EndpointChat},
		{"empty messages", `{"model":"gpt-4o","messages":[]}`, EndpointChat},
		{"missing prompt", `{"model":"gpt-4o"}`, EndpointCompletions},
		{"missing input", `{"model":"text-embedding-3-small"}`, EndpointEmbeddings},
		{"empty input list", `{"model":"text-embedding-3-small","input":[]}`, EndpointEmbeddings},
		{"bad prompt type", `{"model":"gpt-4o","prompt":42}`, EndpointCompletions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body), tt.endpoint, 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if _, ok := err.(*BadRequestError); !ok {
				t.Errorf("error type = %T, want *BadRequestError", err)
			}
		})
	}
}

func TestParseBodySizeLimit(t *testing.T) {
	big := `{"model":"gpt-4o","messages":[{"role":"user","content":"` +
		strings.Repeat("x", 100) + `"}]}`
	if _, err := Parse([]byte(big), EndpointChat, 64); err == nil {
		t.Fatal("oversized body accepted")
	}
}

func TestFingerprintDeterminism(t *testing.T) {
	a := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, EndpointChat)
	b := mustParse(t, `{"messages":[{"role":"user","content":"hi"}],"model":"gpt-4o"}`, EndpointChat)
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("key order changed the fingerprint")
	}

	c := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"bye"}]}`, EndpointChat)
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different content produced the same fingerprint")
	}
}

func TestDefaultParametersElided(t *testing.T) {
	bare := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, EndpointChat)
	explicit := mustParse(t,
		`{"model":"gpt-4o","temperature":1,"top_p":1,"n":1,"messages":[{"role":"user","content":"hi"}]}`,
		EndpointChat)

	if bare.Fingerprint() != explicit.Fingerprint() {
		t.Error("explicit defaults fragmented the fingerprint")
	}

	cold := mustParse(t,
		`{"model":"gpt-4o","temperature":0,"messages":[{"role":"user","content":"hi"}]}`,
		EndpointChat)
	if bare.Fingerprint() == cold.Fingerprint() {
		t.Error("temperature 0 hashed the same as the default")
	}
}

func TestStreamFlagExcludedFromFingerprint(t *testing.T) {
	unary := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, EndpointChat)
	stream := mustParse(t, `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`, EndpointChat)
	if unary.Fingerprint() != stream.Fingerprint() {
		t.Error("stream flag fragmented the fingerprint")
	}
}

func TestSystemMessagesHoisted(t *testing.T) {
	early := mustParse(t, `{"model":"gpt-4o","messages":[
		{"role":"system","content":"be terse"},
		{"role":"user","content":"hi"}]}`, EndpointChat)
	late := mustParse(t, `{"model":"gpt-4o","messages":[
		{"role":"user","content":"hi"},
		{"role":"system","content":"be terse"}]}`, EndpointChat)

	if early.Fingerprint() != late.Fingerprint() {
		t.Error("system placement fragmented the fingerprint")
	}
	if late.Messages[0].Role != "system" {
		t.Errorf("messages[0].Role = %q, want system", late.Messages[0].Role)
	}
}

func TestWhitespaceNormalization(t *testing.T) {
	plain := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, EndpointChat)
	trailing := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"USER","content":"hi  \n"}]}`, EndpointChat)
	if plain.Fingerprint() != trailing.Fingerprint() {
		t.Error("trailing whitespace or role case fragmented the fingerprint")
	}
}

func TestToolNormalization(t *testing.T) {
	a := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],
		"tools":[{"type":"function","function":{"name":"f","description":"d"}}]}`, EndpointChat)
	b := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],
		"tools":[{"function":{"description":"d","name":"f"},"type":"function"}]}`, EndpointChat)
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("tool key order fragmented the fingerprint")
	}
}

func TestPromptTextProjection(t *testing.T) {
	req := mustParse(t, `{"model":"gpt-4o","messages":[
		{"role":"system","content":"be terse"},
		{"role":"user","content":"explain goroutines"},
		{"role":"assistant","content":"they are lightweight threads"},
		{"role":"tool","content":"lookup result"}]}`, EndpointChat)

	text := req.PromptText()
	if !strings.Contains(text, "system: be terse") || !strings.Contains(text, "user: explain goroutines") {
		t.Errorf("projection missing prompt turns: %q", text)
	}
	if strings.Contains(text, "lightweight threads") || strings.Contains(text, "lookup result") {
		t.Errorf("projection leaked conversation state: %q", text)
	}
}

func TestCacheEligibility(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"plain", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, true},
		{"temperature zero", `{"model":"gpt-4o","temperature":0,"messages":[{"role":"user","content":"hi"}]}`, true},
		{"temperature hot", `{"model":"gpt-4o","temperature":0.7,"messages":[{"role":"user","content":"hi"}]}`, false},
		{"multiple choices", `{"model":"gpt-4o","n":3,"messages":[{"role":"user","content":"hi"}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mustParse(t, tt.body, EndpointChat)
			if got := req.CacheEligible(); got != tt.want {
				t.Errorf("CacheEligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolsRestricted(t *testing.T) {
	withTools := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],
		"tools":[{"type":"function","function":{"name":"f"}}]}`, EndpointChat)
	if !withTools.ToolsRestricted() {
		t.Error("tools without tool_choice should be restricted")
	}

	choiceNone := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],
		"tools":[{"type":"function","function":{"name":"f"}}],"tool_choice":"none"}`, EndpointChat)
	if choiceNone.ToolsRestricted() {
		t.Error("tool_choice none should lift the restriction")
	}

	noTools := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, EndpointChat)
	if noTools.ToolsRestricted() {
		t.Error("no tools should never be restricted")
	}
}

func TestSemanticEligible(t *testing.T) {
	chat := mustParse(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, EndpointChat)
	if !chat.SemanticEligible() {
		t.Error("eligible chat request should allow semantic lookup")
	}

	emb := mustParse(t, `{"model":"text-embedding-3-small","input":"hi"}`, EndpointEmbeddings)
	if emb.SemanticEligible() {
		t.Error("embeddings must be exact-match only")
	}
}

func TestCompletionsPromptForms(t *testing.T) {
	single := mustParse(t, `{"model":"gpt-3.5-turbo-instruct","prompt":"say hi"}`, EndpointCompletions)
	list := mustParse(t, `{"model":"gpt-3.5-turbo-instruct","prompt":["say","hi"]}`, EndpointCompletions)

	if single.Prompt != "say hi" {
		t.Errorf("prompt = %q", single.Prompt)
	}
	if list.Prompt != "say\nhi" {
		t.Errorf("list prompt = %q", list.Prompt)
	}
}

func TestEmbeddingsInputForms(t *testing.T) {
	single := mustParse(t, `{"model":"text-embedding-3-small","input":"alpha"}`, EndpointEmbeddings)
	if len(single.Input) != 1 || single.Input[0] != "alpha" {
		t.Errorf("input = %v", single.Input)
	}

	list := mustParse(t, `{"model":"text-embedding-3-small","input":["alpha","beta"]}`, EndpointEmbeddings)
	if len(list.Input) != 2 {
		t.Errorf("input = %v", list.Input)
	}
}
