package gemini

import (
	"context"
	"testing"

	"google.golang.org/genai"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/llm"
	"github.com/harunnryd/duplex/pkg/resilience"
)

func TestToContentsMergesRoles(t *testing.T) {
	in := llm.Context{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleUser, Content: "are you there"},
		{Role: llm.RoleAssistant, Content: "yes"},
	}}
	got := toContents(in)
	if len(got) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(got))
	}
	if got[0].Role != string(genai.RoleUser) || len(got[0].Parts) != 2 {
		t.Fatalf("unexpected first content %+v", got[0])
	}
	if got[1].Role != string(genai.RoleModel) || got[1].Parts[0].Text != "yes" {
		t.Fatalf("unexpected second content %+v", got[1])
	}
}

func TestRequestCarriesSystemInstruction(t *testing.T) {
	a := &Adapter{cfg: Config{Model: "m", Temperature: 0.3, MaxTokens: 64}}
	_, cfg := a.request(llm.Context{Messages: []llm.Message{{Role: llm.RoleSystem, Content: "be brief"}}})
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("missing system instruction")
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.3 || cfg.MaxOutputTokens != 64 {
		t.Fatalf("unexpected generation config %+v", cfg)
	}
}

func TestClassify(t *testing.T) {
	err := classify(genai.APIError{Code: 429, Message: "quota"}, errorsx.ReasonLLMStream)
	if !resilience.IsRateLimit(err) || errorsx.Reason(err) != errorsx.ReasonLLMRateLimit {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if errorsx.KindOf(classify(genai.APIError{Code: 503}, errorsx.ReasonLLMStream)) != errorsx.KindTransient {
		t.Fatalf("expected 503 to be transient")
	}
	if errorsx.KindOf(classify(context.Canceled, errorsx.ReasonLLMStream)) != errorsx.KindCanceled {
		t.Fatalf("expected cancellation to pass through")
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
