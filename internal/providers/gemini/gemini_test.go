package gemini

import (
	"errors"
	"testing"

	"google.golang.org/genai"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

func TestPrepare_ContentsAndConfig(t *testing.T) {
	a := New()
	temp := 0.4
	req := &providers.Request{
		Model: "gemini-2.0-flash",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "short answers"},
			{Role: providers.RoleUser, Content: "hi"},
			{Role: providers.RoleAssistant, Content: "hello"},
		},
		Params: providers.Params{
			Temperature: &temp,
			MaxTokens:   100,
			Tools:       []providers.Tool{{Name: "lookup", Parameters: []byte(`{"type":"object"}`)}},
		},
	}

	wire, err := a.Prepare(req, "AIza-test")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	w := wire.(*wireRequest)

	if len(w.contents) != 2 {
		t.Errorf("system turn leaked into contents: %d", len(w.contents))
	}
	if w.cfg.SystemInstruction == nil || w.cfg.SystemInstruction.Parts[0].Text != "short answers" {
		t.Error("system instruction missing")
	}
	if w.cfg.Temperature == nil || *w.cfg.Temperature != 0.4 {
		t.Errorf("temperature lost: %v", w.cfg.Temperature)
	}
	if w.cfg.MaxOutputTokens != 100 {
		t.Errorf("max tokens lost: %d", w.cfg.MaxOutputTokens)
	}
	if len(w.cfg.Tools) != 1 || len(w.cfg.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools lost: %+v", w.cfg.Tools)
	}
	if w.cfg.Tools[0].FunctionDeclarations[0].Name != "lookup" {
		t.Error("function declaration name wrong")
	}
}

func TestPrepare_ToolResultMessage(t *testing.T) {
	a := New()
	req := &providers.Request{
		Model: "gemini-2.0-flash",
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: "look"},
			{Role: providers.RoleAssistant, ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`},
			}},
			{Role: providers.RoleTool, ToolCallID: "c1", Name: "lookup", Content: "42"},
		},
	}

	wire, err := a.Prepare(req, "AIza-test")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	w := wire.(*wireRequest)
	if len(w.contents) != 3 {
		t.Fatalf("contents %d", len(w.contents))
	}

	model := w.contents[1]
	if model.Role != genai.RoleModel || model.Parts[0].FunctionCall == nil {
		t.Errorf("assistant tool call turn wrong: %+v", model)
	}
	toolTurn := w.contents[2]
	fr := toolTurn.Parts[0].FunctionResponse
	if fr == nil || fr.Name != "lookup" || fr.Response["result"] != "42" {
		t.Errorf("function response wrong: %+v", fr)
	}
}

func TestPrepare_NoKey(t *testing.T) {
	a := New()
	_, err := a.Prepare(&providers.Request{Model: "gemini-2.0-flash"}, "")
	var gerr *providers.Error
	if !errors.As(err, &gerr) || gerr.Kind != providers.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestParse_Candidates(t *testing.T) {
	a := New()
	resp := &genai.GenerateContentResponse{
		ResponseID: "r1",
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: "pong"}},
			},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     5,
			CandidatesTokenCount: 2,
			TotalTokenCount:      7,
		},
	}

	out, err := a.Parse(&wireResponse{model: "gemini-2.0-flash", resp: resp})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.FirstContent() != "pong" || out.Model != "gemini-2.0-flash" {
		t.Errorf("response %+v", out)
	}
	if out.Usage.TotalTokens != 7 {
		t.Errorf("usage %+v", out.Usage)
	}
}

func TestParse_FunctionCalls(t *testing.T) {
	a := New()
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: genai.RoleModel,
				Parts: []*genai.Part{{
					FunctionCall: &genai.FunctionCall{
						ID:   "c1",
						Name: "lookup",
						Args: map[string]any{"q": "x"},
					},
				}},
			},
		}},
	}

	out, err := a.Parse(&wireResponse{model: "gemini-2.0-flash", resp: resp})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	calls := out.FirstToolCalls()
	if len(calls) != 1 || calls[0].Name != "lookup" {
		t.Fatalf("tool calls %+v", calls)
	}
	if out.Choices[0].FinishReason != providers.FinishToolCalls {
		t.Errorf("finish reason %s", out.Choices[0].FinishReason)
	}
}

func TestParse_EmptyResponse(t *testing.T) {
	a := New()
	_, err := a.Parse(&wireResponse{resp: &genai.GenerateContentResponse{}})
	var gerr *providers.Error
	if !errors.As(err, &gerr) || gerr.Kind != providers.KindUpstreamMalformed {
		t.Fatalf("expected upstream_malformed, got %v", err)
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	base, ver := splitBaseURLAndVersion("https://generativelanguage.googleapis.com/v1beta")
	if ver != "v1beta" {
		t.Errorf("version %q", ver)
	}
	if base != "https://generativelanguage.googleapis.com/" {
		t.Errorf("base %q", base)
	}

	base, ver = splitBaseURLAndVersion("http://localhost:8080")
	if ver != "" || base != "http://localhost:8080/" {
		t.Errorf("base=%q ver=%q", base, ver)
	}
}
