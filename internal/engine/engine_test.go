package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/mcp"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// fakeSource is a scriptable mcp.Source.
type fakeSource struct {
	name      string
	tools     []providers.Tool
	results   map[string]string
	listCalls atomic.Int32
	invokeErr error
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) ListTools(context.Context) ([]providers.Tool, error) {
	s.listCalls.Add(1)
	return s.tools, nil
}

func (s *fakeSource) Invoke(_ context.Context, call providers.ToolCall) (string, error) {
	if s.invokeErr != nil {
		return "", s.invokeErr
	}
	if r, ok := s.results[call.Name]; ok {
		return r, nil
	}
	return "no result", nil
}

func (s *fakeSource) Close() error { return nil }

func toolCallResponse(model string, calls ...providers.ToolCall) *providers.Response {
	return &providers.Response{
		ID:    "resp-tools",
		Model: model,
		Choices: []providers.Choice{{
			FinishReason: providers.FinishToolCalls,
			Message: providers.Message{
				Role:      providers.RoleAssistant,
				ToolCalls: calls,
			},
		}},
		Usage: providers.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4},
	}
}

func TestHandle_HappyPath(t *testing.T) {
	adapter := newFakeAdapter("openai", okResponse("pong"))
	e := newTestEngine(t, Options{}, spec(adapter))

	resp, err := e.Handle(context.Background(), testRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.FirstContent() != "pong" {
		t.Errorf("content %q", resp.FirstContent())
	}
	if len(resp.Attempts) != 1 || !resp.Attempts[0].OK || resp.Attempts[0].Provider != "openai" {
		t.Errorf("attempts %+v", resp.Attempts)
	}
	if resp.ToolRounds != 0 {
		t.Errorf("tool rounds %d", resp.ToolRounds)
	}
	if resp.Latency <= 0 {
		t.Error("latency not recorded")
	}
}

func TestHandle_AssignsRequestID(t *testing.T) {
	adapter := newFakeAdapter("openai", okResponse("ok"))
	e := newTestEngine(t, Options{}, spec(adapter))

	req := testRequest("gpt-4o")
	req.RequestID = ""
	if _, err := e.Handle(context.Background(), req); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if req.RequestID == "" {
		t.Error("request id not assigned")
	}
}

func TestHandle_ToolLoop(t *testing.T) {
	var sawToolResult atomic.Bool
	adapter := newFakeAdapter("openai", nil)
	adapter.respond = func(call int, req *providers.Request) (*providers.Response, error) {
		if call == 1 {
			return toolCallResponse(req.Model, providers.ToolCall{
				ID: "t1", Name: "answer", Arguments: `{"q":"life"}`,
			}), nil
		}
		for _, m := range req.Messages {
			if m.Role == providers.RoleTool && m.Content == "42" && m.ToolCallID == "t1" {
				sawToolResult.Store(true)
			}
		}
		return okResponse("the answer is 42")(call, req)
	}

	source := &fakeSource{
		name:    "calc",
		tools:   []providers.Tool{{Name: "answer", Parameters: []byte(`{"type":"object"}`)}},
		results: map[string]string{"answer": "42"},
	}
	tools := mcp.NewManager(nil, []mcp.Source{source})

	e := newTestEngine(t, Options{Tools: tools}, spec(adapter))

	resp, err := e.Handle(context.Background(), testRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.FirstContent() != "the answer is 42" {
		t.Errorf("content %q", resp.FirstContent())
	}
	if resp.ToolRounds != 1 {
		t.Errorf("tool rounds = %d, want 1", resp.ToolRounds)
	}
	if !sawToolResult.Load() {
		t.Error("re-prompt did not carry the tool result message")
	}
	// Usage accumulates across rounds.
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("accumulated total tokens = %d, want 6", resp.Usage.TotalTokens)
	}
}

func TestHandle_ToolRoundBudget(t *testing.T) {
	adapter := newFakeAdapter("openai", nil)
	adapter.respond = func(call int, req *providers.Request) (*providers.Response, error) {
		return toolCallResponse(req.Model, providers.ToolCall{
			ID: fmt.Sprintf("t%d", call), Name: "loop", Arguments: `{}`,
		}), nil
	}

	source := &fakeSource{
		name:    "looper",
		tools:   []providers.Tool{{Name: "loop"}},
		results: map[string]string{"loop": "again"},
	}
	tools := mcp.NewManager(nil, []mcp.Source{source}, mcp.WithRoundBudget(4))

	e := newTestEngine(t, Options{Tools: tools}, spec(adapter))

	resp, err := e.Handle(context.Background(), testRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.ToolRounds != 4 {
		t.Errorf("tool rounds = %d, want exactly the budget", resp.ToolRounds)
	}
	if got := resp.Choices[0].FinishReason; got != providers.FinishToolCalls {
		t.Errorf("finish reason %q must be preserved", got)
	}
	// Initial attempt plus one call per round.
	if adapter.callCount() != 5 {
		t.Errorf("adapter calls = %d, want 5", adapter.callCount())
	}
	if s := e.PoolStats(); s.Acquired != s.Released {
		t.Errorf("pool leak: %+v", s)
	}
}

func TestHandle_ClientSideToolsSkipLoop(t *testing.T) {
	adapter := newFakeAdapter("openai", nil)
	adapter.respond = func(call int, req *providers.Request) (*providers.Response, error) {
		return toolCallResponse(req.Model, providers.ToolCall{ID: "t1", Name: "x"}), nil
	}
	source := &fakeSource{name: "s", tools: []providers.Tool{{Name: "x"}}}
	tools := mcp.NewManager(nil, []mcp.Source{source})

	e := newTestEngine(t, Options{Tools: tools}, spec(adapter))

	req := testRequest("gpt-4o")
	req.ClientSideTools = true

	resp, err := e.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(resp.FirstToolCalls()) != 1 || resp.ToolRounds != 0 {
		t.Errorf("tool calls must be returned verbatim: %+v rounds=%d", resp.FirstToolCalls(), resp.ToolRounds)
	}
}

func TestHandle_PluginRejectSkipsDispatch(t *testing.T) {
	adapter := newFakeAdapter("openai", okResponse("unreachable"))

	var trace []string
	reject := &recordingPlugin{name: "auth", trace: &trace, preFn: func(*providers.Request) (*providers.Request, *providers.Response, error) {
		return nil, nil, &providers.Error{Kind: providers.KindPluginReject, Message: "denied"}
	}}

	e := newTestEngine(t, Options{Plugins: []Plugin{reject}}, spec(adapter))

	_, err := e.Handle(context.Background(), testRequest("gpt-4o"))
	if err == nil {
		t.Fatal("expected error")
	}
	var gerr *providers.Error
	if !errors.As(err, &gerr) || gerr.Kind != providers.KindPluginReject {
		t.Errorf("expected plugin_reject, got %v", err)
	}
	if adapter.callCount() != 0 {
		t.Error("provider called despite plugin reject")
	}
	// First plugin rejected → no posts at all.
	want := []string{"auth:pre"}
	if fmt.Sprint(trace) != fmt.Sprint(want) {
		t.Errorf("trace %v, want %v", trace, want)
	}
}

func TestHandle_ShortCircuitSkipsDispatchAndTools(t *testing.T) {
	adapter := newFakeAdapter("openai", okResponse("unreachable"))
	source := &fakeSource{name: "s", tools: []providers.Tool{{Name: "x"}}}
	tools := mcp.NewManager(nil, []mcp.Source{source})

	var trace []string
	synthetic := &providers.Response{ID: "cached", Choices: []providers.Choice{{
		FinishReason: providers.FinishStop,
		Message:      providers.Message{Role: providers.RoleAssistant, Content: "from cache"},
	}}}
	cachePlugin := &recordingPlugin{name: "cache", trace: &trace, preFn: func(*providers.Request) (*providers.Request, *providers.Response, error) {
		return nil, synthetic, nil
	}}
	outer := &recordingPlugin{name: "outer", trace: &trace}

	e := newTestEngine(t, Options{Plugins: []Plugin{outer, cachePlugin}, Tools: tools}, spec(adapter))

	resp, err := e.Handle(context.Background(), testRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.FirstContent() != "from cache" {
		t.Errorf("content %q", resp.FirstContent())
	}
	if adapter.callCount() != 0 {
		t.Error("dispatch ran despite short-circuit")
	}
	if source.listCalls.Load() != 0 {
		t.Error("tool discovery ran despite short-circuit")
	}
	want := []string{"outer:pre", "cache:pre", "outer:post"}
	if fmt.Sprint(trace) != fmt.Sprint(want) {
		t.Errorf("trace %v, want %v", trace, want)
	}
}

func TestHandle_CancellationLiveness(t *testing.T) {
	adapter := newFakeAdapter("openai", okResponse("slow"))
	adapter.delay = 60 * time.Second
	e := newTestEngine(t, Options{}, spec(adapter))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Handle(ctx, testRequest("gpt-4o"))
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected cancellation error")
	}
	var agg *providers.AggregateError
	if !errors.As(err, &agg) || agg.Kind != providers.KindCanceled {
		t.Errorf("expected canceled, got %v", err)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("cancellation took %v, expected prompt return", elapsed)
	}

	// Let the worker observe the cancellation and settle the sink handoff.
	time.Sleep(50 * time.Millisecond)
	if s := e.PoolStats(); s.Acquired != s.Released {
		t.Errorf("pool leak after cancellation: %+v", s)
	}
}

func TestHandle_DeadlineApplied(t *testing.T) {
	adapter := newFakeAdapter("openai", okResponse("slow"))
	adapter.delay = time.Hour
	e := newTestEngine(t, Options{RequestTimeout: 50 * time.Millisecond, SubmitTimeout: 20 * time.Millisecond}, spec(adapter))

	start := time.Now()
	_, err := e.Handle(context.Background(), testRequest("gpt-4o"))
	if err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > time.Second {
		t.Errorf("engine deadline not enforced: %v", time.Since(start))
	}
}

func TestHandle_ToolSourceUnreachable(t *testing.T) {
	adapter := newFakeAdapter("openai", nil)
	adapter.respond = func(call int, req *providers.Request) (*providers.Response, error) {
		return toolCallResponse(req.Model, providers.ToolCall{ID: "t1", Name: "x"}), nil
	}
	source := &fakeSource{
		name:      "dead",
		tools:     []providers.Tool{{Name: "x"}},
		invokeErr: &providers.Error{Kind: providers.KindToolExecution, Message: "session lost"},
	}
	tools := mcp.NewManager(nil, []mcp.Source{source})

	e := newTestEngine(t, Options{Tools: tools}, spec(adapter))

	_, err := e.Handle(context.Background(), testRequest("gpt-4o"))
	if err == nil {
		t.Fatal("expected tool_execution error")
	}
	var gerr *providers.Error
	if !errors.As(err, &gerr) || gerr.Kind != providers.KindToolExecution {
		t.Errorf("expected tool_execution, got %v", err)
	}
}

func TestEngine_HealthSnapshot(t *testing.T) {
	e := newTestEngine(t, Options{},
		spec(newFakeAdapter("openai", okResponse("a"))),
		spec(newFakeAdapter("anthropic", okResponse("b"))),
	)

	snap := e.Health()
	if snap.Status != "ok" || len(snap.Providers) != 2 {
		t.Fatalf("snapshot %+v", snap)
	}
	// Sorted by provider name.
	if snap.Providers[0].Provider != "anthropic" || snap.Providers[1].Provider != "openai" {
		t.Errorf("providers not sorted: %+v", snap.Providers)
	}
	if snap.Providers[0].Concurrency != 2 || len(snap.Providers[0].Keys) != 1 {
		t.Errorf("pool sizing missing: %+v", snap.Providers[0])
	}
}
