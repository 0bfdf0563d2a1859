package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

type stubSource struct {
	name    string
	tools   []providers.Tool
	results map[string]string
	err     error

	mu      sync.Mutex
	invoked []string
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) ListTools(context.Context) ([]providers.Tool, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tools, nil
}

func (s *stubSource) Invoke(ctx context.Context, call providers.ToolCall) (string, error) {
	s.mu.Lock()
	s.invoked = append(s.invoked, call.Name)
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.results[call.Name], nil
}

func (s *stubSource) Close() error { return nil }

func tools(names ...string) []providers.Tool {
	out := make([]providers.Tool, len(names))
	for i, n := range names {
		out[i] = providers.Tool{Name: n}
	}
	return out
}

func TestParseFilters(t *testing.T) {
	f := ParseFilters(map[string]string{
		MetaIncludeSources: "fs, search",
		MetaExcludeTools:   "rm",
	})
	if len(f.IncludeSources) != 2 || f.IncludeSources[1] != "search" {
		t.Errorf("include sources %v", f.IncludeSources)
	}
	if len(f.ExcludeTools) != 1 || f.ExcludeTools[0] != "rm" {
		t.Errorf("exclude tools %v", f.ExcludeTools)
	}
	if len(f.IncludeTools) != 0 {
		t.Errorf("unexpected include tools %v", f.IncludeTools)
	}
}

func TestAugment_AppendsCatalogInOrder(t *testing.T) {
	m := NewManager(nil, []Source{
		&stubSource{name: "fs", tools: tools("read", "write")},
		&stubSource{name: "web", tools: tools("search")},
	})

	req := &providers.Request{Model: "gpt-4o"}
	out, err := m.Augment(context.Background(), req, Filters{})
	if err != nil {
		t.Fatalf("augment: %v", err)
	}

	got := make([]string, len(out.Params.Tools))
	for i, tool := range out.Params.Tools {
		got[i] = tool.Name
	}
	want := []string{"read", "write", "search"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("catalog order broken: %v", got)
		}
	}
	// The original request is untouched.
	if len(req.Params.Tools) != 0 {
		t.Error("augment mutated the input request")
	}
}

func TestAugment_FilterPrecedence(t *testing.T) {
	m := NewManager(nil, []Source{
		&stubSource{name: "fs", tools: tools("read", "write", "rm")},
		&stubSource{name: "web", tools: tools("search")},
	})

	cases := []struct {
		name string
		f    Filters
		want []string
	}{
		{"include sources wins", Filters{IncludeSources: []string{"web"}}, []string{"search"}},
		{"excludes after includes", Filters{
			IncludeSources: []string{"fs"},
			ExcludeTools:   []string{"rm"},
		}, []string{"read", "write"}},
		{"include tools", Filters{IncludeTools: []string{"rm", "search"}}, []string{"rm", "search"}},
		{"exclude source", Filters{ExcludeSources: []string{"fs"}}, []string{"search"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := m.Augment(context.Background(), &providers.Request{}, tc.f)
			if err != nil {
				t.Fatalf("augment: %v", err)
			}
			if len(out.Params.Tools) != len(tc.want) {
				t.Fatalf("got %d tools, want %d", len(out.Params.Tools), len(tc.want))
			}
			for i, w := range tc.want {
				if out.Params.Tools[i].Name != w {
					t.Errorf("tool[%d] = %s, want %s", i, out.Params.Tools[i].Name, w)
				}
			}
		})
	}
}

func TestAugment_CallerToolsKeepPrecedence(t *testing.T) {
	m := NewManager(nil, []Source{
		&stubSource{name: "fs", tools: []providers.Tool{{Name: "read", Description: "from source"}}},
	})

	req := &providers.Request{
		Params: providers.Params{Tools: []providers.Tool{{Name: "read", Description: "from caller"}}},
	}
	out, err := m.Augment(context.Background(), req, Filters{})
	if err != nil {
		t.Fatalf("augment: %v", err)
	}
	if len(out.Params.Tools) != 1 || out.Params.Tools[0].Description != "from caller" {
		t.Errorf("caller tool overridden: %+v", out.Params.Tools)
	}
}

func TestExecute_ResultsKeyedByCallID(t *testing.T) {
	src := &stubSource{
		name:    "fs",
		tools:   tools("read", "write"),
		results: map[string]string{"read": "file contents", "write": "done"},
	}
	m := NewManager(nil, []Source{src})
	if _, err := m.Augment(context.Background(), &providers.Request{}, Filters{}); err != nil {
		t.Fatalf("augment: %v", err)
	}

	msgs, err := m.Execute(context.Background(), []providers.ToolCall{
		{ID: "c1", Name: "read"},
		{ID: "c2", Name: "write"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].ToolCallID != "c1" || msgs[0].Content != "file contents" {
		t.Errorf("msg[0] = %+v", msgs[0])
	}
	if msgs[1].ToolCallID != "c2" || msgs[1].Content != "done" {
		t.Errorf("msg[1] = %+v", msgs[1])
	}
	if msgs[0].Role != providers.RoleTool || msgs[0].Name != "read" {
		t.Errorf("tool message shape wrong: %+v", msgs[0])
	}
}

func TestExecute_UnknownToolBecomesContent(t *testing.T) {
	m := NewManager(nil, []Source{&stubSource{name: "fs", tools: tools("read")}})
	if _, err := m.Augment(context.Background(), &providers.Request{}, Filters{}); err != nil {
		t.Fatalf("augment: %v", err)
	}

	msgs, err := m.Execute(context.Background(), []providers.ToolCall{{ID: "c1", Name: "ghost"}})
	if err != nil {
		t.Fatalf("unknown tools must not fail the request: %v", err)
	}
	if msgs[0].Content != "unknown tool: ghost" {
		t.Errorf("content %q", msgs[0].Content)
	}
}

func TestExecute_UnreachableSourceFails(t *testing.T) {
	src := &stubSource{name: "fs", tools: tools("read")}
	m := NewManager(nil, []Source{src})
	if _, err := m.Augment(context.Background(), &providers.Request{}, Filters{}); err != nil {
		t.Fatalf("augment: %v", err)
	}

	src.err = &providers.Error{Kind: providers.KindToolExecution, Message: "pipe closed"}
	_, err := m.Execute(context.Background(), []providers.ToolCall{{ID: "c1", Name: "read"}})
	if err == nil {
		t.Fatal("expected error")
	}
	var gerr *providers.Error
	if !errors.As(err, &gerr) || gerr.Kind != providers.KindToolExecution {
		t.Errorf("expected tool_execution, got %v", err)
	}
}

func TestExecute_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &stubSource{name: "fs", tools: tools("read"), results: map[string]string{"read": "x"}}
	m := NewManager(nil, []Source{src})
	if _, err := m.Augment(context.Background(), &providers.Request{}, Filters{}); err != nil {
		t.Fatalf("augment: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Execute(ctx, []providers.ToolCall{{ID: "c1", Name: "read"}})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("execute did not return under canceled context")
	}
}

func TestAugment_NoSourcesPassThrough(t *testing.T) {
	m := NewManager(nil, nil)
	req := &providers.Request{Model: "gpt-4o"}
	out, err := m.Augment(context.Background(), req, Filters{})
	if err != nil || out != req {
		t.Errorf("no-source manager must pass the request through, out=%p err=%v", out, err)
	}
	if m.HasSources() {
		t.Error("HasSources on empty manager")
	}
}
