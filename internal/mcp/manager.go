package mcp

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Request-metadata keys carrying the per-request tool filters.
const (
	MetaIncludeSources = "mcp-include-sources"
	MetaExcludeSources = "mcp-exclude-sources"
	MetaIncludeTools   = "mcp-include-tools"
	MetaExcludeTools   = "mcp-exclude-tools"
)

// Defaults for the tool loop.
const (
	DefaultRoundBudget = 4
	DefaultConcurrency = 8
)

// Filters narrows the tool set offered to the model. Include lists take
// precedence; excludes apply after includes.
type Filters struct {
	IncludeSources []string
	ExcludeSources []string
	IncludeTools   []string
	ExcludeTools   []string
}

// ParseFilters reads the comma-separated filter lists out of request
// metadata.
func ParseFilters(meta map[string]string) Filters {
	split := func(key string) []string {
		raw, ok := meta[key]
		if !ok || raw == "" {
			return nil
		}
		parts := strings.Split(raw, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return Filters{
		IncludeSources: split(MetaIncludeSources),
		ExcludeSources: split(MetaExcludeSources),
		IncludeTools:   split(MetaIncludeTools),
		ExcludeTools:   split(MetaExcludeTools),
	}
}

// Manager owns the registered tool sources. It materializes the effective
// tool set for a request before dispatch and executes the model's tool
// calls afterwards, routing each call back to the source that advertised
// the tool.
type Manager struct {
	sources []Source // registration order — catalog order follows it

	mu     sync.RWMutex
	owners map[string]Source // tool name → advertising source, first wins

	budget      int
	concurrency int
	log         *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRoundBudget caps tool rounds per request.
func WithRoundBudget(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.budget = n
		}
	}
}

// WithConcurrency caps parallel tool executions within one response.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// NewManager creates a Manager over sources in the given order.
func NewManager(log *slog.Logger, sources []Source, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		sources:     sources,
		owners:      make(map[string]Source),
		budget:      DefaultRoundBudget,
		concurrency: DefaultConcurrency,
		log:         log,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RoundBudget returns the per-request tool round cap.
func (m *Manager) RoundBudget() int { return m.budget }

// HasSources reports whether any tool source is registered.
func (m *Manager) HasSources() bool { return len(m.sources) > 0 }

// Augment resolves the effective tool set for req under f and returns a
// request copy with those tools appended. Caller-supplied tools keep
// precedence on name collisions. The original request is never mutated.
func (m *Manager) Augment(ctx context.Context, req *providers.Request, f Filters) (*providers.Request, error) {
	if len(m.sources) == 0 {
		return req, nil
	}

	discovered := make([]providers.Tool, 0, 16)
	owners := make(map[string]Source)

	for _, src := range m.sources {
		if len(f.IncludeSources) > 0 && !slices.Contains(f.IncludeSources, src.Name()) {
			continue
		}
		if slices.Contains(f.ExcludeSources, src.Name()) {
			continue
		}

		catalog, err := src.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range catalog {
			if len(f.IncludeTools) > 0 && !slices.Contains(f.IncludeTools, t.Name) {
				continue
			}
			if slices.Contains(f.ExcludeTools, t.Name) {
				continue
			}
			if _, dup := owners[t.Name]; dup {
				continue
			}
			owners[t.Name] = src
			discovered = append(discovered, t)
		}
	}

	m.mu.Lock()
	for name, src := range owners {
		m.owners[name] = src
	}
	m.mu.Unlock()

	if len(discovered) == 0 {
		return req, nil
	}

	m.log.DebugContext(ctx, "tools_discovered",
		slog.String("request_id", req.RequestID),
		slog.Int("tools", len(discovered)),
	)

	out := *req
	existing := make(map[string]bool, len(req.Params.Tools))
	merged := make([]providers.Tool, 0, len(req.Params.Tools)+len(discovered))
	for _, t := range req.Params.Tools {
		existing[t.Name] = true
		merged = append(merged, t)
	}
	for _, t := range discovered {
		if !existing[t.Name] {
			merged = append(merged, t)
		}
	}
	out.Params.Tools = merged
	return &out, nil
}

// Execute runs the model's tool calls, at most m.concurrency in flight, and
// returns one tool-role message per call in the original call order. Tool
// failures become message content; only an unreachable source aborts with a
// tool_execution error.
func (m *Manager) Execute(ctx context.Context, calls []providers.ToolCall) ([]providers.Message, error) {
	results := make([]providers.Message, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for i, call := range calls {
		g.Go(func() error {
			results[i] = providers.Message{
				Role:       providers.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
			}

			m.mu.RLock()
			src, ok := m.owners[call.Name]
			m.mu.RUnlock()
			if !ok {
				results[i].Content = "unknown tool: " + call.Name
				return nil
			}

			text, err := src.Invoke(gctx, call)
			if err != nil {
				return err
			}
			results[i].Content = text
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Close shuts every source down, keeping the first error.
func (m *Manager) Close() error {
	var first error
	for _, src := range m.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
