// Package mcp implements the tool-augmentation subsystem: external tool
// sources speaking the Model Context Protocol, catalog filtering, and
// bounded parallel execution of tool calls emitted by a model.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Source is an external tool catalog plus executor. Implementations must be
// safe for concurrent Invoke calls.
//
// Invoke returns an error only when the source itself is unreachable; a tool
// that ran and failed reports the failure in its result text so the model
// can react to it.
type Source interface {
	Name() string
	ListTools(ctx context.Context) ([]providers.Tool, error)
	Invoke(ctx context.Context, call providers.ToolCall) (string, error)
	Close() error
}

const defaultInvokeTimeout = 30 * time.Second

// StdioSource runs an MCP server as a subprocess and talks to it over stdio.
type StdioSource struct {
	name    string
	session *sdk.ClientSession
	timeout time.Duration
}

// StdioOption configures a StdioSource.
type StdioOption func(*StdioSource)

// WithInvokeTimeout bounds a single tool invocation.
func WithInvokeTimeout(d time.Duration) StdioOption {
	return func(s *StdioSource) { s.timeout = d }
}

// NewStdioSource spawns command and completes the MCP handshake.
func NewStdioSource(ctx context.Context, name, command string, args []string, opts ...StdioOption) (*StdioSource, error) {
	s := &StdioSource{name: name, timeout: defaultInvokeTimeout}
	for _, o := range opts {
		o(s)
	}

	client := sdk.NewClient(&sdk.Implementation{
		Name:    "ai-gateway",
		Version: "1.0.0",
	}, nil)

	transport := &sdk.CommandTransport{Command: exec.Command(command, args...)}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect %s: %w", name, err)
	}
	s.session = session
	return s, nil
}

func (s *StdioSource) Name() string { return s.name }

// ListTools returns the server's catalog in advertised order.
func (s *StdioSource) ListTools(ctx context.Context) ([]providers.Tool, error) {
	result, err := s.session.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		return nil, &providers.Error{
			Kind:    providers.KindToolExecution,
			Message: fmt.Sprintf("source %s: list tools: %v", s.name, err),
			Err:     err,
		}
	}

	tools := make([]providers.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = []byte(`{"type":"object"}`)
		}
		tools = append(tools, providers.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	return tools, nil
}

// Invoke executes one tool call. Tool-level failures come back as result
// text; only a dead session or transport failure returns an error.
func (s *StdioSource) Invoke(ctx context.Context, call providers.ToolCall) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fmt.Sprintf("invalid tool arguments: %v", err), nil
		}
	}

	result, err := s.session.CallTool(ctx, &sdk.CallToolParams{
		Name:      call.Name,
		Arguments: args,
	})
	if err != nil {
		return "", &providers.Error{
			Kind:    providers.KindToolExecution,
			Message: fmt.Sprintf("source %s: call %s: %v", s.name, call.Name, err),
			Err:     err,
		}
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "tool error: " + text, nil
	}
	return text, nil
}

// Close shuts the subprocess session down.
func (s *StdioSource) Close() error {
	return s.session.Close()
}

// flattenContent joins MCP content items into one text block. Non-text
// items are represented descriptively.
func flattenContent(content []sdk.Content) string {
	var parts []string
	for _, c := range content {
		switch item := c.(type) {
		case *sdk.TextContent:
			parts = append(parts, item.Text)
		case *sdk.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes]", item.MIMEType, len(item.Data)))
		case *sdk.EmbeddedResource:
			if item.Resource != nil {
				parts = append(parts, fmt.Sprintf("[resource %s]", item.Resource.URI))
			}
		}
	}
	return strings.Join(parts, "\n")
}
