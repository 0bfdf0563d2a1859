package plugins

import (
	"context"
	"log/slog"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Audit logs a structured line on request entry and response exit. Being
// first in the registration list, its post hook runs last and sees the
// final response.
type Audit struct {
	log *slog.Logger
}

// NewAudit creates the plugin.
func NewAudit(log *slog.Logger) *Audit {
	if log == nil {
		log = slog.Default()
	}
	return &Audit{log: log}
}

func (p *Audit) Name() string { return "audit" }

func (p *Audit) Pre(ctx context.Context, req *providers.Request) (*providers.Request, *providers.Response, error) {
	p.log.InfoContext(ctx, "audit_request",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.Int("messages", len(req.Messages)),
		slog.Int("tools", len(req.Params.Tools)),
	)
	return nil, nil, nil
}

func (p *Audit) Post(ctx context.Context, req *providers.Request, resp *providers.Response) (*providers.Response, error) {
	if resp == nil {
		return nil, nil
	}
	p.log.InfoContext(ctx, "audit_response",
		slog.String("request_id", req.RequestID),
		slog.String("provider", resp.Provider),
		slog.String("model", resp.Model),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Int("tool_rounds", resp.ToolRounds),
	)
	return nil, nil
}
