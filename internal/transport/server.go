// Package transport is the HTTP surface of the gateway. It frames
// OpenAI-compatible request bodies into the engine's normalized schema,
// invokes the engine, and writes the response back — as JSON or as an SSE
// stream.
//
// The transport owns nothing but framing: routing, dispatch, fallback, and
// tool augmentation all live behind engine.Handle.
package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/engine"
	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/mcp"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

// Options holds optional server dependencies, all nil-safe.
type Options struct {
	Logger      *slog.Logger
	Metrics     *metrics.Registry
	ReqLogger   *logger.Logger
	CORSOrigins []string
	Version     string
}

// Server serves the OpenAI-compatible HTTP API in front of one Engine.
type Server struct {
	eng  *engine.Engine
	log  *slog.Logger
	opts Options

	srv *fasthttp.Server
}

// NewServer creates a Server around eng.
func NewServer(eng *engine.Engine, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{eng: eng, log: log, opts: opts}
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks.
func (s *Server) Start(addr string) error {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChat)
	r.POST("/v1/completions", s.handleChat)
	r.GET("/health", s.handleHealth)

	if s.opts.Metrics != nil {
		r.GET("/metrics", s.opts.Metrics.Handler())
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.opts.CORSOrigins),
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// ── Inbound / outbound envelopes ──────────────────────────────────────────────

type (
	inboundToolCall struct {
		ID       string `json:"id"`
		Type     string `json:"type,omitempty"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}

	inboundMessage struct {
		Role       string            `json:"role"`
		Content    string            `json:"content"`
		Name       string            `json:"name,omitempty"`
		ToolCalls  []inboundToolCall `json:"tool_calls,omitempty"`
		ToolCallID string            `json:"tool_call_id,omitempty"`
	}

	inboundTool struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}

	inboundFallback struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}

	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Prompt      string           `json:"prompt"`
		Stream      bool             `json:"stream"`
		Temperature *float64         `json:"temperature,omitempty"`
		TopP        *float64         `json:"top_p,omitempty"`
		MaxTokens   int              `json:"max_tokens"`
		Stop        []string         `json:"stop,omitempty"`
		Tools       []inboundTool    `json:"tools,omitempty"`
		ToolChoice  string           `json:"tool_choice,omitempty"`

		// Gateway extensions.
		Provider        string            `json:"provider,omitempty"`
		Fallbacks       []inboundFallback `json:"fallbacks,omitempty"`
		ClientSideTools bool              `json:"client_side_tools,omitempty"`
	}

	outboundToolCall struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}

	outboundMessage struct {
		Role      string             `json:"role"`
		Content   string             `json:"content"`
		ToolCalls []outboundToolCall `json:"tool_calls,omitempty"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundResponse struct {
		ID       string           `json:"id"`
		Object   string           `json:"object"`
		Created  int64            `json:"created"`
		Model    string           `json:"model"`
		Provider string           `json:"provider,omitempty"`
		Choices  []outboundChoice `json:"choices"`
		Usage    outboundUsage    `json:"usage"`
	}
)

// handleChat is the core handler for /v1/chat/completions and
// /v1/completions.
func (s *Server) handleChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	if string(ctx.Path()) == "/v1/completions" {
		route = "completions"
	}

	streaming := false
	defer func() {
		if s.opts.Metrics != nil && !streaming {
			s.opts.Metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	if reqID == "" {
		reqID = uuid.New().String()
	}

	var in inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, string(providers.KindInvalidRequest))
		return
	}
	if in.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, string(providers.KindInvalidRequest))
		return
	}
	if len(in.Messages) == 0 && in.Prompt == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"one of 'messages' or 'prompt' is required",
			apierr.TypeInvalidRequest, string(providers.KindInvalidRequest))
		return
	}

	req := s.buildRequest(ctx, &in, reqID)

	resp, err := s.eng.Handle(ctx, req)
	if err != nil {
		s.log.ErrorContext(ctx, "request_failed",
			slog.String("request_id", reqID),
			slog.String("model", in.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteGatewayError(ctx, reqID, err)
		s.logRequest(reqID, req, nil, ctx.Response.StatusCode(), time.Since(start))
		return
	}

	if req.Stream && resp.Stream != nil {
		streaming = true
		s.writeSSE(ctx, resp, route, start)
		return
	}

	out := toOutbound(resp)
	body, merr := json.Marshal(out)
	if merr != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, string(providers.KindInternal))
		return
	}

	s.logRequest(reqID, req, resp, fasthttp.StatusOK, time.Since(start))
	if s.opts.Metrics != nil {
		s.opts.Metrics.AddTokens(resp.Provider, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// buildRequest maps the inbound envelope plus filter headers into the
// normalized request.
func (s *Server) buildRequest(ctx *fasthttp.RequestCtx, in *inboundRequest, reqID string) *providers.Request {
	msgs := make([]providers.Message, len(in.Messages))
	for i, m := range in.Messages {
		pm := providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		msgs[i] = pm
	}

	var tools []providers.Tool
	for _, t := range in.Tools {
		tools = append(tools, providers.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	fallbacks := make([]providers.ModelRef, 0, len(in.Fallbacks))
	for _, f := range in.Fallbacks {
		provider := f.Provider
		if provider == "" {
			provider = providers.ResolveProvider("", f.Model)
		}
		fallbacks = append(fallbacks, providers.ModelRef{Provider: provider, Model: f.Model})
	}

	metadata := map[string]string{}
	for header, key := range map[string]string{
		"X-MCP-Include-Sources": mcp.MetaIncludeSources,
		"X-MCP-Exclude-Sources": mcp.MetaExcludeSources,
		"X-MCP-Include-Tools":   mcp.MetaIncludeTools,
		"X-MCP-Exclude-Tools":   mcp.MetaExcludeTools,
	} {
		if v := string(ctx.Request.Header.Peek(header)); v != "" {
			metadata[key] = v
		}
	}

	return &providers.Request{
		Provider: in.Provider,
		Model:    in.Model,
		Messages: msgs,
		Prompt:   in.Prompt,
		Params: providers.Params{
			Temperature: in.Temperature,
			TopP:        in.TopP,
			MaxTokens:   in.MaxTokens,
			Stop:        in.Stop,
			Tools:       tools,
			ToolChoice:  normalizeToolChoice(in.ToolChoice),
		},
		Fallbacks:       fallbacks,
		Stream:          in.Stream,
		ClientSideTools: in.ClientSideTools,
		RequestID:       reqID,
		Metadata:        metadata,
	}
}

// normalizeToolChoice accepts both the string form ("auto") and silently
// downgrades unsupported object forms to auto.
func normalizeToolChoice(raw string) string {
	switch strings.ToLower(raw) {
	case "none", "required", "auto":
		return strings.ToLower(raw)
	default:
		return ""
	}
}

func toOutbound(resp *providers.Response) outboundResponse {
	out := outboundResponse{
		ID:       resp.ID,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    resp.Model,
		Provider: resp.Provider,
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		oc := outboundChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message: outboundMessage{
				Role:    c.Message.Role,
				Content: c.Message.Content,
			},
		}
		for _, tc := range c.Message.ToolCalls {
			otc := outboundToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			oc.Message.ToolCalls = append(oc.Message.ToolCalls, otc)
		}
		out.Choices = append(out.Choices, oc)
	}
	return out
}

// writeSSE streams response chunks as Server-Sent Events.
func (s *Server) writeSSE(ctx *fasthttp.RequestCtx, resp *providers.Response, route string, start time.Time) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	m := s.opts.Metrics

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		for chunk := range resp.Stream {
			delta := map[string]any{
				"id":      resp.ID,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		if m != nil {
			m.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
		}
	})
}

// logRequest enqueues an entry to the async request logger. Never blocks.
func (s *Server) logRequest(
	requestID string,
	req *providers.Request,
	resp *providers.Response,
	status int,
	latency time.Duration,
) {
	if s.opts.ReqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	entry := logger.RequestLog{
		ID:        reqUUID,
		Model:     req.Model,
		Status:    uint16(status),
		LatencyMs: clampLatency(latency),
		CreatedAt: time.Now(),
	}
	if resp != nil {
		entry.Provider = resp.Provider
		entry.InputTokens = uint32(resp.Usage.PromptTokens)
		entry.OutputTokens = uint32(resp.Usage.CompletionTokens)
		entry.Attempts = uint8(len(resp.Attempts))
		entry.ToolRounds = uint8(resp.ToolRounds)
	}
	s.opts.ReqLogger.Log(entry)
}

func clampLatency(latency time.Duration) uint16 {
	ms := latency.Milliseconds()
	if ms > 65535 {
		return 65535
	}
	return uint16(ms)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := s.eng.Health()
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(map[string]any{
		"status":    snap.Status,
		"version":   s.opts.Version,
		"providers": snap.Providers,
		"pools":     snap.Pools,
	})
	ctx.SetBody(data)
}
