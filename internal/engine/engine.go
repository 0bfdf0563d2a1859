// Package engine is the request-processing core of the gateway.
//
// A request flows through a fixed composition: plugin pre hooks → tool
// pre-augmentation → fallback dispatch across per-provider worker pools
// (with an inner tool-execution loop per served attempt) → plugin post
// hooks in reverse order.
//
// Key design constraints:
//   - Per-provider isolation: each provider owns a bounded queue and a fixed
//     worker set; saturation of one never slows another.
//   - Pooled transient objects (result sinks, message slices, byte buffers)
//     are released on every exit path, including cancellation.
//   - One cancellation token threads through the whole request; every
//     suspension point honors it.
//   - Exactly one of (response, error) is returned, and every post hook
//     entitled to run has run before either leaves Handle.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/ai-gateway/internal/mcp"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Engine-level defaults.
const (
	DefaultSubmitTimeout  = 2 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

// ProviderSpec describes one provider's runtime: its adapter, credentials,
// and pool sizing.
type ProviderSpec struct {
	Adapter providers.Adapter
	Keys    []*Key
	Pool    PoolConfig
}

// Options holds optional engine tuning. All fields have defaults.
type Options struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// Plugins is the interceptor list, order significant.
	Plugins []Plugin

	// Tools is the MCP tool manager. Nil disables tool augmentation.
	Tools *mcp.Manager

	// SubmitTimeout bounds how long an attempt waits for a full provider
	// queue before failing with queue_full. Default 2s.
	SubmitTimeout time.Duration

	// RequestTimeout applies when the caller's context has no deadline.
	// Default 60s.
	RequestTimeout time.Duration

	// DebugPools enables the double-free check on object pools.
	DebugPools bool
}

// Engine composes the pipeline, tool manager, key selectors, and worker
// pools, and owns the request-scoped context.
type Engine struct {
	pools     map[string]*WorkerPool
	selectors map[string]*KeySelector
	objPools  *Pools
	pipeline  *Pipeline
	tools     *mcp.Manager

	log     *slog.Logger
	metrics *metrics.Registry

	submitTimeout  time.Duration
	requestTimeout time.Duration
}

// New builds an Engine from provider specs. Each spec gets its own worker
// pool and key selector; pools start their workers immediately.
func New(specs []ProviderSpec, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	submitTimeout := opts.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = DefaultSubmitTimeout
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	e := &Engine{
		pools:          make(map[string]*WorkerPool, len(specs)),
		selectors:      make(map[string]*KeySelector, len(specs)),
		objPools:       NewPools(opts.DebugPools),
		pipeline:       NewPipeline(log, opts.Metrics, opts.Plugins...),
		tools:          opts.Tools,
		log:            log,
		metrics:        opts.Metrics,
		submitTimeout:  submitTimeout,
		requestTimeout: requestTimeout,
	}

	for _, s := range specs {
		name := s.Adapter.Name()
		e.pools[name] = NewWorkerPool(s.Adapter, s.Pool, e.objPools, log, opts.Metrics)
		e.selectors[name] = NewKeySelector(name, s.Keys)
	}
	return e
}

// PoolStats returns the aggregate object-pool counters.
func (e *Engine) PoolStats() PoolStats { return e.objPools.Stats() }

// Pools exposes the shared object pools for collaborators (transport,
// plugins) that serialize through pooled buffers.
func (e *Engine) Pools() *Pools { return e.objPools }

// Close stops every worker pool and the tool manager. In-flight jobs run to
// completion first.
func (e *Engine) Close() {
	for _, p := range e.pools {
		p.Close()
	}
	if e.tools != nil {
		if err := e.tools.Close(); err != nil {
			e.log.Warn("tool_manager_close_error", slog.String("error", err.Error()))
		}
	}
}

// Handle processes one normalized request end to end.
func (e *Engine) Handle(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	start := time.Now()

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	// Streamed responses outlive Handle (the transport drains them), so
	// the engine-owned deadline only applies to buffered requests.
	if _, ok := ctx.Deadline(); !ok && !req.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()
	}

	if e.metrics != nil {
		e.metrics.IncInFlight()
		defer e.metrics.DecInFlight()
	}

	e.log.InfoContext(ctx, "request",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.String("provider_hint", req.Provider),
		slog.Int("fallbacks", len(req.Fallbacks)),
	)

	// 1. Plugin pre hooks. A failure is terminal but the entered stack
	// still unwinds.
	req, short, entered, perr := e.pipeline.RunPre(ctx, req)
	if perr != nil {
		e.pipeline.RunPost(ctx, entered, req, nil)
		return nil, perr
	}

	// A short-circuit skips dispatch and tool augmentation entirely.
	if short != nil {
		short.Latency = time.Since(start)
		return e.pipeline.RunPost(ctx, entered, req, short), nil
	}

	// 2. Tool pre-augmentation.
	if e.tools != nil && e.tools.HasSources() {
		augmented, terr := e.tools.Augment(ctx, req, mcp.ParseFilters(req.Metadata))
		if terr != nil {
			e.pipeline.RunPost(ctx, entered, req, nil)
			return nil, terr
		}
		req = augmented
	}

	// 3. Fallback dispatch.
	resp, attempts, derr := e.dispatch(ctx, req)
	if derr != nil {
		e.pipeline.RunPost(ctx, entered, req, nil)
		return nil, derr
	}

	// 4. Tool loop, pinned to the attempt that served the response.
	served := providers.ModelRef{
		Provider: attempts[len(attempts)-1].Provider,
		Model:    attempts[len(attempts)-1].Model,
	}
	resp, rounds, lerr := e.toolLoop(ctx, req, resp, served, len(attempts)-1)
	if lerr != nil {
		e.pipeline.RunPost(ctx, entered, req, nil)
		return nil, lerr
	}

	resp.Attempts = attempts
	resp.ToolRounds = rounds
	resp.Latency = time.Since(start)

	if e.metrics != nil {
		e.metrics.ObserveRequest(served.Provider, time.Since(start))
		e.metrics.ObserveToolRounds(rounds)
	}
	e.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", req.RequestID),
		slog.String("provider", served.Provider),
		slog.String("model", resp.Model),
		slog.Int("attempts", len(attempts)),
		slog.Int("tool_rounds", rounds),
		slog.Duration("elapsed", time.Since(start)),
	)

	// 5. Plugin post hooks, reverse order.
	return e.pipeline.RunPost(ctx, entered, req, resp), nil
}

// toolLoop executes the model's tool calls and re-prompts the same
// (provider, model) until the model stops asking or the round budget runs
// out. It never re-enters the fallback chain or the plugin pipeline.
func (e *Engine) toolLoop(
	ctx context.Context,
	req *providers.Request,
	resp *providers.Response,
	served providers.ModelRef,
	attemptIdx int,
) (*providers.Response, int, error) {

	if e.tools == nil || req.ClientSideTools || req.Stream {
		return resp, 0, nil
	}

	convo := e.objPools.AcquireMessages()
	defer e.objPools.ReleaseMessages(convo)

	budget := e.tools.RoundBudget()
	usage := resp.Usage
	rounds := 0
	messages := req.Messages

	for {
		calls := resp.FirstToolCalls()
		if len(calls) == 0 {
			resp.Usage = usage
			return resp, rounds, nil
		}
		// Budget exhausted: hand the tool calls back with finish reason
		// tool_calls preserved.
		if rounds >= budget {
			resp.Usage = usage
			return resp, rounds, nil
		}

		toolMsgs, err := e.tools.Execute(ctx, calls)
		if err != nil {
			return nil, rounds, err
		}
		rounds++

		*convo = append((*convo)[:0], messages...)
		*convo = append(*convo, resp.Choices[0].Message)
		*convo = append(*convo, toolMsgs...)

		next := *req
		next.Messages = *convo

		again, _, aerr := e.attemptOnce(ctx, &next, served.Provider, served.Model, attemptIdx)
		if aerr != nil {
			return nil, rounds, aerr
		}

		usage.PromptTokens += again.Usage.PromptTokens
		usage.CompletionTokens += again.Usage.CompletionTokens
		usage.TotalTokens += again.Usage.TotalTokens

		// Later rounds must see the full conversation so far.
		messages = append([]providers.Message(nil), *convo...)
		resp = again
	}
}
