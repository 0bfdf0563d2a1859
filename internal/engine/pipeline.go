package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Plugin is a symmetric pre/post interceptor.
//
// Pre runs in registration order before dispatch. It may replace the request
// (return a new *Request), short-circuit the whole dispatch with a synthetic
// response (return a non-nil *Response), or fail. A pre failure is terminal
// for the request.
//
// Post runs in reverse registration order after dispatch, only for plugins
// whose Pre ran and returned without error — a short-circuiting or failing
// plugin does not get its own Post. Post errors are logged and swallowed;
// the response passes to the next hook unchanged.
type Plugin interface {
	Name() string
	Pre(ctx context.Context, req *providers.Request) (*providers.Request, *providers.Response, error)
	Post(ctx context.Context, req *providers.Request, resp *providers.Response) (*providers.Response, error)
}

// Pipeline holds the ordered plugin list. The entered stack is explicit —
// unwinding never relies on panics or deferred calls.
type Pipeline struct {
	plugins []Plugin
	log     *slog.Logger
	metrics *metrics.Registry
}

// NewPipeline creates a pipeline. Registration order is execution order for
// pre hooks.
func NewPipeline(log *slog.Logger, m *metrics.Registry, plugins ...Plugin) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{plugins: plugins, log: log, metrics: m}
}

// Len returns the number of registered plugins.
func (pl *Pipeline) Len() int { return len(pl.plugins) }

// RunPre executes pre hooks in order. It returns the (possibly replaced)
// request, a short-circuit response when a plugin produced one, the stack of
// plugins entitled to a post call, and a terminal error when a hook failed.
func (pl *Pipeline) RunPre(
	ctx context.Context,
	req *providers.Request,
) (*providers.Request, *providers.Response, []Plugin, *providers.Error) {

	entered := make([]Plugin, 0, len(pl.plugins))

	for _, p := range pl.plugins {
		newReq, short, err := p.Pre(ctx, req)
		if err != nil {
			if pl.metrics != nil {
				pl.metrics.RecordPluginReject(p.Name())
			}
			return req, nil, entered, coercePluginError(p.Name(), err)
		}
		if short != nil {
			if pl.metrics != nil {
				pl.metrics.RecordPluginShortCircuit(p.Name())
			}
			pl.log.DebugContext(ctx, "plugin_short_circuit",
				slog.String("plugin", p.Name()),
				slog.String("request_id", req.RequestID),
			)
			return req, short, entered, nil
		}
		if newReq != nil {
			req = newReq
		}
		entered = append(entered, p)
	}

	return req, nil, entered, nil
}

// RunPost unwinds the entered stack in reverse order. A hook error never
// aborts the response; the current response carries on to the next hook.
func (pl *Pipeline) RunPost(
	ctx context.Context,
	entered []Plugin,
	req *providers.Request,
	resp *providers.Response,
) *providers.Response {

	for i := len(entered) - 1; i >= 0; i-- {
		p := entered[i]
		newResp, err := p.Post(ctx, req, resp)
		if err != nil {
			pl.log.WarnContext(ctx, "plugin_post_error",
				slog.String("plugin", p.Name()),
				slog.String("request_id", req.RequestID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if newResp != nil {
			resp = newResp
		}
	}
	return resp
}

// coercePluginError tags a pre-hook failure as plugin_reject unless the
// plugin already produced a structured gateway error.
func coercePluginError(plugin string, err error) *providers.Error {
	var gerr *providers.Error
	if errors.As(err, &gerr) {
		return gerr
	}
	return &providers.Error{
		Kind:    providers.KindPluginReject,
		Message: plugin + ": " + err.Error(),
		Err:     err,
	}
}
