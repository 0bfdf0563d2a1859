package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// buildChain returns the full attempt chain: the resolved primary followed
// by the request's fallbacks. The chain is fixed before the first attempt
// and never mutated while executing.
func buildChain(req *providers.Request) []providers.ModelRef {
	primary := providers.ModelRef{
		Provider: providers.ResolveProvider(req.Provider, req.Model),
		Model:    req.Model,
	}
	chain := make([]providers.ModelRef, 0, 1+len(req.Fallbacks))
	chain = append(chain, primary)
	chain = append(chain, req.Fallbacks...)
	return chain
}

// dispatch walks the attempt chain in order until one entry succeeds. Each
// failure is accreted into the attempt list; when every entry fails the
// aggregate error's kind is the most severe observed.
func (e *Engine) dispatch(
	ctx context.Context,
	req *providers.Request,
) (*providers.Response, []providers.Attempt, error) {

	chain := buildChain(req)
	attempts := make([]providers.Attempt, 0, len(chain))

	var lastErr *providers.Error

	for i, ref := range chain {
		resp, att, aerr := e.attemptOnce(ctx, req, ref.Provider, ref.Model, i)
		attempts = append(attempts, att)

		if aerr == nil {
			return resp, attempts, nil
		}
		lastErr = aerr

		if i > 0 && e.metrics != nil {
			e.metrics.RecordFallback(chain[0].Provider, ref.Provider, string(aerr.Kind))
		}
		e.log.WarnContext(ctx, "attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", ref.Provider),
			slog.String("model", ref.Model),
			slog.Int("attempt", i),
			slog.String("kind", string(aerr.Kind)),
			slog.String("error", aerr.Error()),
		)

		if aerr.Kind == providers.KindCanceled {
			break
		}
		// A malformed request fails identically everywhere — stop, unless
		// the incompatibility is model-level or credential-level, where a
		// different provider can still serve it.
		if !aerr.Retryable &&
			aerr.Reason != providers.ReasonModelNotSupported &&
			aerr.Reason != providers.ReasonNoViableKey {
			break
		}
	}

	if e.metrics != nil {
		e.metrics.RecordChainExhausted(chain[0].Provider)
	}
	return nil, attempts, providers.Aggregate(req.RequestID, attempts, lastErr)
}

// attemptOnce runs one (provider, model) try: select a key, enqueue a job on
// the provider's pool, await the sink. The tool loop reuses it to re-enter
// the same provider without touching the rest of the chain.
func (e *Engine) attemptOnce(
	ctx context.Context,
	req *providers.Request,
	provider, model string,
	attemptIdx int,
) (*providers.Response, providers.Attempt, *providers.Error) {

	start := time.Now()
	att := providers.Attempt{Provider: provider, Model: model}

	fail := func(aerr *providers.Error) (*providers.Response, providers.Attempt, *providers.Error) {
		aerr.Provider = provider
		aerr.Model = model
		aerr.Attempt = attemptIdx
		att.Kind = aerr.Kind
		att.Status = aerr.Status
		att.LatencyMs = time.Since(start).Milliseconds()
		return nil, att, aerr
	}

	pool, ok := e.pools[provider]
	if !ok {
		return fail(&providers.Error{
			Kind:      providers.KindProviderUnavailable,
			Message:   "provider not configured",
			Retryable: true,
		})
	}

	selector := e.selectors[provider]
	key, kerr := selector.Select(model)
	if kerr != nil {
		return fail(kerr)
	}

	// Per-attempt request snapshot. The chain entry's model wins so a
	// fallback to another model reuses the same input unchanged.
	snap := *req
	snap.Provider = provider
	snap.Model = model

	j := &job{
		ctx:     ctx,
		req:     &snap,
		key:     key,
		model:   model,
		attempt: attemptIdx,
		sink:    e.objPools.acquireSink(),
	}

	deadline := time.Now().Add(e.submitTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if serr := pool.Submit(j, deadline); serr != nil {
		e.objPools.releaseSink(j.sink)
		return fail(serr)
	}

	select {
	case o := <-j.sink.ch:
		// Receiving the outcome implies the worker settled the handoff to
		// "delivered", so the sink is ours to release.
		e.objPools.releaseSink(j.sink)

		if o.err != nil {
			if o.err.Retryable {
				selector.RecordFailure(key)
			}
			return fail(o.err)
		}

		selector.RecordSuccess(key)
		att.OK = true
		att.LatencyMs = time.Since(start).Milliseconds()
		return o.resp, att, nil

	case <-ctx.Done():
		// The job may still be queued or running; hand sink ownership to
		// the worker unless it committed a delivery first, in which case
		// the outcome is in flight — consume it, then release.
		if j.sink.abandon() {
			<-j.sink.ch
			e.objPools.releaseSink(j.sink)
		}
		kind := providers.KindCanceled
		msg := "request canceled"
		if ctx.Err() == context.DeadlineExceeded {
			kind = providers.KindTimeout
			msg = "request deadline exceeded"
		}
		return fail(&providers.Error{Kind: kind, Message: msg, Err: ctx.Err()})
	}
}
