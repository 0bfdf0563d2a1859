package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

func newTestEngine(t *testing.T, opts Options, specs ...ProviderSpec) *Engine {
	t.Helper()
	opts.DebugPools = true
	e := New(specs, opts)
	t.Cleanup(e.Close)
	return e
}

func spec(adapter providers.Adapter) ProviderSpec {
	return ProviderSpec{
		Adapter: adapter,
		Keys:    []*Key{NewKey("sk-"+adapter.Name()+"-0001", 1, nil)},
		Pool:    PoolConfig{Concurrency: 2, QueueDepth: 8, MaxRetries: 0},
	}
}

func TestBuildChain_PrimaryPlusFallbacks(t *testing.T) {
	req := testRequest("gpt-4o")
	req.Fallbacks = []providers.ModelRef{{Provider: "anthropic", Model: "claude-3-opus"}}

	chain := buildChain(req)
	if len(chain) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(chain))
	}
	if chain[0].Provider != "openai" || chain[0].Model != "gpt-4o" {
		t.Errorf("primary resolved wrong: %+v", chain[0])
	}
	if chain[1].Provider != "anthropic" {
		t.Errorf("fallback wrong: %+v", chain[1])
	}
}

func TestDispatch_FallbackMonotonicity(t *testing.T) {
	primary := newFakeAdapter("openai", func(int, *providers.Request) (*providers.Response, error) {
		return nil, providers.StatusError(502, "bad gateway")
	})
	fallback := newFakeAdapter("anthropic", okResponse("from fallback"))

	e := newTestEngine(t, Options{}, spec(primary), spec(fallback))

	req := testRequest("gpt-4o")
	req.Fallbacks = []providers.ModelRef{{Provider: "anthropic", Model: "claude-3"}}

	resp, attempts, err := e.dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected attempts.length == 2, got %d", len(attempts))
	}
	if attempts[0].OK || attempts[0].Kind != providers.KindUpstream5xx {
		t.Errorf("first attempt should record upstream_5xx, got %+v", attempts[0])
	}
	if !attempts[1].OK {
		t.Errorf("second attempt should succeed: %+v", attempts[1])
	}
	if resp.FirstContent() != "from fallback" {
		t.Errorf("wrong response served: %q", resp.FirstContent())
	}
	if resp.Provider != "anthropic" {
		t.Errorf("response provider = %q", resp.Provider)
	}
}

func TestDispatch_InvalidRequestAbortsChain(t *testing.T) {
	primary := newFakeAdapter("openai", func(int, *providers.Request) (*providers.Response, error) {
		return nil, &providers.Error{Kind: providers.KindInvalidRequest, Message: "bad schema"}
	})
	fallback := newFakeAdapter("anthropic", okResponse("should not run"))

	e := newTestEngine(t, Options{}, spec(primary), spec(fallback))

	req := testRequest("gpt-4o")
	req.Fallbacks = []providers.ModelRef{{Provider: "anthropic", Model: "claude-3"}}

	_, attempts, err := e.dispatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if len(attempts) != 1 {
		t.Errorf("invalid_request must abort: attempts.length == %d, want 1", len(attempts))
	}
	if fallback.callCount() != 0 {
		t.Error("fallback provider was called after a non-retryable primary failure")
	}

	var agg *providers.AggregateError
	if !errors.As(err, &agg) || agg.Kind != providers.KindInvalidRequest {
		t.Errorf("aggregate kind = %v", err)
	}
}

func TestDispatch_ModelNotSupportedContinues(t *testing.T) {
	primary := newFakeAdapter("openai", func(int, *providers.Request) (*providers.Response, error) {
		return nil, &providers.Error{
			Kind:   providers.KindInvalidRequest,
			Reason: providers.ReasonModelNotSupported,
		}
	})
	fallback := newFakeAdapter("anthropic", okResponse("served"))

	e := newTestEngine(t, Options{}, spec(primary), spec(fallback))

	req := testRequest("gpt-4o")
	req.Fallbacks = []providers.ModelRef{{Provider: "anthropic", Model: "claude-3"}}

	resp, attempts, err := e.dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(attempts) != 2 || resp.FirstContent() != "served" {
		t.Errorf("model_not_supported should fall through, attempts=%d", len(attempts))
	}
}

func TestDispatch_UnconfiguredProviderSkipped(t *testing.T) {
	fallback := newFakeAdapter("anthropic", okResponse("served"))
	e := newTestEngine(t, Options{}, spec(fallback))

	req := testRequest("gpt-4o") // resolves to openai, which has no pool
	req.Fallbacks = []providers.ModelRef{{Provider: "anthropic", Model: "claude-3"}}

	resp, attempts, err := e.dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Kind != providers.KindProviderUnavailable {
		t.Errorf("expected unavailable then success, got %+v", attempts)
	}
	if resp.FirstContent() != "served" {
		t.Errorf("wrong content %q", resp.FirstContent())
	}
}

func TestDispatch_AggregateSeverityOrdering(t *testing.T) {
	rateLimited := newFakeAdapter("openai", func(int, *providers.Request) (*providers.Response, error) {
		return nil, providers.StatusError(429, "slow down")
	})
	authFail := newFakeAdapter("anthropic", func(int, *providers.Request) (*providers.Response, error) {
		return nil, providers.StatusError(401, "bad key")
	})

	e := newTestEngine(t, Options{}, spec(rateLimited), spec(authFail))

	req := testRequest("gpt-4o")
	req.Fallbacks = []providers.ModelRef{{Provider: "anthropic", Model: "claude-3"}}

	_, attempts, err := e.dispatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected aggregate error")
	}

	var agg *providers.AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected AggregateError, got %T", err)
	}
	if agg.Kind != providers.KindAuth {
		t.Errorf("auth outranks rate_limited in aggregate kind, got %s", agg.Kind)
	}
	if len(agg.Attempts) != len(attempts) || len(attempts) != 2 {
		t.Errorf("aggregate must list every failure: %d", len(agg.Attempts))
	}
}

func TestDispatch_KeyHealthUpdates(t *testing.T) {
	failing := newFakeAdapter("openai", func(int, *providers.Request) (*providers.Response, error) {
		return nil, providers.StatusError(503, "down")
	})
	e := newTestEngine(t, Options{}, spec(failing))

	req := testRequest("gpt-4o")
	_, _, _ = e.dispatch(context.Background(), req)

	snap := e.selectors["openai"].Snapshot()
	if snap[0].ConsecutiveFailures != 1 {
		t.Errorf("retryable failure must bump key health, got %d", snap[0].ConsecutiveFailures)
	}

	// Flip to success and verify reset.
	failing.mu.Lock()
	failing.respond = okResponse("up again")
	failing.mu.Unlock()

	if _, _, err := e.dispatch(context.Background(), req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	snap = e.selectors["openai"].Snapshot()
	if snap[0].ConsecutiveFailures != 0 {
		t.Errorf("success must reset key health, got %d", snap[0].ConsecutiveFailures)
	}
}

func TestDispatch_PoolBalanceAfterFailures(t *testing.T) {
	failing := newFakeAdapter("openai", func(int, *providers.Request) (*providers.Response, error) {
		return nil, providers.StatusError(500, "boom")
	})
	e := newTestEngine(t, Options{}, spec(failing))

	for i := 0; i < 20; i++ {
		_, _, _ = e.dispatch(context.Background(), testRequest("gpt-4o"))
	}

	if s := e.PoolStats(); s.Acquired != s.Released {
		t.Errorf("pool leak after failed dispatches: acquired=%d released=%d", s.Acquired, s.Released)
	}
}
