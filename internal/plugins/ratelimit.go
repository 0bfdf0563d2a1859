// Package plugins contains the built-in plugins shipped with the gateway:
// gateway-level rate limiting, exact-match response caching, and audit
// logging. Each implements engine.Plugin; user plugins register alongside
// them in configuration order.
package plugins

import (
	"context"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
)

// RateLimit rejects requests over the configured gateway-wide RPM budget.
// The limiter degrades open: when Redis is unreachable, requests pass.
type RateLimit struct {
	limiter *ratelimit.RPMLimiter
	metrics *metrics.Registry
}

// NewRateLimit creates the plugin around an RPM limiter.
func NewRateLimit(limiter *ratelimit.RPMLimiter, m *metrics.Registry) *RateLimit {
	return &RateLimit{limiter: limiter, metrics: m}
}

func (p *RateLimit) Name() string { return "ratelimit" }

func (p *RateLimit) Pre(ctx context.Context, req *providers.Request) (*providers.Request, *providers.Response, error) {
	allowed, err := p.limiter.Allow(ctx)
	if err == nil && !allowed {
		if p.metrics != nil {
			p.metrics.RecordRateLimit("blocked")
		}
		return nil, nil, &providers.Error{
			Kind:    providers.KindRateLimited,
			Message: "gateway rate limit exceeded",
		}
	}
	if p.metrics != nil {
		if err != nil {
			p.metrics.RecordRateLimit("error")
		} else {
			p.metrics.RecordRateLimit("allowed")
		}
	}
	return nil, nil, nil
}

func (p *RateLimit) Post(ctx context.Context, req *providers.Request, resp *providers.Response) (*providers.Response, error) {
	return nil, nil
}
