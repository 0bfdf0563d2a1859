package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Cache short-circuits repeated identical requests from an exact-match
// response cache. It lives entirely behind the plugin contract — the engine
// core never caches. Streaming requests, tool-bearing responses, and
// excluded models bypass it.
type Cache struct {
	store      cache.Cache
	ttl        time.Duration
	exclusions *cache.ExclusionList
	metrics    *metrics.Registry
	log        *slog.Logger
}

// NewCache creates the plugin. exclusions may be nil.
func NewCache(store cache.Cache, ttl time.Duration, exclusions *cache.ExclusionList, m *metrics.Registry, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{store: store, ttl: ttl, exclusions: exclusions, metrics: m, log: log}
}

func (p *Cache) Name() string { return "cache" }

// cachedResponse is the persisted subset of a response. Raw echo and stream
// channels never reach the cache.
type cachedResponse struct {
	ID       string             `json:"id"`
	Provider string             `json:"provider"`
	Model    string             `json:"model"`
	Choices  []providers.Choice `json:"choices"`
	Usage    providers.Usage    `json:"usage"`
}

func (p *Cache) Pre(ctx context.Context, req *providers.Request) (*providers.Request, *providers.Response, error) {
	if p.bypass(req) {
		if p.metrics != nil {
			p.metrics.CacheGetBypass()
		}
		return nil, nil, nil
	}

	body, ok := p.store.Get(ctx, buildKey(req))
	if !ok {
		if p.metrics != nil {
			p.metrics.CacheGetMiss()
		}
		return nil, nil, nil
	}

	var cached cachedResponse
	if err := json.Unmarshal(body, &cached); err != nil {
		if p.metrics != nil {
			p.metrics.CacheGetMiss()
		}
		return nil, nil, nil
	}

	if p.metrics != nil {
		p.metrics.CacheGetHit()
	}
	p.log.DebugContext(ctx, "cache_hit",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
	)

	return nil, &providers.Response{
		ID:       cached.ID,
		Provider: cached.Provider,
		Model:    cached.Model,
		Choices:  cached.Choices,
		Usage:    cached.Usage,
	}, nil
}

func (p *Cache) Post(ctx context.Context, req *providers.Request, resp *providers.Response) (*providers.Response, error) {
	if resp == nil || p.bypass(req) || resp.Stream != nil {
		return nil, nil
	}
	// Responses still mid tool-conversation are not reusable.
	if len(resp.FirstToolCalls()) > 0 {
		return nil, nil
	}

	body, err := json.Marshal(cachedResponse{
		ID:       resp.ID,
		Provider: resp.Provider,
		Model:    resp.Model,
		Choices:  resp.Choices,
		Usage:    resp.Usage,
	})
	if err != nil {
		return nil, nil
	}

	if err := p.store.Set(ctx, buildKey(req), body, p.ttl); err != nil {
		if p.metrics != nil {
			p.metrics.CacheSetError()
		}
		return nil, nil
	}
	if p.metrics != nil {
		p.metrics.CacheSetOK()
	}
	return nil, nil
}

func (p *Cache) bypass(req *providers.Request) bool {
	if req.Stream {
		return true
	}
	return p.exclusions.Matches(req.Model)
}

// buildKey returns a deterministic SHA-256 cache key. The resolved provider
// is included so two providers sharing a model name never collide.
func buildKey(req *providers.Request) string {
	data, _ := json.Marshal(struct {
		P     string              `json:"p"`
		M     string              `json:"m"`
		T     *float64            `json:"t,omitempty"`
		MT    int                 `json:"mt"`
		Pr    string              `json:"pr,omitempty"`
		Msgs  []providers.Message `json:"msgs"`
		Tools int                 `json:"tools"`
	}{
		providers.ResolveProvider(req.Provider, req.Model),
		req.Model,
		req.Params.Temperature,
		req.Params.MaxTokens,
		req.Prompt,
		req.Messages,
		len(req.Params.Tools),
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}
