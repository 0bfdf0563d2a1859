package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/redis/go-redis/v9"

	npCache "github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/engine"
	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/mcp"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/plugins"
	anthropicprov "github.com/nulpointcorp/ai-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/ai-gateway/internal/providers/gemini"
	mistralprov "github.com/nulpointcorp/ai-gateway/internal/providers/mistral"
	openaiprov "github.com/nulpointcorp/ai-gateway/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/ai-gateway/internal/providers/openaicompat"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
	"github.com/nulpointcorp/ai-gateway/internal/transport"
)

// compatBaseURLs maps OpenAI-compatible provider names to their default
// endpoints.
var compatBaseURLs = map[string]string{
	"xai":        "https://api.x.ai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"together":   "https://api.together.xyz/v1",
	"perplexity": "https://api.perplexity.ai",
	"cerebras":   "https://api.cerebras.ai/v1",
}

// initInfra establishes optional external connections. Redis is required
// only by the cache and rate-limit plugins; ClickHouse only by the
// analytics sink.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0
	if needRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
	}

	if a.cfg.ClickHouse.DSN != "" {
		opts, err := clickhouse.ParseDSN(a.cfg.ClickHouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse: parse dsn: %w", err)
		}
		conn, err := clickhouse.Open(opts)
		if err != nil {
			return fmt.Errorf("clickhouse: open: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = conn.Ping(pingCtx)
		cancel()
		if err != nil {
			// Analytics is best-effort: log and continue without the sink.
			a.log.Warn("clickhouse unreachable, analytics sink disabled",
				slog.String("error", err.Error()))
		} else {
			a.ch = conn
			a.log.Info("clickhouse connected")
		}
	}

	return nil
}

// initAdapters builds one ProviderSpec per configured provider. config.Load
// drops keys that do not resolve; providers left with no key are skipped here.
func (a *App) initAdapters(_ context.Context) error {
	for name, pc := range a.cfg.Providers {
		if len(pc.Keys) == 0 {
			continue
		}

		spec := engine.ProviderSpec{
			Pool: engine.PoolConfig{
				Concurrency:    pc.Concurrency,
				QueueDepth:     pc.QueueDepth,
				NetworkTimeout: pc.NetworkTimeout,
				MaxRetries:     pc.MaxRetries,
			},
		}
		for _, k := range pc.Keys {
			spec.Keys = append(spec.Keys, engine.NewKey(k.Value, k.Weight, k.Models))
		}

		switch name {
		case "openai":
			var opts []openaiprov.Option
			if pc.BaseURL != "" {
				opts = append(opts, openaiprov.WithBaseURL(pc.BaseURL))
			}
			spec.Adapter = openaiprov.New(opts...)

		case "anthropic":
			var opts []anthropicprov.Option
			if pc.BaseURL != "" {
				opts = append(opts, anthropicprov.WithBaseURL(pc.BaseURL))
			}
			spec.Adapter = anthropicprov.New(opts...)

		case "gemini":
			var opts []geminiprov.Option
			if pc.BaseURL != "" {
				opts = append(opts, geminiprov.WithBaseURL(pc.BaseURL))
			}
			spec.Adapter = geminiprov.New(opts...)

		case "mistral":
			var opts []mistralprov.Option
			if pc.BaseURL != "" {
				opts = append(opts, mistralprov.WithBaseURL(pc.BaseURL))
			}
			spec.Adapter = mistralprov.New(opts...)

		default:
			baseURL := pc.BaseURL
			if baseURL == "" {
				baseURL = compatBaseURLs[name]
			}
			if baseURL == "" {
				return fmt.Errorf("provider %s: unknown provider and no base_url configured", name)
			}
			spec.Adapter = openaicompatprov.New(name, baseURL)
		}

		a.specs = append(a.specs, spec)
	}

	if len(a.specs) == 0 {
		return fmt.Errorf("no provider keys configured")
	}

	names := make([]string, 0, len(a.specs))
	for _, s := range a.specs {
		names = append(names, s.Adapter.Name())
	}
	a.log.Info("providers loaded", slog.Any("providers", names))
	return nil
}

// initServices creates the metrics registry, the async request logger, and
// the MCP tool sources.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log, a.ch)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	if len(a.cfg.MCP.Sources) > 0 {
		sources := make([]mcp.Source, 0, len(a.cfg.MCP.Sources))
		for _, sc := range a.cfg.MCP.Sources {
			src, err := mcp.NewStdioSource(ctx, sc.Name, sc.Command, sc.Args)
			if err != nil {
				return fmt.Errorf("mcp source %s: %w", sc.Name, err)
			}
			sources = append(sources, src)
			a.log.Info("tool source connected", slog.String("source", sc.Name))
		}
		a.tools = mcp.NewManager(a.log, sources,
			mcp.WithRoundBudget(a.cfg.MCP.RoundBudget),
			mcp.WithConcurrency(a.cfg.MCP.Concurrency),
		)
	}

	return nil
}

// initEngine assembles the plugin list and builds the request engine.
// Plugin order is significant: audit wraps everything, rate limiting
// rejects before cache lookups, and the cache sits innermost so a hit
// still passes the outer plugins' post hooks.
func (a *App) initEngine(ctx context.Context) error {
	var pluginList []engine.Plugin

	pluginList = append(pluginList, plugins.NewAudit(a.log))

	if a.cfg.RateLimit.RPMLimit > 0 && a.rdb != nil {
		pluginList = append(pluginList,
			plugins.NewRateLimit(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit), a.prom))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	if a.cfg.Cache.Mode != "none" {
		var store npCache.Cache
		switch a.cfg.Cache.Mode {
		case "redis":
			store = npCache.NewExactCacheFromClient(a.rdb)
		case "memory":
			store = npCache.NewMemoryCache(ctx)
		}

		var exclusions *npCache.ExclusionList
		if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
			el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
			if err != nil {
				return fmt.Errorf("cache exclusions: %w", err)
			}
			exclusions = el
		}

		pluginList = append(pluginList,
			plugins.NewCache(store, a.cfg.Cache.TTL, exclusions, a.prom, a.log))
		a.log.Info("cache plugin enabled", slog.String("mode", a.cfg.Cache.Mode))
	}

	a.eng = engine.New(a.specs, engine.Options{
		Logger:         a.log,
		Metrics:        a.prom,
		Plugins:        pluginList,
		Tools:          a.tools,
		SubmitTimeout:  a.cfg.Engine.SubmitTimeout,
		RequestTimeout: a.cfg.Engine.RequestTimeout,
	})
	return nil
}

// initServer builds the HTTP transport.
func (a *App) initServer(_ context.Context) error {
	a.srv = transport.NewServer(a.eng, transport.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		ReqLogger:   a.reqLogger,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	})
	return nil
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
