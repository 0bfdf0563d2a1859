// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Secret-bearing fields never hold inline values: each provider key names
// the environment variable carrying the secret (key_env), and the value is
// resolved at load time. The simple flat form (OPENAI_API_KEY etc.) remains
// supported — it synthesizes a single weight-1 key per provider.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// KeyConfig references one credential by environment variable.
type KeyConfig struct {
	// KeyEnv is the name of the env var holding the secret. Required.
	KeyEnv string `mapstructure:"key_env"`

	// Weight biases selection across a provider's keys. Default 1.
	Weight float64 `mapstructure:"weight"`

	// Models restricts the key to an allow-list. Empty = all models.
	Models []string `mapstructure:"models"`

	// Value is the resolved secret. Populated by Load, never from YAML.
	Value string `mapstructure:"-"`
}

// ProviderConfig sizes one provider's dispatch unit and lists its keys.
type ProviderConfig struct {
	// Concurrency is the worker count. Default 8.
	Concurrency int `mapstructure:"concurrency"`

	// QueueDepth bounds the pending-job queue. Default 64.
	QueueDepth int `mapstructure:"queue_depth"`

	// NetworkTimeout is the per-upstream-call timeout. Default 30s.
	NetworkTimeout time.Duration `mapstructure:"network_timeout"`

	// MaxRetries is the in-worker retry count for retryable upstream
	// failures. 0 disables in-worker retries; the fallback chain still
	// applies.
	MaxRetries int `mapstructure:"max_retries"`

	// BaseURL overrides the provider's default API endpoint. Useful for
	// local mocks.
	BaseURL string `mapstructure:"base_url"`

	Keys []KeyConfig `mapstructure:"keys"`
}

// MCPSourceConfig registers one MCP tool server run over stdio.
type MCPSourceConfig struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// MCPConfig holds the tool-augmentation settings.
type MCPConfig struct {
	Sources []MCPSourceConfig `mapstructure:"sources"`

	// RoundBudget caps tool rounds per request. Default 4.
	RoundBudget int `mapstructure:"round_budget"`

	// Concurrency caps parallel tool executions per response. Default 8.
	Concurrency int `mapstructure:"concurrency"`
}

// RedisConfig holds the Redis connection used by the cache and rate-limit
// plugins.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL.
	URL string `mapstructure:"url"`
}

// CacheConfig controls the cache plugin.
type CacheConfig struct {
	// Mode selects the backend: "redis", "memory", or "none". Default
	// "none" — the engine core never caches; enabling this turns on the
	// cache plugin.
	Mode string `mapstructure:"mode"`

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration `mapstructure:"ttl"`

	// ExcludeExact lists model names that must never be cached.
	ExcludeExact []string `mapstructure:"exclude_exact"`

	// ExcludePatterns lists regexps matched against model names.
	ExcludePatterns []string `mapstructure:"exclude_patterns"`
}

// RateLimitConfig controls the rate-limit plugin.
type RateLimitConfig struct {
	// RPMLimit is the gateway-wide requests-per-minute budget.
	// 0 disables the plugin. Default: 0.
	RPMLimit int `mapstructure:"rpm_limit"`
}

// EngineConfig tunes request-level timeouts.
type EngineConfig struct {
	// SubmitTimeout bounds the wait on a full provider queue. Default 2s.
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`

	// RequestTimeout applies when a request carries no deadline.
	// Default 60s.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ClickHouseConfig enables the analytics sink of the request logger.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// connection string. Empty disables the sink.
	DSN string `mapstructure:"dsn"`
}

// Config is the top-level configuration container. Immutable at runtime.
type Config struct {
	Port     int
	LogLevel string

	// Providers keyed by name. Names must match a registered adapter:
	// openai, anthropic, gemini, mistral, or an OpenAI-compatible service
	// (xai, groq, deepseek, together, perplexity, cerebras).
	Providers map[string]ProviderConfig

	MCP        MCPConfig
	Redis      RedisConfig
	Cache      CacheConfig
	RateLimit  RateLimitConfig
	Engine     EngineConfig
	ClickHouse ClickHouseConfig

	CORSOrigins []string
}

// flatEnvKeys maps simple env var names to provider names for the flat
// configuration form.
var flatEnvKeys = map[string]string{
	"OPENAI_API_KEY":     "openai",
	"ANTHROPIC_API_KEY":  "anthropic",
	"GOOGLE_API_KEY":     "gemini",
	"MISTRAL_API_KEY":    "mistral",
	"XAI_API_KEY":        "xai",
	"GROQ_API_KEY":       "groq",
	"DEEPSEEK_API_KEY":   "deepseek",
	"TOGETHER_API_KEY":   "together",
	"PERPLEXITY_API_KEY": "perplexity",
	"CEREBRAS_API_KEY":   "cerebras",
}

// Load reads configuration from environment variables and (optionally)
// config.yaml in the current working directory, then resolves all key
// references.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CACHE_MODE", "none")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("SUBMIT_TIMEOUT", "2s")
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	v.SetDefault("MCP_ROUND_BUDGET", 4)
	v.SetDefault("MCP_CONCURRENCY", 8)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Engine: EngineConfig{
			SubmitTimeout:  v.GetDuration("SUBMIT_TIMEOUT"),
			RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		},

		ClickHouse: ClickHouseConfig{DSN: v.GetString("CLICKHOUSE_DSN")},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Structured provider section (YAML) ───────────────────────────────────
	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("config: providers section: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}

	// ── MCP section ──────────────────────────────────────────────────────────
	if err := v.UnmarshalKey("mcp.sources", &cfg.MCP.Sources); err != nil {
		return nil, fmt.Errorf("config: mcp.sources section: %w", err)
	}
	cfg.MCP.RoundBudget = v.GetInt("MCP_ROUND_BUDGET")
	cfg.MCP.Concurrency = v.GetInt("MCP_CONCURRENCY")

	// ── Flat env form: one weight-1 key per provider ─────────────────────────
	for env, provider := range flatEnvKeys {
		if os.Getenv(env) == "" {
			continue
		}
		pc := cfg.Providers[provider]
		if len(pc.Keys) == 0 {
			pc.Keys = []KeyConfig{{KeyEnv: env, Weight: 1}}
		}
		cfg.Providers[provider] = pc
	}

	// Optional per-provider base URL overrides (mocks, self-hosted).
	for provider := range cfg.Providers {
		env := strings.ToUpper(provider) + "_BASE_URL"
		if u := os.Getenv(env); u != "" {
			pc := cfg.Providers[provider]
			pc.BaseURL = u
			cfg.Providers[provider] = pc
		}
	}

	if err := cfg.resolveKeys(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveKeys dereferences every key_env into its secret value and drops
// keys whose env var is unset.
func (c *Config) resolveKeys() error {
	for name, pc := range c.Providers {
		resolved := pc.Keys[:0]
		for _, k := range pc.Keys {
			if k.KeyEnv == "" {
				return fmt.Errorf("config: provider %s: key without key_env", name)
			}
			k.Value = os.Getenv(k.KeyEnv)
			if k.Value == "" {
				continue
			}
			if k.Weight <= 0 {
				k.Weight = 1
			}
			resolved = append(resolved, k)
		}
		pc.Keys = resolved
		c.Providers[name] = pc
	}
	return nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	keyed := 0
	for _, pc := range c.Providers {
		if len(pc.Keys) > 0 {
			keyed++
		}
	}
	if keyed == 0 {
		return fmt.Errorf(
			"config: at least one provider key is required " +
				"(set OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
				"XAI_API_KEY, GROQ_API_KEY, DEEPSEEK_API_KEY, TOGETHER_API_KEY, " +
				"PERPLEXITY_API_KEY, CEREBRAS_API_KEY, or a providers section with key_env entries)",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis")
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	for name, pc := range c.Providers {
		if pc.Concurrency < 0 || pc.QueueDepth < 0 || pc.MaxRetries < 0 {
			return fmt.Errorf("config: provider %s: negative pool sizing", name)
		}
	}

	for _, src := range c.MCP.Sources {
		if src.Name == "" || src.Command == "" {
			return fmt.Errorf("config: mcp source needs both name and command")
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
