package config

import (
	"os"
	"path/filepath"
	"testing"
)

// chdirTemp runs the test from an empty directory so a developer's local
// config.yaml never leaks into assertions.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
	return dir
}

func TestLoad_FlatEnvForm(t *testing.T) {
	chdirTemp(t)
	t.Setenv("OPENAI_API_KEY", "sk-test-flat")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	pc, ok := cfg.Providers["openai"]
	if !ok || len(pc.Keys) != 1 {
		t.Fatalf("flat env form not synthesized: %+v", cfg.Providers)
	}
	if pc.Keys[0].Value != "sk-test-flat" || pc.Keys[0].Weight != 1 {
		t.Errorf("key resolution wrong: %+v", pc.Keys[0])
	}
	if cfg.Port != 8080 || cfg.LogLevel != "info" {
		t.Errorf("defaults wrong: port=%d level=%s", cfg.Port, cfg.LogLevel)
	}
	if cfg.Cache.Mode != "none" {
		t.Errorf("cache default %q, want none", cfg.Cache.Mode)
	}
}

func TestLoad_NoKeysFails(t *testing.T) {
	chdirTemp(t)
	for env := range flatEnvKeys {
		t.Setenv(env, "")
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected error with no provider keys")
	}
}

func TestLoad_StructuredYAML(t *testing.T) {
	dir := chdirTemp(t)
	for env := range flatEnvKeys {
		t.Setenv(env, "")
	}
	t.Setenv("PRIMARY_OPENAI_KEY", "sk-primary")
	t.Setenv("SECONDARY_OPENAI_KEY", "sk-secondary")
	t.Setenv("UNSET_KEY_FOR_TEST", "")

	yaml := `
providers:
  openai:
    concurrency: 4
    queue_depth: 16
    network_timeout: 10s
    max_retries: 1
    keys:
      - key_env: PRIMARY_OPENAI_KEY
        weight: 3
      - key_env: SECONDARY_OPENAI_KEY
        weight: 1
        models: [gpt-4o]
      - key_env: UNSET_KEY_FOR_TEST
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	pc := cfg.Providers["openai"]
	if pc.Concurrency != 4 || pc.QueueDepth != 16 || pc.MaxRetries != 1 {
		t.Errorf("pool sizing %+v", pc)
	}
	// The unset key is dropped; the other two resolve.
	if len(pc.Keys) != 2 {
		t.Fatalf("keys %+v", pc.Keys)
	}
	if pc.Keys[0].Value != "sk-primary" || pc.Keys[0].Weight != 3 {
		t.Errorf("key[0] %+v", pc.Keys[0])
	}
	if len(pc.Keys[1].Models) != 1 || pc.Keys[1].Models[0] != "gpt-4o" {
		t.Errorf("key[1] allow-list %+v", pc.Keys[1])
	}
}

func TestLoad_RedisRequiredForRedisCache(t *testing.T) {
	chdirTemp(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CACHE_MODE", "redis")
	t.Setenv("REDIS_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error: redis cache without REDIS_URL")
	}
}

func TestLoad_RedisRequiredForRateLimit(t *testing.T) {
	chdirTemp(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CACHE_MODE", "none")
	t.Setenv("RPM_LIMIT", "100")
	t.Setenv("REDIS_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error: rate limit without REDIS_URL")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	chdirTemp(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad log level")
	}
}
