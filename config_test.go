package resilientgateway

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 5, cfg.RateLimits[PolicyLogin].MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.RateLimits[PolicyLogin].Window)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
base_url: https://api.example.com
request_timeout: 5s
cache:
  default_ttl: 30s
retry:
  max_attempts: 4
  base_delay: 250ms
rate_limits:
  login:
    max_attempts: 2
    window: 1m
realtime:
  url: wss://rt.example.com/socket
  max_attempts: 7
bulk:
  concurrency: 3
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, RetryConfig{MaxAttempts: 4, BaseDelay: 250 * time.Millisecond}, cfg.Retry)
	assert.Equal(t, RateLimitPolicy{MaxAttempts: 2, Window: time.Minute}, cfg.RateLimits[PolicyLogin])
	assert.Contains(t, cfg.RateLimits, PolicyAPI, "policies not named in the file keep their defaults")
	assert.Equal(t, 7, cfg.Realtime.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Realtime.MaxDelay)
	assert.Equal(t, 3, cfg.Bulk.Concurrency)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "gateway.yaml", "base_url: https://file.example.com\n")
	t.Setenv("GATEWAY_BASE_URL", "https://env.example.com")
	t.Setenv("GATEWAY_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("GATEWAY_REALTIME_BASE_DELAY", "2s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.BaseURL)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Realtime.BaseDelay)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "GATEWAY_DEBUG=true\n")
	t.Setenv("GATEWAY_DEBUG", "")
	os.Unsetenv("GATEWAY_DEBUG")

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path))
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.yaml", "retry: [oops"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "invalid.yaml", "retry:\n  max_attempts: 0\n"))
	assert.ErrorContains(t, err, "retry.max_attempts")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative timeout", func(c *Config) { c.RequestTimeout = -time.Second }},
		{"zero window", func(c *Config) { c.RateLimits["x"] = RateLimitPolicy{MaxAttempts: 1} }},
		{"realtime attempts", func(c *Config) { c.Realtime.MaxAttempts = 0 }},
		{"bulk concurrency", func(c *Config) { c.Bulk.Concurrency = -1 }},
		{"bad key", func(c *Config) { c.Token.Key = "not base64!" }},
		{"short key", func(c *Config) { c.Token.Key = base64.StdEncoding.EncodeToString([]byte("short")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestTokenConfig_KeyBytes(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 7
	got, err := TokenConfig{Key: base64.StdEncoding.EncodeToString(key)}.KeyBytes()
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = TokenConfig{}.KeyBytes()
	require.NoError(t, err)
	assert.Nil(t, got)
}
