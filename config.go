// config.go
// ----------
// This file defines Config, the gateway's tunables: endpoint, timeouts, cache
// TTL, retry bounds, named rate limit policies, realtime reconnect behaviour and
// where the session credential is persisted.
//
// Config is loaded from YAML, then overridden by GATEWAY_* environment
// variables (optionally seeded from a .env file). Unset fields keep the values
// from DefaultConfig.
package resilientgateway

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseURL           string        `yaml:"base_url" env:"GATEWAY_BASE_URL"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"GATEWAY_REQUEST_TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"GATEWAY_REQUESTS_PER_SECOND"` // 0 disables client pacing
	Debug             bool          `yaml:"debug" env:"GATEWAY_DEBUG"`

	Cache      CacheConfig                `yaml:"cache"`
	Retry      RetryConfig                `yaml:"retry"`
	RateLimits map[string]RateLimitPolicy `yaml:"rate_limits"`
	Bulk       BulkConfig                 `yaml:"bulk"`
	Realtime   RealtimeConfig             `yaml:"realtime"`
	Token      TokenConfig                `yaml:"token"`
}

type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" env:"GATEWAY_CACHE_TTL"`
}

type BulkConfig struct {
	Concurrency int `yaml:"concurrency" env:"GATEWAY_BULK_CONCURRENCY"`
}

type TokenConfig struct {
	FilePath   string `yaml:"file_path" env:"GATEWAY_TOKEN_FILE"`
	SQLitePath string `yaml:"sqlite_path" env:"GATEWAY_TOKEN_SQLITE"`
	Key        string `yaml:"key" env:"GATEWAY_TOKEN_KEY"` // base64, 32 bytes once decoded
}

// KeyBytes decodes the file sealing key, or returns nil when none is configured.
func (t TokenConfig) KeyBytes() ([]byte, error) {
	if t.Key == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(t.Key)
	if err != nil {
		return nil, fmt.Errorf("token key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("token key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 15 * time.Second,
		Cache:          CacheConfig{DefaultTTL: DefaultCacheTTL},
		Retry:          DefaultRetryConfig(),
		RateLimits:     DefaultRateLimitPolicies(),
		Bulk:           BulkConfig{Concurrency: DefaultBulkConcurrency},
		Realtime:       DefaultRealtimeConfig(),
	}
}

// LoadDotEnv loads environment files into the process environment. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// LoadConfig reads path (if not empty) over DefaultConfig, applies GATEWAY_*
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read gateway config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse gateway config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.RequestTimeout < 0 {
		return errors.New("request_timeout must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 {
		return errors.New("retry.base_delay must not be negative")
	}
	for name, p := range c.RateLimits {
		if p.MaxAttempts <= 0 || p.Window <= 0 {
			return fmt.Errorf("rate_limits.%s: max_attempts and window must be positive", name)
		}
	}
	if c.Realtime.MaxAttempts < 1 {
		return errors.New("realtime.max_attempts must be at least 1")
	}
	if c.Bulk.Concurrency < 0 {
		return errors.New("bulk.concurrency must not be negative")
	}
	if _, err := c.Token.KeyBytes(); err != nil {
		return err
	}
	return nil
}
