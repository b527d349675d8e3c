package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valros/skinarb/internal/infrastructure/db"
)

// ErrInvalid is wrapped by all configuration validation failures.
var ErrInvalid = errors.New("invalid config")

// Config is the process-level configuration: where data lives, how to reach
// both marketplaces, and what the HTTP surface binds to. The runtime-mutable
// analysis settings are a separate record owned by the engine and persisted
// under the data dir.
type Config struct {
	DataDir     string            `yaml:"data_dir" env:"SKINARB_DATA_DIR"`
	LogLevel    string            `yaml:"log_level" env:"SKINARB_LOG_LEVEL"`
	HTTP        HTTPConfig        `yaml:"http"`
	MarketA     MarketConfig      `yaml:"market_a"`
	MarketB     MarketConfig      `yaml:"market_b"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    db.Config         `yaml:"database"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Host string `yaml:"host" env:"SKINARB_HTTP_HOST"`
	Port int    `yaml:"port" env:"SKINARB_HTTP_PORT"`
}

// MarketConfig holds the static per-marketplace client settings. Crawl
// pacing (delay, page size, max pages) is part of the runtime settings
// record instead, so it can be tuned without a restart.
type MarketConfig struct {
	BaseURL          string `yaml:"base_url"`
	SiteURL          string `yaml:"site_url,omitempty"` // public storefront when it differs from the API host
	RequestTimeoutMS int    `yaml:"request_timeout_ms"` // per-request HTTP timeout
	MaxRetries       int    `yaml:"max_retries"`        // retries after the first attempt
}

// Storefront is the public site used for listing links, falling back to the
// API host when the platform serves both from one place.
func (m MarketConfig) Storefront() string {
	if m.SiteURL != "" {
		return m.SiteURL
	}
	return m.BaseURL
}

// RequestTimeout returns the per-request timeout as a time.Duration.
func (m MarketConfig) RequestTimeout() time.Duration {
	return time.Duration(m.RequestTimeoutMS) * time.Millisecond
}

// CredentialsConfig controls credential validation caching and the
// background watchdog.
type CredentialsConfig struct {
	ValidationTTLSec    int `yaml:"validation_ttl_sec" env:"SKINARB_CRED_TTL_SEC"`
	WatchdogIntervalSec int `yaml:"watchdog_interval_sec" env:"SKINARB_CRED_WATCHDOG_SEC"` // 0 disables the watchdog
}

// ValidationTTL returns how long a validation verdict stays fresh.
func (c CredentialsConfig) ValidationTTL() time.Duration {
	return time.Duration(c.ValidationTTLSec) * time.Second
}

// WatchdogInterval returns the background revalidation cadence.
func (c CredentialsConfig) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalSec) * time.Second
}

// RedisConfig holds the optional warm-cache settings.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"SKINARB_REDIS_ENABLED"`
	Addr      string `yaml:"addr" env:"SKINARB_REDIS_ADDR"`
	Password  string `yaml:"password" env:"SKINARB_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"SKINARB_REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		LogLevel: "info",
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		MarketA: MarketConfig{
			BaseURL:          "https://buff.163.com",
			RequestTimeoutMS: 30000,
			MaxRetries:       5,
		},
		MarketB: MarketConfig{
			BaseURL:          "https://api.youpin898.com",
			SiteURL:          "https://www.youpin898.com",
			RequestTimeoutMS: 30000,
			MaxRetries:       5,
		},
		Credentials: CredentialsConfig{
			ValidationTTLSec:    300,
			WatchdogIntervalSec: 300,
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			KeyPrefix: "skinarb",
		},
		Database: db.DefaultConfig(),
	}
}

// Load reads configuration as defaults, then the optional YAML file, then
// environment variable overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides on top of file
// and default values.
func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv("SKINARB_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if level := os.Getenv("SKINARB_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if host := os.Getenv("SKINARB_HTTP_HOST"); host != "" {
		cfg.HTTP.Host = host
	}

	if portStr := os.Getenv("SKINARB_HTTP_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.HTTP.Port = port
		}
	}

	if base := os.Getenv("SKINARB_MARKET_A_BASE_URL"); base != "" {
		cfg.MarketA.BaseURL = base
	}

	if base := os.Getenv("SKINARB_MARKET_B_BASE_URL"); base != "" {
		cfg.MarketB.BaseURL = base
	}

	if site := os.Getenv("SKINARB_MARKET_B_SITE_URL"); site != "" {
		cfg.MarketB.SiteURL = site
	}

	if ttl := os.Getenv("SKINARB_CRED_TTL_SEC"); ttl != "" {
		if val, err := strconv.Atoi(ttl); err == nil {
			cfg.Credentials.ValidationTTLSec = val
		}
	}

	if interval := os.Getenv("SKINARB_CRED_WATCHDOG_SEC"); interval != "" {
		if val, err := strconv.Atoi(interval); err == nil {
			cfg.Credentials.WatchdogIntervalSec = val
		}
	}

	if enabled := os.Getenv("SKINARB_REDIS_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			cfg.Redis.Enabled = val
		}
	}

	if addr := os.Getenv("SKINARB_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}

	if password := os.Getenv("SKINARB_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if dbStr := os.Getenv("SKINARB_REDIS_DB"); dbStr != "" {
		if val, err := strconv.Atoi(dbStr); err == nil {
			cfg.Redis.DB = val
		}
	}

	db.ApplyEnvOverrides(&cfg.Database)
}

// Validate ensures the configuration is usable. All violations wrap
// ErrInvalid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir cannot be empty", ErrInvalid)
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http port must be between 1 and 65535, got %d", ErrInvalid, c.HTTP.Port)
	}

	for _, m := range []struct {
		name string
		cfg  MarketConfig
	}{{"market_a", c.MarketA}, {"market_b", c.MarketB}} {
		if m.cfg.BaseURL == "" {
			return fmt.Errorf("%w: %s base_url cannot be empty", ErrInvalid, m.name)
		}
		if _, err := url.Parse(m.cfg.BaseURL); err != nil {
			return fmt.Errorf("%w: %s base_url: %v", ErrInvalid, m.name, err)
		}
		if m.cfg.RequestTimeoutMS <= 0 {
			return fmt.Errorf("%w: %s request_timeout_ms must be positive, got %d", ErrInvalid, m.name, m.cfg.RequestTimeoutMS)
		}
		if m.cfg.MaxRetries < 0 {
			return fmt.Errorf("%w: %s max_retries cannot be negative, got %d", ErrInvalid, m.name, m.cfg.MaxRetries)
		}
	}

	if c.Credentials.ValidationTTLSec < 0 {
		return fmt.Errorf("%w: validation_ttl_sec cannot be negative", ErrInvalid)
	}
	if c.Credentials.WatchdogIntervalSec < 0 {
		return fmt.Errorf("%w: watchdog_interval_sec cannot be negative", ErrInvalid)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis addr is required when redis is enabled", ErrInvalid)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("%w: database: %v", ErrInvalid, err)
	}

	return nil
}
