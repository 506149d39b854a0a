package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultAPIBase              = "http://localhost:8080"
	defaultWSURL                = "ws://localhost:8082"
	defaultRequestTimeout       = 30 * time.Second
	defaultRateRPS              = 20
	defaultRateBurst            = 40
	defaultMaxReconnectAttempts = 5
	defaultBaseDelay            = time.Second
	defaultMaxDelay             = 30 * time.Second
	defaultReadLimit            = 1 << 20
	defaultPageSize             = 50
	maxPageSize                 = 200
	defaultStoreDriver          = "sqlite"
	defaultStorePath            = "./chatty.db"
	devSealKey                  = "chatty-dev-seal-key-change-me"
)

// Load builds the effective config: file (when present), then .env and
// CHATTY_* environment overrides, then defaults. explicit reports whether the
// caller named the file; a missing explicit file is an error.
func Load(path string, explicit bool) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
		case os.IsNotExist(err):
			return nil, fmt.Errorf("config file not found: %s", path)
		default:
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CHATTY_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("CHATTY_API_BASE"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("CHATTY_WS_URL"); v != "" {
		c.Transport.URL = v
	}
	if v := os.Getenv("CHATTY_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("CHATTY_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("CHATTY_SEAL_KEY"); v != "" {
		c.Store.SealKey = v
	}
	if v := os.Getenv("CHATTY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHATTY_REQUEST_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("CHATTY_REQUEST_TIMEOUT: %w", err)
		}
		c.API.RequestTimeout = Duration(d)
	}
	if v := os.Getenv("CHATTY_MAX_RECONNECT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATTY_MAX_RECONNECT: invalid int %q", v)
		}
		c.Transport.MaxReconnectAttempts = n
	}
	return nil
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		c.API.BaseURL = defaultAPIBase
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.RequestTimeout <= 0 {
		c.API.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if c.API.RateLimit.RPS <= 0 {
		c.API.RateLimit.RPS = defaultRateRPS
	}
	if c.API.RateLimit.Burst <= 0 {
		c.API.RateLimit.Burst = defaultRateBurst
	}

	if c.Transport.URL == "" {
		c.Transport.URL = defaultWSURL
	}
	c.Transport.URL = strings.TrimRight(c.Transport.URL, "/")
	if !strings.HasPrefix(c.Transport.URL, "ws://") && !strings.HasPrefix(c.Transport.URL, "wss://") {
		return fmt.Errorf("transport.url must be ws:// or wss://, got %q", c.Transport.URL)
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		return fmt.Errorf("transport.max_reconnect_attempts must be >= 0")
	}
	if c.Transport.MaxReconnectAttempts == 0 {
		c.Transport.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.Transport.BaseDelay <= 0 {
		c.Transport.BaseDelay = Duration(defaultBaseDelay)
	}
	if c.Transport.MaxDelay <= 0 {
		c.Transport.MaxDelay = Duration(defaultMaxDelay)
	}
	if c.Transport.MaxDelay < c.Transport.BaseDelay {
		return fmt.Errorf("transport.max_delay (%s) is below base_delay (%s)",
			c.Transport.MaxDelay.Duration(), c.Transport.BaseDelay.Duration())
	}
	if c.Transport.ReadLimit <= 0 {
		c.Transport.ReadLimit = defaultReadLimit
	}

	if c.History.PageSize <= 0 {
		c.History.PageSize = defaultPageSize
	}
	if c.History.PageSize > maxPageSize {
		c.History.PageSize = maxPageSize
	}

	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	switch c.Store.Driver {
	case "sqlite", "badger":
		if c.Store.Path == "" {
			c.Store.Path = defaultStorePath
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, badger or memory, got %q", c.Store.Driver)
	}
	if c.Store.SealKey == "" {
		c.Store.SealKey = devSealKey
	}
	return nil
}
