package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the client configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Transport TransportConfig `yaml:"transport"`
	History   HistoryConfig   `yaml:"history"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIConfig holds REST gateway settings.
type APIConfig struct {
	BaseURL        string   `yaml:"base_url"`
	RequestTimeout Duration `yaml:"request_timeout"`
	RateLimit      struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// TransportConfig holds live-update connection settings.
type TransportConfig struct {
	URL                  string    `yaml:"url"`
	MaxReconnectAttempts int       `yaml:"max_reconnect_attempts"`
	BaseDelay            Duration  `yaml:"base_delay"`
	MaxDelay             Duration  `yaml:"max_delay"`
	ReadLimit            SizeBytes `yaml:"read_limit"`
}

type HistoryConfig struct {
	PageSize int `yaml:"page_size"`
}

// StoreConfig selects the durable credential store.
type StoreConfig struct {
	Driver  string `yaml:"driver"` // sqlite, badger or memory
	Path    string `yaml:"path"`
	SealKey string `yaml:"seal_key"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Duration accepts "30s"-style strings or integer milliseconds.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

// SizeBytes accepts "1MiB"-style strings or plain byte counts.
type SizeBytes int64

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s *SizeBytes) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = SizeBytes(parsed)
	return nil
}

func parseSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return int64(v), nil
}
