package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatty.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), false)
	require.NoError(t, err)
	require.Equal(t, defaultAPIBase, cfg.API.BaseURL)
	require.Equal(t, defaultRequestTimeout, cfg.API.RequestTimeout.Duration())
	require.Equal(t, defaultMaxReconnectAttempts, cfg.Transport.MaxReconnectAttempts)
	require.Equal(t, int64(defaultReadLimit), cfg.Transport.ReadLimit.Int64())
	require.Equal(t, defaultPageSize, cfg.History.PageSize)
	require.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), true)
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
api:
  base_url: http://api.example.com/
  request_timeout: 5s
transport:
  url: wss://live.example.com
  max_reconnect_attempts: 3
  base_delay: 250
  max_delay: 10s
  read_limit: 2MiB
history:
  page_size: 500
store:
  driver: memory
`)
	cfg, err := Load(path, true)
	require.NoError(t, err)
	require.Equal(t, "http://api.example.com", cfg.API.BaseURL)
	require.Equal(t, 5*time.Second, cfg.API.RequestTimeout.Duration())
	require.Equal(t, 3, cfg.Transport.MaxReconnectAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Transport.BaseDelay.Duration())
	require.Equal(t, int64(2<<20), cfg.Transport.ReadLimit.Int64())
	require.Equal(t, maxPageSize, cfg.History.PageSize)
	require.Equal(t, "memory", cfg.Store.Driver)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATTY_API_BASE", "http://env.example.com")
	t.Setenv("CHATTY_MAX_RECONNECT", "9")
	t.Setenv("CHATTY_REQUEST_TIMEOUT", "2s")
	t.Setenv("CHATTY_STORE_DRIVER", "badger")

	cfg, err := Load("", false)
	require.NoError(t, err)
	require.Equal(t, "http://env.example.com", cfg.API.BaseURL)
	require.Equal(t, 9, cfg.Transport.MaxReconnectAttempts)
	require.Equal(t, 2*time.Second, cfg.API.RequestTimeout.Duration())
	require.Equal(t, "badger", cfg.Store.Driver)
	require.Equal(t, defaultStorePath, cfg.Store.Path)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"Bad Transport Scheme", "transport:\n  url: http://x\n"},
		{"Bad Driver", "store:\n  driver: postgres\n"},
		{"Max Below Base", "transport:\n  base_delay: 10s\n  max_delay: 1s\n"},
		{"Bad Duration", "api:\n  request_timeout: soon\n"},
		{"Bad Size", "transport:\n  read_limit: lots\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body), true)
			require.Error(t, err)
		})
	}
}
