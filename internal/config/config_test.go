package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, DriverMemory, cfg.Backend.Driver)
	assert.Equal(t, 25*time.Millisecond, cfg.Sync.Debounce())
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.ReconnectMin())
	assert.Equal(t, 30*time.Second, cfg.Sync.ReconnectMax())
	assert.Equal(t, time.Minute, cfg.Sync.StatsInterval())
	assert.Equal(t, 30*time.Second, cfg.Backend.RequestTimeout())
	assert.Equal(t, DefaultStores(), cfg.Stores)
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
log:
  level: debug
  format: json
backend:
  driver: postgres
  dsn: postgres://app:secret@db:5432/estates
sync:
  debounce_ms: 100
stores:
  - resource: bill
    filter:
      type: water
  - resource: property_option
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, DriverPostgres, cfg.Backend.Driver)
	assert.Equal(t, 100*time.Millisecond, cfg.Sync.Debounce())
	// Unset keys keep their defaults.
	assert.Equal(t, 250, cfg.Sync.ReconnectMinMillis)
	require.Len(t, cfg.Stores, 2)
	assert.Equal(t, map[string]string{"type": "water"}, cfg.Stores[0].Filter)
	assert.Equal(t, "property_option", cfg.Stores[1].Resource)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "estatesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen_address: \":9090\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.ListenAddress)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ESTATESYNC_LOG_LEVEL", "warn")
	t.Setenv("ESTATESYNC_BACKEND_DRIVER", "sqlite")
	t.Setenv("ESTATESYNC_SQLITE_PATH", "/var/lib/estatesync/data.db")
	t.Setenv("ESTATESYNC_SYNC_DEBOUNCE_MS", "40")
	t.Setenv("ESTATESYNC_ENABLE_PPROF", "true")
	t.Setenv("ESTATESYNC_SYNC_STATS_INTERVAL", "not-a-number")

	cfg, err := Parse([]byte("log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, DriverSQLite, cfg.Backend.Driver)
	assert.Equal(t, "/var/lib/estatesync/data.db", cfg.Backend.SQLitePath)
	assert.Equal(t, 40, cfg.Sync.DebounceMillis)
	assert.True(t, cfg.Server.EnablePprof)
	assert.Equal(t, 60, cfg.Sync.StatsIntervalSeconds)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown driver", "backend:\n  driver: mongo\n", "Driver"},
		{"postgres without dsn", "backend:\n  driver: postgres\n", "DSN"},
		{"hasura without url", "backend:\n  driver: hasura\n", "backend.hasura.url"},
		{"webhook without token", "server:\n  webhook:\n    enabled: true\n", "secret_token"},
		{"unknown resource", "stores:\n  - resource: invoices\n", "Resource"},
		{"bad log level", "log:\n  level: loud\n", "Level"},
		{"reconnect max below min", "sync:\n  reconnect_min_ms: 500\n  reconnect_max_ms: 100\n", "ReconnectMaxMillis"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("log: [unclosed"))
	assert.ErrorContains(t, err, "parsing config file")
}

func TestRedacted(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	cfg.Backend.DSN = "postgres://app:secret@db:5432/estates"
	cfg.Backend.Hasura.AdminSecret = "hasura-secret"
	cfg.Server.Webhook.SecretToken = "hook-token"
	cfg.Redis.URL = "redis://:redispass@cache:6379/0"

	red := cfg.Redacted()
	assert.NotContains(t, red.Backend.DSN, "secret")
	assert.Contains(t, red.Backend.DSN, "app:")
	assert.Contains(t, red.Backend.DSN, "@db:5432/estates")
	assert.Equal(t, "****", red.Backend.Hasura.AdminSecret)
	assert.Equal(t, "****", red.Server.Webhook.SecretToken)
	assert.NotContains(t, red.Redis.URL, "redispass")
	assert.Equal(t, "hook-token", cfg.Server.Webhook.SecretToken, "original untouched")

	data, err := cfg.RedactedJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hasura-secret")
	assert.NotContains(t, string(data), "app:secret")
	assert.NotContains(t, string(data), "hook-token")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "backend")
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "", redactURL(""))
	assert.Equal(t, "****", redactURL("host=db password=secret"))
	assert.Equal(t, "redis://cache:6379", redactURL("redis://cache:6379"))
}
