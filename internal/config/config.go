// Package config provides configuration loading, validation, and defaults for
// estatesync.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for estatesync.
type Config struct {
	Log     LogConfig     `yaml:"log"     json:"log"`
	Server  ServerConfig  `yaml:"server"  json:"server"`
	Backend BackendConfig `yaml:"backend" json:"backend"`
	Redis   RedisConfig   `yaml:"redis"   json:"redis"`
	Sync    SyncConfig    `yaml:"sync"    json:"sync"`
	Stores  []StoreConfig `yaml:"stores"  json:"stores" validate:"dive"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"  json:"level"  env:"ESTATESYNC_LOG_LEVEL"  validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" json:"format" env:"ESTATESYNC_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address" json:"listen_address" env:"ESTATESYNC_LISTEN_ADDRESS" validate:"required"`
	EnablePprof   bool          `yaml:"enable_pprof"   json:"enable_pprof"   env:"ESTATESYNC_ENABLE_PPROF"`
	Webhook       WebhookConfig `yaml:"webhook"        json:"webhook"`
}

// WebhookConfig holds the change-event webhook settings.
type WebhookConfig struct {
	Enabled     bool   `yaml:"enabled"      json:"enabled"      env:"ESTATESYNC_WEBHOOK_ENABLED"`
	SecretToken string `yaml:"secret_token" json:"secret_token" env:"ESTATESYNC_WEBHOOK_SECRET_TOKEN"`
	QueueSize   int    `yaml:"queue_size"   json:"queue_size"   env:"ESTATESYNC_WEBHOOK_QUEUE_SIZE" validate:"omitempty,min=1"`
	Workers     int    `yaml:"workers"      json:"workers"      env:"ESTATESYNC_WEBHOOK_WORKERS"    validate:"omitempty,min=1"`
}

// Backend drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverHasura   = "hasura"
)

// BackendConfig selects and configures the remote data service.
type BackendConfig struct {
	Driver                 string       `yaml:"driver"                    json:"driver"                    env:"ESTATESYNC_BACKEND_DRIVER" validate:"required,oneof=memory postgres sqlite hasura"`
	DSN                    string       `yaml:"dsn"                       json:"dsn"                       env:"ESTATESYNC_POSTGRES_DSN"   validate:"required_if=Driver postgres"`
	SQLitePath             string       `yaml:"sqlite_path"               json:"sqlite_path"               env:"ESTATESYNC_SQLITE_PATH"`
	Hasura                 HasuraConfig `yaml:"hasura"                    json:"hasura"`
	MaxRequestsPerSecond   int          `yaml:"max_requests_per_second"   json:"max_requests_per_second"   env:"ESTATESYNC_BACKEND_MAX_RPS"   validate:"omitempty,min=0"`
	BurstRequestsPerSecond int          `yaml:"burst_requests_per_second" json:"burst_requests_per_second" env:"ESTATESYNC_BACKEND_BURST_RPS" validate:"omitempty,min=0"`
	RequestTimeoutSeconds  int          `yaml:"request_timeout_seconds"   json:"request_timeout_seconds"   env:"ESTATESYNC_BACKEND_TIMEOUT"   validate:"omitempty,min=1"`
}

// RequestTimeout returns the per-request timeout as a time.Duration.
func (c BackendConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// HasuraConfig holds GraphQL engine settings.
type HasuraConfig struct {
	URL          string `yaml:"url"           json:"url"           env:"ESTATESYNC_HASURA_URL"           validate:"omitempty,url"`
	AdminSecret  string `yaml:"admin_secret"  json:"admin_secret"  env:"ESTATESYNC_HASURA_ADMIN_SECRET"`
	ChangeColumn string `yaml:"change_column" json:"change_column" env:"ESTATESYNC_HASURA_CHANGE_COLUMN"`
	IDType       string `yaml:"id_type"       json:"id_type"       env:"ESTATESYNC_HASURA_ID_TYPE"       validate:"omitempty,oneof=String uuid"`
}

// RedisConfig holds Redis connection settings. When URL is empty change
// events stay in-process and checkpoints are kept in memory.
type RedisConfig struct {
	URL     string `yaml:"url"     json:"url"     env:"ESTATESYNC_REDIS_URL"`
	Channel string `yaml:"channel" json:"channel" env:"ESTATESYNC_REDIS_CHANNEL"`
}

// SyncConfig tunes the synchronization layer.
type SyncConfig struct {
	DebounceMillis        int `yaml:"debounce_ms"            json:"debounce_ms"            env:"ESTATESYNC_SYNC_DEBOUNCE_MS"       validate:"omitempty,min=0"`
	ReconnectMinMillis    int `yaml:"reconnect_min_ms"       json:"reconnect_min_ms"       env:"ESTATESYNC_SYNC_RECONNECT_MIN_MS"  validate:"omitempty,min=1"`
	ReconnectMaxMillis    int `yaml:"reconnect_max_ms"       json:"reconnect_max_ms"       env:"ESTATESYNC_SYNC_RECONNECT_MAX_MS"  validate:"omitempty,gtefield=ReconnectMinMillis"`
	StatsIntervalSeconds  int `yaml:"stats_interval_seconds" json:"stats_interval_seconds" env:"ESTATESYNC_SYNC_STATS_INTERVAL"    validate:"omitempty,min=1"`
	ResyncIntervalSeconds int `yaml:"resync_interval_seconds" json:"resync_interval_seconds" env:"ESTATESYNC_SYNC_RESYNC_INTERVAL" validate:"omitempty,min=0"`
}

// Debounce returns the change coalescing window.
func (c SyncConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

// ReconnectMin returns the first reconnect delay.
func (c SyncConfig) ReconnectMin() time.Duration {
	return time.Duration(c.ReconnectMinMillis) * time.Millisecond
}

// ReconnectMax returns the reconnect delay cap.
func (c SyncConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMillis) * time.Millisecond
}

// StatsInterval returns the dashboard stats refresh interval.
func (c SyncConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds) * time.Second
}

// ResyncInterval returns the safety resync interval; zero disables it.
func (c SyncConfig) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalSeconds) * time.Second
}

// StoreConfig names one collection to keep active.
type StoreConfig struct {
	Resource string            `yaml:"resource" json:"resource" validate:"required,oneof=property bill staff repair property_option properties bills repairs"`
	Filter   map[string]string `yaml:"filter"   json:"filter"`
}

// Load reads a YAML configuration file, applies defaults, applies environment
// variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if len(cfg.Stores) == 0 {
		cfg.Stores = DefaultStores()
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides walks the config struct and overwrites fields that have
// an "env" tag if the corresponding environment variable is set.
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesOnValue(reflect.ValueOf(cfg))
}

func applyEnvOverridesOnValue(v reflect.Value) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if fieldVal.Kind() == reflect.Struct {
			applyEnvOverridesOnValue(fieldVal.Addr())
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}
		if envVal, ok := os.LookupEnv(envKey); ok {
			setFieldFromString(fieldVal, envVal)
		}
	}
}

// setFieldFromString sets a reflect.Value from a string, supporting
// string, bool and int field types. Unparseable values are ignored.
func setFieldFromString(field reflect.Value, raw string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			field.SetBool(b)
		}
	case reflect.Int:
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			field.SetInt(int64(n))
		}
	}
}

// redactString replaces a secret string with "****" if non-empty.
func redactString(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// redactURL masks the password of a connection URL, or the whole value if it
// does not parse.
func redactURL(s string) string {
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return "****"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}

// Redacted returns a copy of the Config with sensitive fields masked.
func (c *Config) Redacted() Config {
	cp := *c
	cp.Backend.DSN = redactURL(cp.Backend.DSN)
	cp.Backend.Hasura.AdminSecret = redactString(cp.Backend.Hasura.AdminSecret)
	cp.Server.Webhook.SecretToken = redactString(cp.Server.Webhook.SecretToken)
	cp.Redis.URL = redactURL(cp.Redis.URL)
	return cp
}

// RedactedJSON returns the config as indented JSON with secrets masked.
func (c *Config) RedactedJSON() ([]byte, error) {
	redacted := c.Redacted()
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling redacted config: %w", err)
	}
	return data, nil
}
