package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/eventrelay/errors"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "EVENTRELAY"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer; later layers win
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment override prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file. An empty path loads
// defaults plus environment.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = nil
	if path != "" {
		l.layers = []string{path}
	}
	return l.Load()
}

// Load merges defaults, every layer and the environment
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, err
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged layers")
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "decode configuration")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "loadRaw", fmt.Sprintf("read %s", path))
	}

	raw := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "loadRaw", fmt.Sprintf("parse %s", path))
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "loadRaw", fmt.Sprintf("parse %s", path))
		}
	}
	return normalizeKeys(raw).(map[string]any), nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if val, ok := l.lookupEnv(l.envPrefix + "_" + key); ok && val != "" {
			*dst = val
		}
	}

	str("CONSUMER_KEY", &cfg.Credentials.ConsumerKey)
	str("CONSUMER_SECRET", &cfg.Credentials.ConsumerSecret)
	str("ACCESS_TOKEN", &cfg.Credentials.AccessToken)
	str("ACCESS_SECRET", &cfg.Credentials.AccessSecret)

	str("STREAM_URL", &cfg.Stream.URL)
	str("STREAM_TRANSPORT", &cfg.Stream.Transport)
	str("ACCOUNT_ID", &cfg.Daemon.AccountID)

	if val, ok := l.lookupEnv(l.envPrefix + "_PLUGINS"); ok {
		cfg.Plugins = splitList(val)
	}

	str("QUEUE_BACKEND", &cfg.Queue.Backend)
	str("QUEUE_STREAM", &cfg.Queue.Stream)
	str("REDIS_ADDR", &cfg.Queue.Redis.Addr)
	str("REDIS_USERNAME", &cfg.Queue.Redis.Username)
	str("REDIS_PASSWORD", &cfg.Queue.Redis.Password)
	if val, ok := l.lookupEnv(l.envPrefix + "_REDIS_DB"); ok && val != "" {
		db, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s_REDIS_DB=%q", errors.ErrInvalidConfig, l.envPrefix, val), "Loader", "applyEnvOverrides", "parse redis db")
		}
		cfg.Queue.Redis.DB = db
	}
	str("NATS_URL", &cfg.Queue.NATS.URL)
	str("NATS_TOKEN", &cfg.Queue.NATS.Token)
	str("SQLITE_PATH", &cfg.Queue.SQLite.Path)

	str("WEBHOOK_ADDR", &cfg.Webhook.Addr)
	str("WEBHOOK_TLS_CERT", &cfg.Webhook.TLS.CertFile)
	str("WEBHOOK_TLS_KEY", &cfg.Webhook.TLS.KeyFile)
	str("METRICS_ADDR", &cfg.Metrics.Addr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	return nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// deepMergeMaps merges override into base. Nested objects merge key by
// key; every other value, lists included, replaces the base value.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if overrideMap, ok := v.(map[string]any); ok {
			if baseMap, ok := result[k].(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// normalizeKeys converts YAML's map[any]any nodes into map[string]any
func normalizeKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeKeys(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeKeys(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalizeKeys(item)
		}
		return val
	default:
		return v
	}
}
