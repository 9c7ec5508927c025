package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/pkg/tlsutil"
)

// Supported stream transports
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// Supported queue backends
const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendRedis     = "redis"
	BackendJetStream = "jetstream"
)

// Config is the complete relay configuration shared by all binaries
type Config struct {
	Credentials  Credentials                `json:"credentials"`
	Stream       StreamConfig               `json:"stream"`
	Daemon       DaemonConfig               `json:"daemon"`
	Plugins      []string                   `json:"plugins"`
	PluginConfig map[string]json.RawMessage `json:"plugin_config,omitempty"`
	Queue        QueueConfig                `json:"queue"`
	Webhook      WebhookConfig              `json:"webhook"`
	Consumers    []ConsumerConfig           `json:"consumers,omitempty"`
	Metrics      MetricsConfig              `json:"metrics"`
	Log          LogConfig                  `json:"log"`
}

// Credentials holds the OAuth1 application and user secrets. The consumer
// secret also keys webhook signatures.
type Credentials struct {
	ConsumerKey    string `json:"consumer_key,omitempty"`
	ConsumerSecret string `json:"consumer_secret,omitempty"`
	AccessToken    string `json:"access_token,omitempty"`
	AccessSecret   string `json:"access_secret,omitempty"`
}

// StreamConfig describes the upstream streaming endpoint
type StreamConfig struct {
	URL         string            `json:"url"`
	Params      map[string]string `json:"params,omitempty"`
	Transport   string            `json:"transport"`
	IdleTimeout Duration          `json:"idle_timeout"`
	UserAgent   string            `json:"user_agent,omitempty"`
}

// DaemonConfig tunes the streaming loop
type DaemonConfig struct {
	RetryDelay    Duration `json:"retry_delay"`
	ReconnectCode int      `json:"reconnect_code"`
	AccountID     string   `json:"account_id,omitempty"`
}

// QueueConfig selects and configures the durable queue backend
type QueueConfig struct {
	Backend      string          `json:"backend"`
	Stream       string          `json:"stream"`
	Field        string          `json:"field"`
	BlockTimeout Duration        `json:"block_timeout"`
	Redis        RedisConfig     `json:"redis"`
	NATS         NATSQueueConfig `json:"nats"`
	SQLite       SQLiteConfig    `json:"sqlite"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// NATSQueueConfig holds JetStream backend settings
type NATSQueueConfig struct {
	URL      string   `json:"url"`
	Subject  string   `json:"subject,omitempty"`
	Token    string   `json:"token,omitempty"`
	User     string   `json:"user,omitempty"`
	Password string   `json:"password,omitempty"`
	AckWait  Duration `json:"ack_wait"`
}

// SQLiteConfig holds sqlite backend settings
type SQLiteConfig struct {
	Path         string   `json:"path"`
	PollInterval Duration `json:"poll_interval"`
}

// WebhookConfig configures the HTTP intake server
type WebhookConfig struct {
	Addr      string  `json:"addr"`
	Path      string  `json:"path"`
	RateLimit float64 `json:"rate_limit"`
	Burst     int     `json:"burst"`

	TLS tlsutil.ServerConfig `json:"tls,omitempty"`
}

// ConsumerConfig describes one queue consumer run by eventrelay-consumer.
// Plugins defaults to the top-level plugin list.
type ConsumerConfig struct {
	Group        string   `json:"group"`
	Name         string   `json:"name,omitempty"`
	Plugins      []string `json:"plugins,omitempty"`
	FailureDelay Duration `json:"failure_delay"`
}

// PluginsFor returns the plugin list a consumer runs
func (c *Config) PluginsFor(cc ConsumerConfig) []string {
	if len(cc.Plugins) > 0 {
		return cc.Plugins
	}
	return c.Plugins
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
	Path string `json:"path"`
}

// LogConfig selects log level and format
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the configuration used before any layer is applied
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			URL:         "https://userstream.twitter.com/1.1/user.json",
			Params:      map[string]string{"stringify_friend_ids": "true"},
			Transport:   TransportHTTP,
			IdleTimeout: Duration(90 * time.Second),
			UserAgent:   "eventrelay",
		},
		Daemon: DaemonConfig{
			RetryDelay:    Duration(10 * time.Second),
			ReconnectCode: 12,
		},
		Plugins: []string{},
		Queue: QueueConfig{
			Backend:      BackendMemory,
			Stream:       "events",
			Field:        "event",
			BlockTimeout: Duration(5 * time.Second),
			Redis:        RedisConfig{Addr: "localhost:6379"},
			NATS: NATSQueueConfig{
				URL:     "nats://localhost:4222",
				AckWait: Duration(time.Hour),
			},
			SQLite: SQLiteConfig{
				Path:         "eventrelay-queue.db",
				PollInterval: Duration(500 * time.Millisecond),
			},
		},
		Webhook: WebhookConfig{
			Addr:  ":8080",
			Path:  "/webhook",
			Burst: 20,
		},
		Metrics: MetricsConfig{Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the configuration for values no component can run with
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...))
	}

	switch c.Stream.Transport {
	case TransportHTTP, TransportWebSocket:
	default:
		invalid("stream.transport %q must be %q or %q", c.Stream.Transport, TransportHTTP, TransportWebSocket)
	}
	if c.Stream.IdleTimeout < 0 {
		invalid("stream.idle_timeout must not be negative")
	}
	if c.Daemon.RetryDelay < 0 {
		invalid("daemon.retry_delay must not be negative")
	}

	switch c.Queue.Backend {
	case BackendMemory, BackendSQLite, BackendRedis, BackendJetStream:
	default:
		invalid("queue.backend %q is not supported", c.Queue.Backend)
	}
	if strings.TrimSpace(c.Queue.Stream) == "" {
		invalid("queue.stream is required")
	}
	if strings.TrimSpace(c.Queue.Field) == "" {
		invalid("queue.field is required")
	}
	if c.Queue.Backend == BackendRedis && c.Queue.Redis.Addr == "" {
		invalid("queue.redis.addr is required for the redis backend")
	}
	if c.Queue.Backend == BackendJetStream && c.Queue.NATS.URL == "" {
		invalid("queue.nats.url is required for the jetstream backend")
	}
	if c.Queue.Backend == BackendSQLite && c.Queue.SQLite.Path == "" {
		invalid("queue.sqlite.path is required for the sqlite backend")
	}

	if !strings.HasPrefix(c.Webhook.Path, "/") {
		invalid("webhook.path %q must start with /", c.Webhook.Path)
	}
	if c.Webhook.RateLimit < 0 || c.Webhook.Burst < 0 {
		invalid("webhook rate limit and burst must not be negative")
	}
	if tc := c.Webhook.TLS; tc.Enabled() && (tc.CertFile == "" || tc.KeyFile == "") {
		invalid("webhook.tls needs both cert_file and key_file")
	}

	seen := make(map[string]bool)
	for i, cc := range c.Consumers {
		if cc.Group == "" {
			invalid("consumers[%d].group is required", i)
			continue
		}
		key := cc.Group + "/" + cc.Name
		if cc.Name != "" && seen[key] {
			invalid("consumers[%d] duplicates %s", i, key)
		}
		seen[key] = true
	}

	if len(errs) > 0 {
		return errors.WrapInvalid(errors.Join(errs...), "Config", "Validate", "validate configuration")
	}
	return nil
}

// HasPlugin reports whether name is in the enabled plugin list
func (c *Config) HasPlugin(name string) bool {
	for _, p := range c.Plugins {
		if p == name {
			return true
		}
	}
	return false
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String renders the configuration with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	mask := func(s *string) {
		if *s != "" {
			*s = "****"
		}
	}
	mask(&masked.Credentials.ConsumerKey)
	mask(&masked.Credentials.ConsumerSecret)
	mask(&masked.Credentials.AccessToken)
	mask(&masked.Credentials.AccessSecret)
	mask(&masked.Queue.Redis.Password)
	mask(&masked.Queue.NATS.Token)
	mask(&masked.Queue.NATS.Password)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Duration is a time.Duration that reads "10s" style strings, or plain
// numbers as seconds, and writes the string form.
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(v * float64(time.Second))
	case string:
		parsed, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// ParseDuration extends time.ParseDuration with a "d" day suffix and bare
// integers meaning seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
