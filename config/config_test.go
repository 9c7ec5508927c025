package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventrelay/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Daemon.RetryDelay.Std())
	assert.Equal(t, 12, cfg.Daemon.ReconnectCode)
	assert.Equal(t, 90*time.Second, cfg.Stream.IdleTimeout.Std())
	assert.Equal(t, "event", cfg.Queue.Field)
	assert.Equal(t, BackendMemory, cfg.Queue.Backend)
}

func TestLoader_JSONLayer(t *testing.T) {
	path := writeFile(t, "relay.json", `{
		"plugins": ["printer", "media"],
		"plugin_config": {"media": {"root": "/tmp/media"}},
		"daemon": {"retry_delay": "2s"},
		"queue": {"backend": "redis", "redis": {"addr": "redis:6379"}}
	}`)

	l := NewLoader()
	l.lookupEnv = noEnv
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"printer", "media"}, cfg.Plugins)
	assert.JSONEq(t, `{"root":"/tmp/media"}`, string(cfg.PluginConfig["media"]))
	assert.Equal(t, 2*time.Second, cfg.Daemon.RetryDelay.Std())
	assert.Equal(t, 12, cfg.Daemon.ReconnectCode, "untouched defaults survive the merge")
	assert.Equal(t, BackendRedis, cfg.Queue.Backend)
	assert.Equal(t, "redis:6379", cfg.Queue.Redis.Addr)
	assert.Equal(t, "events", cfg.Queue.Stream)
}

func TestLoader_YAMLLayer(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
plugins: [forward]
plugin_config:
  forward:
    urls: ["http://a", "http://b"]
stream:
  transport: websocket
  idle_timeout: 30
webhook:
  path: /hooks/activity
  rate_limit: 5.5
`)

	l := NewLoader()
	l.lookupEnv = noEnv
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"forward"}, cfg.Plugins)
	assert.JSONEq(t, `{"urls":["http://a","http://b"]}`, string(cfg.PluginConfig["forward"]))
	assert.Equal(t, TransportWebSocket, cfg.Stream.Transport)
	assert.Equal(t, 30*time.Second, cfg.Stream.IdleTimeout.Std())
	assert.Equal(t, "/hooks/activity", cfg.Webhook.Path)
	assert.InDelta(t, 5.5, cfg.Webhook.RateLimit, 0.001)
}

func TestLoader_LayersOverrideInOrder(t *testing.T) {
	base := writeFile(t, "base.json", `{"plugins": ["printer"], "log": {"level": "debug"}}`)
	override := writeFile(t, "override.json", `{"plugins": ["media"]}`)

	l := NewLoader()
	l.lookupEnv = noEnv
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"media"}, cfg.Plugins)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"EVENTRELAY_CONSUMER_KEY":    "ck",
		"EVENTRELAY_CONSUMER_SECRET": "cs",
		"EVENTRELAY_ACCESS_TOKEN":    "at",
		"EVENTRELAY_ACCESS_SECRET":   "as",
		"EVENTRELAY_QUEUE_BACKEND":   "jetstream",
		"EVENTRELAY_NATS_URL":        "nats://nats:4222",
		"EVENTRELAY_PLUGINS":         "printer, media,,",
		"EVENTRELAY_REDIS_DB":        "3",
	}
	l := NewLoader()
	l.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := l.LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, Credentials{ConsumerKey: "ck", ConsumerSecret: "cs", AccessToken: "at", AccessSecret: "as"}, cfg.Credentials)
	assert.Equal(t, BackendJetStream, cfg.Queue.Backend)
	assert.Equal(t, "nats://nats:4222", cfg.Queue.NATS.URL)
	assert.Equal(t, []string{"printer", "media"}, cfg.Plugins)
	assert.Equal(t, 3, cfg.Queue.Redis.DB)
}

func TestLoader_EnvOverridesWithSetenv(t *testing.T) {
	t.Setenv("EVENTRELAY_LOG_LEVEL", "warn")
	cfg, err := NewLoader().LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_BadRedisDB(t *testing.T) {
	l := NewLoader()
	l.lookupEnv = func(k string) (string, bool) {
		if k == "EVENTRELAY_REDIS_DB" {
			return "three", true
		}
		return "", false
	}
	_, err := l.LoadFile("")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_Errors(t *testing.T) {
	l := NewLoader()
	l.lookupEnv = noEnv

	_, err := l.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.IsInvalid(err))

	_, err = l.LoadFile(writeFile(t, "broken.json", `{"plugins": [`))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = l.LoadFile(writeFile(t, "bad.json", `{"queue": {"backend": "kafka"}}`))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsInvalid(err))

	l.EnableValidation(false)
	cfg, err := l.LoadFile(writeFile(t, "bad2.json", `{"queue": {"backend": "kafka"}}`))
	require.NoError(t, err)
	assert.Equal(t, "kafka", cfg.Queue.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad transport", func(c *Config) { c.Stream.Transport = "grpc" }},
		{"negative retry", func(c *Config) { c.Daemon.RetryDelay = -1 }},
		{"empty stream", func(c *Config) { c.Queue.Stream = " " }},
		{"empty field", func(c *Config) { c.Queue.Field = "" }},
		{"redis without addr", func(c *Config) { c.Queue.Backend = BackendRedis; c.Queue.Redis.Addr = "" }},
		{"jetstream without url", func(c *Config) { c.Queue.Backend = BackendJetStream; c.Queue.NATS.URL = "" }},
		{"sqlite without path", func(c *Config) { c.Queue.Backend = BackendSQLite; c.Queue.SQLite.Path = "" }},
		{"relative webhook path", func(c *Config) { c.Webhook.Path = "webhook" }},
		{"consumer without group", func(c *Config) { c.Consumers = []ConsumerConfig{{Name: "a"}} }},
		{"duplicate consumer", func(c *Config) {
			c.Consumers = []ConsumerConfig{{Group: "g", Name: "a"}, {Group: "g", Name: "a"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
		C Duration `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1m30s","b":2.5,"c":"2d"}`), &v))
	assert.Equal(t, 90*time.Second, v.A.Std())
	assert.Equal(t, 2500*time.Millisecond, v.B.Std())
	assert.Equal(t, 48*time.Hour, v.C.Std())

	data, err := json.Marshal(v.A)
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`{"a":"soon"}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &v))
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Credentials.ConsumerSecret = "super-secret"
	cfg.Queue.Redis.Password = "hunter2"

	s := cfg.String()
	assert.NotContains(t, s, "super-secret")
	assert.NotContains(t, s, "hunter2")
	assert.Contains(t, s, "****")
	assert.Equal(t, "super-secret", cfg.Credentials.ConsumerSecret, "String must not mutate")
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)
	got := sc.Get()
	got.Plugins = append(got.Plugins, "mutated")
	assert.Empty(t, sc.Get().Plugins, "Get returns a copy")

	next := Default()
	next.Plugins = []string{"printer"}
	require.NoError(t, sc.Update(next))
	assert.Equal(t, []string{"printer"}, sc.Get().Plugins)

	bad := Default()
	bad.Queue.Backend = "nope"
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))
	assert.Equal(t, []string{"printer"}, sc.Get().Plugins)
}

func TestWatcher_SignalsOnWrite(t *testing.T) {
	path := writeFile(t, "relay.json", `{}`)
	other := filepath.Join(filepath.Dir(path), "other.json")

	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(other, []byte(`{}`), 0o600))
	select {
	case <-w.Changes():
		t.Fatal("change reported for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"plugins":["printer"]}`), 0o600))
	select {
	case <-w.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestReloadTrigger_SignalAndFile(t *testing.T) {
	path := writeFile(t, "relay.json", `{}`)

	trig, err := NewReloadTrigger(path, []os.Signal{syscall.SIGUSR1}, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- trig.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give signal.Notify time to install before raising the signal
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	select {
	case <-trig.C():
	case <-time.After(3 * time.Second):
		t.Fatal("signal did not trigger a reload")
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"plugins":["printer"]}`), 0o600))
	select {
	case <-trig.C():
	case <-time.After(3 * time.Second):
		t.Fatal("file change did not trigger a reload")
	}
}

func TestReloadTrigger_WithoutSources(t *testing.T) {
	trig, err := NewReloadTrigger("", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, trig.Run(ctx))
}

func TestPluginsFor(t *testing.T) {
	cfg := Default()
	cfg.Plugins = []string{"printer", "forward"}

	assert.Equal(t, []string{"printer", "forward"}, cfg.PluginsFor(ConsumerConfig{Group: "print"}))
	assert.Equal(t, []string{"media"}, cfg.PluginsFor(ConsumerConfig{Group: "image", Plugins: []string{"media"}}))
}
