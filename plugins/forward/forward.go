// Package forward relays statuses to other HTTP services. Each configured
// target receives the JSON document in a POST; targets are independent, so
// one failing endpoint never stops delivery to the rest.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/eventrelay/config"
	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
	"github.com/c360/eventrelay/pkg/retry"
	"github.com/c360/eventrelay/pkg/tlsutil"
	"github.com/c360/eventrelay/plugin"
)

// Name is the provider name
const Name = "forward"

// Config is the forwarder configuration
type Config struct {
	Targets  []string          `json:"targets"`
	Headers  map[string]string `json:"headers,omitempty"`
	Attempts int               `json:"attempts,omitempty"`
	Delay    config.Duration   `json:"delay,omitempty"`
	Timeout  config.Duration   `json:"timeout,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls,omitempty"`
}

// Defaults
const (
	DefaultAttempts = 3
	DefaultDelay    = 500 * time.Millisecond
	DefaultTimeout  = 10 * time.Second
)

// Forwarder posts statuses to every target
type Forwarder struct {
	targets  []string
	headers  map[string]string
	retry    retry.Config
	client   *http.Client
	logger   *slog.Logger
	requests *prometheus.CounterVec
}

// Registration returns the provider registration
func Registration() *plugin.Registration {
	return &plugin.Registration{
		Name:        Name,
		Description: "POST every status to a list of HTTP endpoints",
		Provider:    provide,
	}
}

func provide(raw json.RawMessage, deps plugin.Dependencies) (plugin.Plugin, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Forwarder", "provide", "parse config")
		}
	}
	return New(cfg, deps)
}

// New validates cfg and creates a forwarder
func New(cfg Config, deps plugin.Dependencies) (*Forwarder, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: forward needs at least one target", errors.ErrMissingConfig), "Forwarder", "New", "validate config")
	}
	for _, t := range cfg.Targets {
		u, err := url.Parse(t)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: target %q is not an http(s) URL", errors.ErrInvalidConfig, t), "Forwarder", "New", "validate config")
		}
	}

	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	delay := cfg.Delay.Std()
	if delay <= 0 {
		delay = DefaultDelay
	}

	client := deps.HTTPClient
	if client == nil {
		timeout := cfg.Timeout.Std()
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
		if !cfg.TLS.IsZero() {
			tlsConfig, err := tlsutil.LoadClientConfig(cfg.TLS)
			if err != nil {
				return nil, err
			}
			transport := http.DefaultTransport.(*http.Transport).Clone()
			transport.TLSClientConfig = tlsConfig
			client.Transport = transport
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventrelay",
		Subsystem: "forward",
		Name:      "requests_total",
		Help:      "Forwarded POSTs by target and result",
	}, []string{"target", "status"})

	f := &Forwarder{
		targets:  cfg.Targets,
		headers:  cfg.Headers,
		retry:    retry.Fixed(attempts, delay),
		client:   client,
		logger:   logger,
		requests: requests,
	}
	f.registerMetrics(deps.Metrics)
	return f, nil
}

func (f *Forwarder) registerMetrics(reg metric.MetricsRegistrar) {
	if err := metric.ReplaceCollector(reg, Name, "requests_total", f.requests); err != nil {
		f.logger.Warn("Failed to register forward metrics", "error", err)
	}
}

// Name returns the plugin name
func (f *Forwarder) Name() string { return Name }

// Handlers returns the primary handler
func (f *Forwarder) Handlers() map[message.Category]plugin.Handler {
	return map[message.Category]plugin.Handler{
		message.Primary: f.Forward,
	}
}

// Forward posts msg to every target. The returned error joins the targets
// that still failed after retrying.
func (f *Forwarder) Forward(ctx context.Context, msg message.Message, _ plugin.Event) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	var errs []error
	for _, target := range f.targets {
		if err := retry.Do(ctx, f.retry, func() error { return f.post(ctx, target, body) }); err != nil {
			f.requests.WithLabelValues(target, "error").Inc()
			f.logger.Warn("Forwarding failed", "target", target, "status_id", msg.ID(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		f.requests.WithLabelValues(target, "ok").Inc()
	}
	return errors.Join(errs...)
}

// post sends one request. Client errors other than 429 are not retried.
func (f *Forwarder) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(errors.WrapInvalid(err, "Forwarder", "post", "build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Forwarder", "post", "send request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.WrapTransient(fmt.Errorf("status %d", resp.StatusCode), "Forwarder", "post", "send request")
	default:
		return retry.NonRetryable(errors.WrapInvalid(
			fmt.Errorf("status %d", resp.StatusCode), "Forwarder", "post", "send request"))
	}
}
