// Package main runs the webhook intake server, which feeds the durable
// queue read by eventrelay-consumer.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/c360/eventrelay/config"
	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/health"
	"github.com/c360/eventrelay/metric"
	"github.com/c360/eventrelay/pkg/tlsutil"
	"github.com/c360/eventrelay/queue"
	"github.com/c360/eventrelay/webhook"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "eventrelay-webhook"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, tlsConfig, err := serverConfig(cliCfg)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		fmt.Println("Configuration is valid")
		return nil
	}

	logger := setupLogger(pick(cliCfg.LogLevel, cfg.Log.Level), pick(cliCfg.LogFormat, cfg.Log.Format))
	slog.SetDefault(logger)
	logger.Info("Starting eventrelay webhook server",
		"version", Version,
		"addr", cfg.Webhook.Addr,
		"path", cfg.Webhook.Path,
		"queue_backend", cfg.Queue.Backend)
	if cfg.Queue.Backend == config.BackendMemory {
		logger.Warn("Memory queue selected: events are lost on exit and invisible to other processes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	relayMetrics := metricsRegistry.RelayMetrics()
	monitor := health.NewMonitor()

	q, err := queue.Open(ctx, cfg.Queue,
		queue.WithLogger(logger), queue.WithMetrics(relayMetrics), queue.WithHealth(monitor))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Warn("Closing queue failed", "error", err)
		}
	}()

	srv, err := webhook.NewServer(cfg.Webhook.Addr, cfg.Credentials.ConsumerSecret, q,
		webhook.WithPath(cfg.Webhook.Path),
		webhook.WithRateLimit(cfg.Webhook.RateLimit, cfg.Webhook.Burst),
		webhook.WithTLS(tlsConfig),
		webhook.WithHealth(monitor),
		webhook.WithLogger(logger),
		webhook.WithMetrics(relayMetrics))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.Metrics.Addr != "" {
		ms := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, metricsRegistry,
			metric.WithHealth(monitor.Handler(appName)))
		g.Go(func() error { return ms.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("eventrelay webhook server stopped")
	return err
}

// serverConfig loads the configuration, applies flag overrides and builds
// the listener TLS config. It opens nothing.
func serverConfig(cliCfg *CLIConfig) (*config.Config, *tls.Config, error) {
	cfg, err := config.NewLoader().LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Addr != "" {
		cfg.Webhook.Addr = cliCfg.Addr
	}
	if cfg.Credentials.ConsumerSecret == "" {
		return nil, nil, errors.WrapInvalid(errors.ErrMissingConfig, "main", "serverConfig",
			"consumer secret is required to verify webhooks")
	}
	tlsConfig, err := tlsutil.LoadServerConfig(cfg.Webhook.TLS)
	if err != nil {
		return nil, nil, fmt.Errorf("webhook tls: %w", err)
	}
	return cfg, tlsConfig, nil
}
