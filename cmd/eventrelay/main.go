// Package main runs the streaming daemon. It keeps one upstream connection
// open, classifies every line and hands payload messages to the configured
// plugins until it is stopped or the upstream ends the session for good.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/c360/eventrelay/config"
	"github.com/c360/eventrelay/daemon"
	"github.com/c360/eventrelay/dispatch"
	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/health"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
	"github.com/c360/eventrelay/plugin"
	"github.com/c360/eventrelay/plugins"
	"github.com/c360/eventrelay/stream"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "eventrelay"
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

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if err := requireCredentials(cfg); err != nil {
		return err
	}
	if cliCfg.Validate {
		fmt.Println("Configuration is valid")
		return nil
	}

	logger := setupLogger(pick(cliCfg.LogLevel, cfg.Log.Level), pick(cliCfg.LogFormat, cfg.Log.Format))
	slog.SetDefault(logger)
	logger.Info("Starting eventrelay daemon",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"stream", cfg.Stream.URL,
		"transport", cfg.Stream.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	relayMetrics := metricsRegistry.RelayMetrics()
	monitor := health.NewMonitor()

	registry := plugin.NewRegistry(
		plugin.WithLogger(logger),
		plugin.WithMetrics(relayMetrics),
		plugin.WithDependencies(plugin.Dependencies{
			Logger:    logger,
			Metrics:   metricsRegistry,
			AccountID: cfg.Daemon.AccountID,
		}),
	)
	defer registry.Close()

	if err := plugins.Register(registry); err != nil {
		return fmt.Errorf("register plugins: %w", err)
	}
	registry.Reload(ctx, cfg.Plugins, cfg.PluginConfig)

	conn := stream.NewConnection(newDialer(cfg),
		stream.WithLogger(logger),
		stream.WithMetrics(relayMetrics))

	dispatcher := dispatch.New(registry,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(relayMetrics),
		dispatch.WithAccountID(cfg.Daemon.AccountID))

	d := daemon.New(conn, dispatcher,
		daemon.WithRetryDelay(cfg.Daemon.RetryDelay.Std()),
		daemon.WithClassifier(message.NewClassifier(message.WithReconnectCode(cfg.Daemon.ReconnectCode))),
		daemon.WithRegistry(registry),
		daemon.WithHealth(monitor),
		daemon.WithLogger(logger),
		daemon.WithMetrics(relayMetrics))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.Run(gctx); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		return nil
	})

	if cfg.Metrics.Addr != "" {
		srv := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, metricsRegistry,
			metric.WithHealth(monitor.Handler(appName)))
		g.Go(func() error { return srv.Run(gctx) })
	}

	watchPath := cliCfg.ConfigPath
	if cliCfg.NoWatch {
		watchPath = ""
	}
	trigger, err := config.NewReloadTrigger(watchPath, []os.Signal{syscall.SIGUSR1, syscall.SIGHUP},
		config.WithWatcherLogger(logger))
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	g.Go(func() error { return trigger.Run(gctx) })

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-trigger.C():
				next, err := loadConfig(cliCfg.ConfigPath)
				if err != nil {
					logger.Error("Reload skipped, configuration rejected", "error", err)
					continue
				}
				if _, err := d.Reload(gctx, next.Plugins, next.PluginConfig); err != nil {
					logger.Error("Reload failed", "error", err)
				}
			}
		}
	})

	err = g.Wait()
	logger.Info("eventrelay daemon stopped")
	return err
}

// requireCredentials rejects an OAuth1 stream without its four secrets
func requireCredentials(cfg *config.Config) error {
	if cfg.Stream.Transport != config.TransportHTTP {
		return nil
	}
	c := cfg.Credentials
	if c.ConsumerKey == "" || c.ConsumerSecret == "" || c.AccessToken == "" || c.AccessSecret == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "main", "requireCredentials",
			"consumer key, consumer secret, access token and access secret are required")
	}
	return nil
}

// newDialer builds the transport named by the stream configuration
func newDialer(cfg *config.Config) stream.Dialer {
	if cfg.Stream.Transport == config.TransportWebSocket {
		header := http.Header{}
		if cfg.Stream.UserAgent != "" {
			header.Set("User-Agent", cfg.Stream.UserAgent)
		}
		return &stream.WebSocketDialer{
			URL:         cfg.Stream.URL,
			Header:      header,
			IdleTimeout: cfg.Stream.IdleTimeout.Std(),
		}
	}

	params := url.Values{}
	for k, v := range cfg.Stream.Params {
		params.Set(k, v)
	}
	return &stream.HTTPDialer{
		URL:    cfg.Stream.URL,
		Params: params,
		Client: stream.OAuth1Client(stream.Credentials{
			ConsumerKey:    cfg.Credentials.ConsumerKey,
			ConsumerSecret: cfg.Credentials.ConsumerSecret,
			AccessToken:    cfg.Credentials.AccessToken,
			AccessSecret:   cfg.Credentials.AccessSecret,
		}),
		IdleTimeout: cfg.Stream.IdleTimeout.Std(),
		UserAgent:   cfg.Stream.UserAgent,
	}
}

// loadConfig loads defaults, the optional file and env overrides
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader().LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
