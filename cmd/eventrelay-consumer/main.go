// Package main runs queue consumers. Each consumer reads one group of the
// durable queue and dispatches every event to its own plugin set,
// acknowledging only entries that all handlers processed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/c360/eventrelay/config"
	"github.com/c360/eventrelay/dispatch"
	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/health"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
	"github.com/c360/eventrelay/plugin"
	"github.com/c360/eventrelay/plugins"
	"github.com/c360/eventrelay/queue"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "eventrelay-consumer"
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

// worker is one consumer with its own plugin registry. mu serializes
// reloads with entry processing.
type worker struct {
	spec       config.ConsumerConfig
	fixed      bool
	registry   *plugin.Registry
	dispatcher *dispatch.Dispatcher
	mu         sync.Mutex
}

func (w *worker) handle(ctx context.Context, e queue.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dispatcher.Invoke(ctx, e.Payload, message.Categorize(e.Payload))
}

func (w *worker) reload(ctx context.Context, cfg *config.Config) plugin.ReloadReport {
	names := w.spec.Plugins
	if !w.fixed {
		names = cfg.Plugins
		for _, cc := range cfg.Consumers {
			if cc.Group == w.spec.Group && cc.Name == w.spec.Name {
				names = cfg.PluginsFor(cc)
				break
			}
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.registry.Reload(ctx, names, cfg.PluginConfig)
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
	specs, fixed, err := consumerSpecs(cliCfg, cfg)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		fmt.Println("Configuration is valid")
		return nil
	}

	logger := setupLogger(pick(cliCfg.LogLevel, cfg.Log.Level), pick(cliCfg.LogFormat, cfg.Log.Format))
	slog.SetDefault(logger)
	logger.Info("Starting eventrelay consumer",
		"version", Version,
		"queue_backend", cfg.Queue.Backend,
		"consumers", len(specs))

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

	workers := make([]*worker, 0, len(specs))
	for _, spec := range specs {
		wlog := logger.With("group", spec.Group)
		registry := plugin.NewRegistry(
			plugin.WithLogger(wlog),
			plugin.WithMetrics(relayMetrics),
			plugin.WithDependencies(plugin.Dependencies{
				Logger:    wlog,
				Metrics:   metricsRegistry,
				AccountID: cfg.Daemon.AccountID,
			}),
		)
		defer registry.Close()
		if err := plugins.Register(registry); err != nil {
			return fmt.Errorf("register plugins: %w", err)
		}

		dispatcher := dispatch.New(registry,
			dispatch.WithLogger(wlog),
			dispatch.WithMetrics(relayMetrics),
			dispatch.WithAccountID(cfg.Daemon.AccountID))

		w := &worker{
			spec:       spec,
			fixed:      fixed,
			registry:   registry,
			dispatcher: dispatcher,
		}
		w.reload(ctx, cfg)
		workers = append(workers, w)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		c := &queue.Consumer{
			Queue:        q,
			Group:        w.spec.Group,
			Name:         w.spec.Name,
			Handler:      w.handle,
			FailureDelay: w.spec.FailureDelay.Std(),
			Logger:       logger,
			Health:       monitor,
		}
		g.Go(func() error { return c.Run(gctx) })
	}

	if cfg.Metrics.Addr != "" {
		ms := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, metricsRegistry,
			metric.WithHealth(monitor.Handler(appName)))
		g.Go(func() error { return ms.Run(gctx) })
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
				for _, w := range workers {
					w.reload(gctx, next)
				}
			}
		}
	})

	err = g.Wait()
	logger.Info("eventrelay consumer stopped")
	return err
}

// consumerSpecs returns the consumers to run. A --group flag replaces the
// configured list; fixed reports that its plugin list came from flags.
func consumerSpecs(cliCfg *CLIConfig, cfg *config.Config) ([]config.ConsumerConfig, bool, error) {
	if cliCfg.Group != "" {
		spec := config.ConsumerConfig{Group: cliCfg.Group, Name: cliCfg.Name, Plugins: cliCfg.Plugins}
		return []config.ConsumerConfig{spec}, len(cliCfg.Plugins) > 0, nil
	}
	if len(cfg.Consumers) == 0 {
		return nil, false, errors.WrapInvalid(errors.ErrMissingConfig, "main", "consumerSpecs",
			"no consumers configured; set consumers in the config file or pass --group")
	}
	return cfg.Consumers, false, nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader().LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
