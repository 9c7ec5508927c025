package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	Group       string
	Name        string
	Plugins     []string
	LogLevel    string
	LogFormat   string
	Debug       bool
	NoWatch     bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}
	var pluginList string

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("EVENTRELAY_CONFIG", ""),
		"Path to configuration file, JSON or YAML (env: EVENTRELAY_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("EVENTRELAY_CONFIG", ""),
		"Path to configuration file, JSON or YAML (env: EVENTRELAY_CONFIG)")

	flag.StringVar(&cfg.Group, "group",
		getEnv("EVENTRELAY_CONSUMER_GROUP", ""),
		"Run a single consumer in this group instead of the configured consumers (env: EVENTRELAY_CONSUMER_GROUP)")

	flag.StringVar(&cfg.Name, "name",
		getEnv("EVENTRELAY_CONSUMER_NAME", ""),
		"Consumer name within the group, defaults to the host name (env: EVENTRELAY_CONSUMER_NAME)")

	flag.StringVar(&pluginList, "plugins",
		getEnv("EVENTRELAY_CONSUMER_PLUGINS", ""),
		"Comma separated plugins for --group, defaults to the configured plugins (env: EVENTRELAY_CONSUMER_PLUGINS)")

	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides log.level)")

	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (overrides log.format)")

	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")

	flag.BoolVar(&cfg.NoWatch, "no-watch",
		getEnvBool("EVENTRELAY_NO_WATCH", false),
		"Do not reload plugins when the config file changes (env: EVENTRELAY_NO_WATCH)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

	for _, p := range strings.Split(pluginList, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Plugins = append(cfg.Plugins, p)
		}
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if cfg.Group == "" && (cfg.Name != "" || len(cfg.Plugins) > 0) {
		return fmt.Errorf("--name and --plugins require --group")
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - durable queue consumer

Reads webhook events from the queue as one or more consumer groups and hands
each event to that group's plugins. An event is acknowledged only after every
plugin handled it; otherwise it stays pending and is delivered again.

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Signals:
  SIGINT, SIGTERM   stop gracefully
  SIGUSR1, SIGHUP   reload the plugin sets from the config file

Examples:
  # Print every event
  %s --group=print --plugins=printer

  # Run the consumers listed in the config file
  %s --config=/etc/eventrelay/relay.yaml

Version: %s
`, os.Args[0], os.Args[0], Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
