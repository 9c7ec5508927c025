package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
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

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("EVENTRELAY_CONFIG", ""),
		"Path to configuration file, JSON or YAML (env: EVENTRELAY_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("EVENTRELAY_CONFIG", ""),
		"Path to configuration file, JSON or YAML (env: EVENTRELAY_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides log.level)")

	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (overrides log.format)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("EVENTRELAY_DEBUG", false),
		"Enable debug logging (env: EVENTRELAY_DEBUG)")

	flag.BoolVar(&cfg.NoWatch, "no-watch",
		getEnvBool("EVENTRELAY_NO_WATCH", false),
		"Do not reload plugins when the config file changes (env: EVENTRELAY_NO_WATCH)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

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
	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - streaming relay daemon

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Signals:
  SIGINT, SIGTERM   stop gracefully
  SIGUSR1, SIGHUP   reload the plugin set from the config file

Examples:
  # Run with a config file
  %s --config=/etc/eventrelay/relay.yaml

  # Credentials from the environment
  export EVENTRELAY_CONSUMER_KEY=...
  export EVENTRELAY_CONSUMER_SECRET=...
  export EVENTRELAY_ACCESS_TOKEN=...
  export EVENTRELAY_ACCESS_SECRET=...
  %s --log-level=debug

  # Validate configuration only
  %s --config=relay.json --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
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

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
