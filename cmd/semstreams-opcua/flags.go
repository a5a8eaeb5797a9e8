package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	MetricsPort     int
	ShowVersion     bool
	Validate        bool
	HashPassword    bool
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPaths string
	fs.StringVar(&configPaths, "config",
		getEnv("SEMSTREAMS_OPCUA_CONFIG", "configs/opcua.json"),
		"Comma-separated configuration layers, later files win (env: SEMSTREAMS_OPCUA_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("SEMSTREAMS_OPCUA_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SEMSTREAMS_OPCUA_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("SEMSTREAMS_OPCUA_LOG_FORMAT", "json"),
		"Log format: json, text (env: SEMSTREAMS_OPCUA_LOG_FORMAT)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("SEMSTREAMS_OPCUA_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: SEMSTREAMS_OPCUA_SHUTDOWN_TIMEOUT)")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", 0,
		"Override metrics.port from the configuration, 0 keeps it")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.BoolVar(&cfg.HashPassword, "hash-password", false,
		"Read a password from stdin, print its bcrypt hash for a credentials file and exit")

	fs.Usage = func() { printUsage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for _, p := range strings.Split(configPaths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.ConfigPaths = append(cfg.ConfigPaths, p)
		}
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.HashPassword {
		return nil
	}
	if len(cfg.ConfigPaths) == 0 {
		return fmt.Errorf("no configuration file given")
	}
	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}
	return nil
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - OPC UA bridge for NATS column streams

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with a base configuration and a site override
  %s -config=configs/base.json,configs/plant-7.json

  # Validate configuration only
  %s -config=configs/opcua.json -validate

  # Create a password hash for the credentials file
  echo -n 's3cret' | %s -hash-password

Version: %s
`, appName, appName, appName, Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
