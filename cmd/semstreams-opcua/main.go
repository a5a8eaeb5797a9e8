// Command semstreams-opcua runs the OPC UA bridge: it loads the
// configuration, connects to NATS, hosts the configured components and
// serves Prometheus metrics and health until interrupted.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/c360/semstreams-opcua/config"
	"github.com/c360/semstreams-opcua/metric"
	"github.com/c360/semstreams-opcua/opcua/security"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semstreams-opcua"
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

	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cliCfg, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	switch {
	case cliCfg.ShowVersion:
		_, _ = fmt.Fprintf(stdout, "%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	case cliCfg.HashPassword:
		return hashPassword(stdin, stdout)
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat, stdout)
	slog.SetDefault(logger)
	logger.Info("Starting OPC UA bridge",
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths)

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}
	if cliCfg.MetricsPort > 0 {
		cfg.Metrics.Port = cliCfg.MetricsPort
	}
	if cliCfg.Validate {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		if err := a.validateComponents(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger.Info("Configuration is valid", "components", len(cfg.Components))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger, cliCfg.ShutdownTimeout)
}

// serve runs the bridge until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	logger.Info("Platform identity configured",
		"org", cfg.Platform.Org,
		"platform", cfg.GetPlatform(),
		"environment", cfg.Platform.Environment)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.connectNATS(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()

	if err := a.createComponents(); err != nil {
		_ = a.stop(shutdownTimeout)
		return err
	}

	if cfg.Metrics.Enabled {
		srv := metric.NewServer(":"+strconv.Itoa(cfg.Metrics.Port), cfg.Metrics.Path, a.metrics, a.health)
		if err := srv.Start(); err != nil {
			_ = a.stop(shutdownTimeout)
			return fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("Metrics server listening", "address", srv.Address(), "path", cfg.Metrics.Path)
		defer func() {
			if err := srv.Stop(5 * time.Second); err != nil {
				logger.Warn("Metrics server stop failed", "error", err)
			}
		}()
	}

	if err := a.start(ctx, shutdownTimeout); err != nil {
		return err
	}
	logger.Info("OPC UA bridge started")

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	if err := a.stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("OPC UA bridge shutdown complete")
	return nil
}

func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func hashPassword(stdin io.Reader, stdout io.Writer) error {
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("read password: %w", err)
	}
	hash, err := security.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, hash)
	return err
}
