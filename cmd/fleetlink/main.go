// Package main implements the entry point for the FleetLink coordinator.
// FleetLink coordinates a fleet of remote devices over NATS: it dispatches
// commands and matches their acknowledgments, tracks device liveness from
// message arrival, and evaluates telemetry against threshold rules.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/fleetlink/config"
	"github.com/c360/fleetlink/metric"
	"github.com/c360/fleetlink/natsclient"
	"github.com/c360/fleetlink/service"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "fleetlink"
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

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting FleetLink",
		"version", Version,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	registry := metric.NewRegistry()

	transport, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry.Core),
		natsclient.WithClientName(cfg.Platform.ID),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithConnectTimeout(cfg.NATS.ConnectWait.Std()),
		natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout.Std()),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	coordinator := service.NewCoordinator(cfg, transport,
		service.WithLogger(logger),
		service.WithMetricRegistry(registry),
	)
	if err := coordinator.Initialize(); err != nil {
		return fmt.Errorf("initialize coordinator: %w", err)
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, coordinator.HealthMonitor())
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		slog.Info("Metrics server listening", "port", cfg.Metrics.Port)
	}

	return runWithSignalHandling(coordinator, metricsServer, transport, cliCfg.ShutdownTimeout)
}

func runWithSignalHandling(
	coordinator *service.Coordinator,
	metricsServer *metric.Server,
	transport *natsclient.Client,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := coordinator.Start(signalCtx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	slog.Info("FleetLink started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	var errs []error
	if err := coordinator.Stop(shutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	// Coordinator.Stop closes the transport; this is a safety net for
	// the case where Start failed partway.
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	_ = transport.Close(closeCtx)
	cancel()

	if len(errs) > 0 {
		return fmt.Errorf("graceful shutdown failed: %w", errs[0])
	}
	slog.Info("FleetLink shutdown complete")
	return nil
}
