// Package main implements the entry point for the ChirpStack → OPC UA
// gateway. The process runs two long-lived tasks — the ChirpStack poller
// and the OPC UA server — that communicate only through the shared store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guycorbaz/opcgw/config"
	"github.com/guycorbaz/opcgw/health"
	"github.com/guycorbaz/opcgw/metric"
	"github.com/guycorbaz/opcgw/opcserver"
	"github.com/guycorbaz/opcgw/poller"
	"github.com/guycorbaz/opcgw/store"
)

// Build information constants
const (
	Version   = "0.3.0"
	BuildTime = "dev"
	appName   = "opcbridge"
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
		slog.Error("Gateway failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid",
			"applications", len(cfg.Applications),
			"metrics", cfg.CountMetrics())
		return nil
	}

	return serve(cfg, cliCfg)
}

// initializeCLI parses flags and sets up logging.
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting ChirpStack OPC UA gateway",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, false, nil
}

// serve wires the components and runs them until a shutdown signal.
func serve(cfg *config.Config, cliCfg *CLIConfig) error {
	monitor := health.NewMonitor()
	registry := metric.NewRegistry()

	st := store.New(cfg, store.WithMetrics(registry.Core))
	slog.Info("Store created", "keys", st.Keys())

	client, err := poller.NewClient(cfg.Chirpstack.Server, cfg.Chirpstack.APIToken)
	if err != nil {
		return fmt.Errorf("create upstream client: %w", err)
	}
	defer func() { _ = client.Close() }()

	p := poller.New(cfg, client, st,
		poller.WithLogger(slog.Default()),
		poller.WithMonitor(monitor),
		poller.WithMetrics(registry.Core))

	srv, err := opcserver.NewServer(cfg, st,
		opcserver.WithLogger(slog.Default()),
		opcserver.WithMonitor(monitor),
		opcserver.WithMetrics(registry.Core))
	if err != nil {
		return fmt.Errorf("create opc ua server: %w", err)
	}

	metricsServer := metric.NewServer(cliCfg.MetricsPort, "/metrics", registry)
	metricsErrCh := make(chan error, 1)
	if err := metricsServer.Start(metricsErrCh); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	defer func() { _ = metricsServer.Stop(5 * time.Second) }()

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Both tasks share one cancellation: a fatal server error stops the
	// poller, a signal stops both.
	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return p.Run(groupCtx)
	})
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		select {
		case err := <-metricsErrCh:
			return err
		case <-groupCtx.Done():
			return nil
		}
	})

	slog.Info("Gateway started",
		"endpoint", fmt.Sprintf("opc.tcp://%s:%d%s", cfg.OpcUa.Host, cfg.OpcUa.Port, cfg.OpcUa.Path),
		"poll_interval", cfg.Chirpstack.PollInterval)

	<-groupCtx.Done()
	slog.Info("Shutdown requested")

	// Bound the drain: after the timeout, abrupt termination is fine.
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("task failed: %w", err)
		}
	case <-time.After(cliCfg.ShutdownTimeout):
		slog.Warn("Graceful shutdown timed out", "timeout", cliCfg.ShutdownTimeout)
	}

	slog.Info("Gateway shutdown complete")
	return nil
}

// loadConfig loads the gateway configuration from the given path.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
