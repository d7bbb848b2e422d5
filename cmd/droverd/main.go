// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// droverd is the drover daemon: it executes workflow runs inside
// container environments and serves the run API, including the live
// observer websocket endpoint.
//
// Configuration comes from a single YAML file named by the --config
// flag or the DROVER_CONFIG environment variable; there is no path
// discovery.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/drover-works/drover/engine"
	"github.com/drover-works/drover/imagecache"
	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/config"
	"github.com/drover-works/drover/lib/store"
	"github.com/drover-works/drover/runtime"
	"github.com/drover-works/drover/stream"
	"github.com/drover-works/drover/toolgate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("droverd", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to drover.yaml (overrides DROVER_CONFIG)")
	listen := flags.String("listen", "", "override the configured listen address")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	memoryStore := flags.Bool("memory-store", false, "use the in-memory store; all state is lost on exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Stream.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	var st store.Store
	if *memoryStore {
		st = store.NewMemory()
	} else {
		st, err = store.OpenSQLite(cfg.Paths.Database, logger)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
	}
	defer st.Close()

	clk := clock.Real()
	bus := stream.NewBus(logger)

	threshold, err := toolgate.ParseRiskLevel(cfg.Toolgate.RiskThreshold)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	registry := toolgate.DefaultRegistry()
	gate := toolgate.New(registry, toolgate.Policy{
		RiskThreshold: threshold,
		Allow:         cfg.Toolgate.Allow,
		Deny:          cfg.Toolgate.Deny,
	}, st, clk, logger)

	commander := runtime.NewCommander(cfg.Runtime.Engine)
	containerRuntime := runtime.New(commander, runtime.Defaults{
		Image:     cfg.Runtime.DefaultImage,
		MemoryMB:  cfg.Runtime.DefaultMemoryMB,
		CPUs:      cfg.Runtime.DefaultCPUs,
		Timeout:   cfg.Runtime.DefaultTimeout,
		StopGrace: cfg.Runtime.StopGrace,
	}, clk, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	capabilities := runtime.Detect(ctx, commander)
	if !capabilities.Available {
		logger.Warn("container engine not reachable; runs will fail at spawn",
			"engine", cfg.Runtime.Engine,
		)
	} else {
		logger.Info("container engine detected",
			"engine", cfg.Runtime.Engine,
			"version", capabilities.Version,
			"rootless", capabilities.Rootless,
		)
	}

	cache := imagecache.New(st, containerRuntime, clk, logger, "")
	executor := engine.NewContainerExecutor(gate, cache, containerRuntime, nil, cfg.Runtime.DefaultImage, logger)

	eng := engine.New(st, bus, executor, engine.Config{
		MaxIterations:          cfg.Engine.MaxIterations,
		MaxConsecutiveFailures: cfg.Engine.MaxConsecutiveFailures,
		DefaultBudget:          cfg.Engine.DefaultBudget,
		PausePollInterval:      cfg.Engine.PausePollInterval,
		TerminalLinger:         cfg.Stream.TerminalLinger,
		Workers:                cfg.Engine.Workers,
	}, clk, logger, nil)
	eng.Start(ctx)
	defer eng.Close()

	observer := stream.NewServer(st, bus, clk, stream.Config{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		ProgressThrottle:  cfg.Stream.ProgressThrottle,
		TerminalLinger:    cfg.Stream.TerminalLinger,
		SnapshotLogs:      cfg.Stream.SnapshotLogs,
	}, logger)

	api := newAPI(eng, st, cache, registry, cfg.Paths.Workflows, logger)
	server := &http.Server{
		Addr:    cfg.Stream.Listen,
		Handler: api.routes(observer),
	}

	serveErrs := make(chan error, 1)
	go func() { serveErrs <- server.ListenAndServe() }()
	logger.Info("droverd listening", "addr", cfg.Stream.Listen)

	select {
	case err := <-serveErrs:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// loadConfig resolves the config file: the flag wins over the
// environment variable.
func loadConfig(flagPath string) (*config.Config, error) {
	if flagPath != "" {
		return config.LoadFile(flagPath)
	}
	return config.Load()
}

// newLogger builds the daemon logger: human-readable text on a
// terminal, JSON when piped or redirected.
func newLogger(level string) (*slog.Logger, error) {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	options := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler), nil
}
