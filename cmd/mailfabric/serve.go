package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/mailfabric/internal/config"
	"github.com/infodancer/mailfabric/internal/logging"
	"github.com/infodancer/mailfabric/internal/metrics"
	"github.com/infodancer/mailfabric/internal/node"
)

// runNode runs one node role until SIGINT or SIGTERM and returns the exit
// code.
func runNode(role config.Role, args []string) int {
	flags, err := config.ParseFlags(role, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.LoadWithFlags(role, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}

	if err := cfg.Validate(role); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	logger := logging.NewLoggerWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})
	if cfg.Metrics.Enabled {
		go func() {
			if err := metricsServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	stack, err := node.New(role, node.StackConfig{
		Config:    cfg,
		Collector: collector,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting %s: %v\n", role, err)
		return 1
	}

	logger.Info("starting mailfabric", "role", string(role), "config", flags.ConfigPath)

	runErr := stack.Run(ctx)
	if err := stack.Close(); err != nil {
		logger.Warn("error closing node", "error", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "%s error: %v\n", role, runErr)
		return 1
	}
	return 0
}
