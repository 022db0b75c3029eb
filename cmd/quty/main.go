// Package main implements the entry point for a quty cluster node: one
// member of a full-mesh pub/sub fabric that gossips channel
// subscriptions and routes publications across process replicas.
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

	"github.com/quty-io/quty-server/cluster"
	"github.com/quty-io/quty-server/config"
	"github.com/quty-io/quty-server/metric"
	"github.com/quty-io/quty-server/pkg/logutil"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "quty"
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
		slog.Error("node failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	cfg := config.Default()
	if cliCfg.ConfigPath != "" {
		loaded, err := config.LoadFile(cliCfg.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}

	level := cliCfg.LogLevel
	if cfg.Debug && logutil.ParseLevel(level) > slog.LevelDebug {
		level = "debug"
	}
	logger := logutil.Setup(appName, Version, level, cliCfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	registry := metric.NewRegistry()

	node, err := cluster.New(cfg,
		cluster.WithLogger(logger),
		cluster.WithMetrics(registry),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	logger.Info("cluster node running",
		"sid", node.ID(),
		"port", node.Port(),
		"namespace", cfg.Namespace,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	return node.Stop(10 * time.Second)
}
