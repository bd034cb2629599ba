package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stereodsm/internal/cli"
	"stereodsm/internal/config"
	"stereodsm/internal/logging"
	"stereodsm/internal/orchestrator"
	"stereodsm/internal/pipeline"
	"stereodsm/internal/storage"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	pipeline.Version = version

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("run database unavailable, runs will not be recorded", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	bus := orchestrator.NewBus(logger)
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRoot(cfg, logger, store, bus)
	if err := cli.NewRootCmd(root).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
