package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"querywatch/pkg/api"
	"querywatch/pkg/config"
	"querywatch/pkg/core"
	"querywatch/pkg/database"
	"querywatch/pkg/housekeep"
	"querywatch/pkg/logging"
	"querywatch/pkg/telemetry"
)

var (
	configPath = flag.String("config", "querywatch.toml", "Path to configuration file")
	importPath = flag.String("import", "", "Import queries from another long-term database, then exit")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// A missing config file is not an error: defaults cover a standalone
	// run, and the watcher is only armed when there is a file to watch.
	var (
		cfg     *config.Config
		watcher *config.Watcher
	)
	if _, err := os.Stat(*configPath); err == nil {
		w, err := config.NewWatcher(*configPath, logging.Global().Logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		watcher = w
		cfg = w.Config()
	} else {
		cfg = config.LoadWithDefaults()
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("querywatch starting",
		"version", version,
		"build_time", buildTime,
	)

	if *importPath != "" {
		if err := runImport(cfg, *importPath, logger); err != nil {
			logger.Error("Import failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx := context.Background()
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	c := core.New(cfg, logger)

	db, err := database.New(&cfg.Database, logger)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}

	if err := telem.RegisterCoreMetrics(c, db); err != nil {
		logger.Error("Failed to register metrics", "error", err)
		os.Exit(1)
	}

	// Continue the id sequence past the persisted history so live ids
	// never collide with rows already on disk.
	if cfg.Database.Path != "" {
		if largest, err := db.LargestIndex(ctx, true); err == nil {
			c.SeedIDs(largest)
		}
	}

	worker := database.NewWorker(db, c, &cfg.Database, logger)
	keeper := housekeep.New(cfg, c, db, watcher, logger)
	server := api.New(cfg, c, db, logger)

	// Sessions survive a clean restart.
	if records, err := db.LoadSessions(ctx, time.Now()); err != nil {
		logger.Warn("Failed to restore API sessions", "error", err)
	} else if n := server.RestoreSessions(records); n > 0 {
		logger.Info("Restored API sessions", "count", n)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		keeper.Run(runCtx)
	}()

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(runCtx); err != nil {
			errChan <- err
		}
	}()

	logger.Info("querywatch is running",
		"api", cfg.API.ListenAddress,
		"database", cfg.Database.Path,
	)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		logger.Error("Server error", "error", err)
		exitCode = 1
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := db.SaveSessions(shutdownCtx, server.SnapshotSessions()); err != nil {
		logger.Error("Failed to persist API sessions", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Error("Error closing database", "error", err)
	}

	logger.Info("querywatch stopped")
	os.Exit(exitCode)
}
