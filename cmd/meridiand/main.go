// Package main provides the meridiand daemon - the exchange backend.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/meridian-exchange/meridiand/internal/config"
	"github.com/meridian-exchange/meridiand/internal/coinnode"
	"github.com/meridian-exchange/meridiand/internal/depositsync"
	"github.com/meridian-exchange/meridiand/internal/engine"
	"github.com/meridian-exchange/meridiand/internal/storage"
	"github.com/meridian-exchange/meridiand/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir      = flag.String("data-dir", "~/.meridian", "Data directory")
		logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		syncInterval = flag.Int("sync-interval", 0, "Deposit sync interval in seconds, overrides config")
		showVersion  = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("meridiand %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	cfg.Storage.DataDir = *dataDir
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *syncInterval > 0 {
		cfg.Sync.IntervalSeconds = *syncInterval
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.Path(*dataDir))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := expandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{
		DataDir: dataPath,
	})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Initialize the coin-node registry
	registry := coinnode.NewRegistry(store, time.Duration(cfg.Node.RPCTimeoutSeconds)*time.Second)
	nodes, err := store.ListNodes(true)
	if err != nil {
		log.Fatal("Failed to list coin nodes", "error", err)
	}
	log.Info("Coin node registry initialized", "enabled_nodes", len(nodes))

	// Initialize the exchange engine
	eng := engine.New(store, registry, log.Component("engine"))
	log.Info("Exchange engine initialized")

	// Start the deposit sync loop
	syncer := depositsync.New(store, registry, log.Component("sync"), &depositsync.Config{
		Interval:         time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
		MinConfirmations: cfg.Sync.MinConfirmations,
	})
	go syncer.Run(ctx)

	printBanner(log, cfg, dataPath, len(nodes))

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				markets, err := eng.ListMarkets()
				if err != nil {
					log.Error("Status query failed", "error", err)
					continue
				}
				log.Info("Status", "markets", len(markets),
					"sync_interval", syncer.Interval())
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Graceful shutdown: stop the sync loop, then close storage.
	cancel()

	log.Info("Goodbye!")
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config, dataPath string, nodeCount int) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Meridian Exchange Daemon")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Data dir: %s", dataPath)
	log.Infof("  Coin nodes: %d enabled", nodeCount)
	log.Infof("  Deposit sync: every %ds (min %d confirmations)",
		cfg.Sync.IntervalSeconds, cfg.Sync.MinConfirmations)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
