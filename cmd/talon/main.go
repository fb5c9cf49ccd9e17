// Talon - Reward points calculation for payment cards.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/talon/internal/api"
	"github.com/opensource-finance/talon/internal/bus"
	"github.com/opensource-finance/talon/internal/cache"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/repository"
	"github.com/opensource-finance/talon/internal/reward"
	"github.com/opensource-finance/talon/internal/rules"
	"github.com/opensource-finance/talon/internal/usage"
	"github.com/opensource-finance/talon/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration before logger setup so logging settings apply
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("TALON_TIER") == "pro" {
		cfg = domain.ProConfig()
	}

	// Optional YAML config overlays the tier defaults. A bad file keeps
	// the tier defaults so a typo never takes the service down.
	var configErr error
	if path := os.Getenv("TALON_CONFIG"); path != "" {
		loaded, err := domain.LoadConfig(path, cfg)
		if err != nil {
			configErr = err
		} else {
			cfg = loaded
		}
	}

	setupLogger(cfg.Logging)
	if configErr != nil {
		slog.Warn("failed to load config file, using defaults", "error", configErr)
	}

	// Log startup
	slog.Info("starting talon",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_tracking", cfg.AsyncTracking,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Expression Engine
	exprs, err := rules.NewExpressionEngine()
	if err != nil {
		slog.Error("failed to initialize expression engine", "error", err)
		os.Exit(1)
	}
	slog.Info("expression engine initialized")

	// Initialize Usage Tracker
	tracker := usage.NewTracker(repo, cacheImpl, busImpl)
	slog.Info("usage tracker initialized")

	// Initialize Reward Service
	service := reward.NewService(repo, tracker, exprs, cacheImpl, busImpl)
	slog.Info("reward service initialized")

	// Initialize async usage worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.AsyncTracking || os.Getenv("TALON_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, tracker)

		tenantIDs := parseTenants(os.Getenv("TALON_TENANTS"))
		if len(tenantIDs) == 0 {
			slog.Warn("async tracking enabled but TALON_TENANTS is empty - worker not started")
		} else {
			workerCfg := worker.Config{TenantIDs: tenantIDs}
			if err := asyncWorker.Start(workerCfg); err != nil {
				slog.Error("failed to start async worker", "error", err)
				asyncWorker = nil
			} else {
				slog.Info("async usage worker started", "tenant_count", len(tenantIDs))
			}
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, service, tracker, exprs, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("talon is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first so in-flight usage deltas land
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("talon shutdown complete")
}

func setupLogger(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("TALON_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// parseTenants splits a comma-separated tenant list from the environment.
func parseTenants(raw string) []string {
	var tenants []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 TALON                    ║")
	fmt.Println("  ║      Reward Points Calculation Engine     ║")
	fmt.Println("  ║       Every point, exactly once.          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /calculate         - Calculate reward points for a transaction")
	fmt.Println("    GET  /usage             - Get cap usage for a user and card type")
	fmt.Println("    POST /usage/track       - Record bonus usage after commit")
	fmt.Println("    POST /usage/decrement   - Release bonus usage after reversal")
	fmt.Println("    GET  /rules             - List reward rules")
	fmt.Println("    POST /rules             - Create a reward rule")
	fmt.Println("    GET  /rules/{id}        - Get a reward rule")
	fmt.Println("    PUT  /rules/{id}        - Update a reward rule")
	fmt.Println("    DELETE /rules/{id}      - Delete a reward rule")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
