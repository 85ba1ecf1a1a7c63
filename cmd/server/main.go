package main

// Package main is the entry point for the screenguard server application.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Open the SQLite store and run schema migrations
//   - Build the screening detector and load the model artifact (missing
//     artifact starts the server in untrained degraded mode)
//   - Start the HTTP API on port 8081 with the quality-check endpoints,
//     Prometheus metrics, and the training progress WebSocket
//   - Implement graceful shutdown with context cancellation
//
// Port Configuration:
//   - screenguard server: 8081
//
// Graceful Shutdown:
//   - Drains in-flight HTTP requests
//   - Disconnects WebSocket subscribers
//   - Closes the SQLite store
//   - Finalizes audit logs

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/syn-research/screenguard/internal/audit"
	"github.com/syn-research/screenguard/internal/config"
	"github.com/syn-research/screenguard/internal/db"
	"github.com/syn-research/screenguard/internal/server"
)

func main() {
	configPath := os.Getenv("SCREENGUARD_CONFIG")
	if configPath == "" {
		configPath = "/etc/screenguard/config.yaml"
	}

	ctx := context.Background()

	// Load configuration
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create config manager: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.Validate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get(ctx)

	// Application logger
	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Audit logger
	auditLog, err := audit.NewLogger(audit.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create audit logger: %v\n", err)
		os.Exit(1)
	}
	defer auditLog.Close()

	// Store
	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	// Create server with all components wired together
	srv, err := server.NewServer(cfg, store, auditLog, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("received shutdown signal")

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// buildLogger constructs the application logger from the logging config.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Logging.Format == "text" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	zcfg.Level = level

	if cfg.Logging.File != "" {
		zcfg.OutputPaths = []string{cfg.Logging.File, "stderr"}
	}

	return zcfg.Build()
}
