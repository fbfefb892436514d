// Package main is the entry point for the bot catalog API server.
//
// main stays small: load the config, build the logger, make sure the SQLite
// directory exists, then hand everything to internal/server. All behaviour
// lives in the internal packages so it can be tested without a process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/bot-catalog/internal/config"
	"github.com/sakif/bot-catalog/internal/logger"
	"github.com/sakif/bot-catalog/internal/repository/sqlstore"
	"github.com/sakif/bot-catalog/internal/server"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "bot-catalog:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// === 1. CONFIGURATION ===
	// Environment first, with an optional .env file underneath it.
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	// === 2. LOGGING ===
	log, err := logger.New(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	// === 3. DATA DIRECTORY ===
	// SQLite will not create missing parent directories on its own.
	if path, ok := sqlstore.SQLiteFile(cfg.DatabaseURL); ok {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	// === 4. SERVE ===
	srv, err := server.New(ctx, cfg, log, server.Deps{})
	if err != nil {
		return err
	}

	// Start blocks until SIGINT/SIGTERM.
	return srv.Start()
}
