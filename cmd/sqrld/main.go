// Command sqrld runs the SquirrelDB daemon: document store, query
// engine, changefeeds, and the Redis-wire cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GoCodeAlone/squirreldb/config"
	"github.com/GoCodeAlone/squirreldb/db"
	"github.com/GoCodeAlone/squirreldb/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sqrld: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	backend, err := openBackend(cfg, logger)
	if err != nil {
		logger.Error("failed to open backend", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon := server.NewDaemon(cfg, backend, logger)
	logger.Info("sqrld starting", "backend", cfg.Backend)

	errCh := make(chan error, 1)
	go func() { errCh <- daemon.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			logger.Warn("drain timeout exceeded, aborting remaining tasks")
		}
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logger.Error("daemon exited", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("sqrld stopped")
}

func openBackend(cfg config.Config, logger *slog.Logger) (db.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		return db.NewSQLiteBackend(cfg.SQLite.Path, logger)
	default:
		return db.NewPostgresBackend(cfg.Postgres.URL, cfg.Postgres.MaxConnections, logger)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
