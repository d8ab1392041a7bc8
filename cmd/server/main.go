// Package main is the entry point for the ledger API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"verifactu/internal/app"
	"verifactu/internal/config"
	v1 "verifactu/internal/infrastructure/http/v1"
	"verifactu/internal/infrastructure/http/v1/handlers"
	"verifactu/internal/infrastructure/http/v1/middleware"
	"verifactu/internal/infrastructure/storage/postgres"
	"verifactu/internal/infrastructure/storage/postgres/migrations"
	"verifactu/pkg/logger"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.App.Development(),
		Service:     "ledger-server",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("starting ledger server", "version", version, "env", cfg.App.Env)

	if cfg.Database.DSN != "" {
		if err := migrate(cfg.Database.DSN, log); err != nil {
			log.Fatalw("failed to apply migrations", "error", err)
		}
	}

	ledger, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to build ledger", "error", err)
	}
	defer ledger.Close()

	health := map[string]handlers.Pinger{
		"ledger": handlers.PingFunc(ledger.Ping),
	}

	var idempotency middleware.IdempotencyStore
	if cfg.Idempotency.Enabled && ledger.Idempotency != nil {
		idempotency = ledger.Idempotency
	}

	// --- Router ---
	router := v1.NewRouter(v1.RouterConfig{
		Engine:          ledger.Engine,
		Logger:          log,
		Health:          health,
		Idempotency:     idempotency,
		VerificationURL: cfg.Ledger.VerificationURL,
		Version:         version,
		Development:     cfg.App.Development(),
	})

	// --- HTTP Server ---
	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", cfg.App.Port, "persistent", ledger.Persistent())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	if ledger.Persistent() {
		go logPoolStats(ctx, ledger.Pool)
	}

	// --- Graceful shutdown ---
	<-ctx.Done()
	log.Info("shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

func migrate(dsn string, log *logger.Logger) error {
	m, err := migrations.New(dsn, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warnw("failed to close migrator", "error", err)
		}
	}()
	return m.Up()
}

func logPoolStats(ctx context.Context, pool *postgres.Pool) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			postgres.LogPoolStats(ctx, pool.Pool)
		}
	}
}
