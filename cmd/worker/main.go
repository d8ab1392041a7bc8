// Package main is the entry point for the ledger background worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"verifactu/internal/app"
	"verifactu/internal/config"
	"verifactu/internal/infrastructure/events"
	"verifactu/internal/infrastructure/storage/postgres"
	"verifactu/internal/worker"
	"verifactu/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.App.Development(),
		Service:     "ledger-worker",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting ledger worker")

	if cfg.Database.DSN == "" {
		log.Fatal("the worker needs database.dsn: the outbox lives in postgres")
	}

	ledger, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to build ledger", "error", err)
	}
	defer ledger.Close()

	sinks, closeSinks, err := buildSinks(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to configure event sinks", "error", err)
	}
	defer closeSinks()

	relay := postgres.NewOutboxRelay(ledger.TxManager, cfg.Worker.RelayBatchSize, events.NewDispatcher(sinks...))

	w, err := worker.New(relay, ledger.Idempotency, ledger.Engine, worker.Intervals{
		Relay:    cfg.Worker.RelayInterval,
		DLQ:      cfg.Worker.DLQInterval,
		Purge:    cfg.Worker.PurgeInterval,
		PurgeAge: cfg.Worker.PurgeAge,
		Cleanup:  cfg.Worker.CleanupInterval,
		Verify:   cfg.Worker.VerifyInterval,
	}, log)
	if err != nil {
		log.Fatalw("failed to create worker", "error", err)
	}
	if err := w.Start(ctx); err != nil {
		log.Fatalw("failed to start worker", "error", err)
	}

	// Graceful shutdown
	<-ctx.Done()
	log.Info("shutting down worker...")

	if err := w.Stop(); err != nil {
		log.Errorw("worker shutdown failed", "error", err)
	}
	log.Info("worker stopped")
}

// buildSinks connects the configured event sinks. Without any sink the
// relay still marks messages as delivered.
func buildSinks(ctx context.Context, cfg *config.Config, log *logger.Logger) ([]events.Sink, func(), error) {
	var sinks []events.Sink
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		sinks = append(sinks, events.NewRedisStream(client, cfg.Redis.Stream, cfg.Redis.MaxLen))
		log.Infow("redis event stream enabled", "addr", cfg.Redis.Addr, "stream", cfg.Redis.Stream)
	}

	if cfg.Minio.Endpoint != "" {
		client, err := events.NewMinioClient(events.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			UseSSL:    cfg.Minio.UseSSL,
			Bucket:    cfg.Minio.Bucket,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		archive := events.NewArchive(client, cfg.Minio.Bucket)
		if err := archive.EnsureBucket(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, archive)
		log.Infow("document archive enabled", "endpoint", cfg.Minio.Endpoint, "bucket", cfg.Minio.Bucket)
	}

	if len(sinks) == 0 {
		log.Warn("no event sinks configured")
	}
	return sinks, closeAll, nil
}
