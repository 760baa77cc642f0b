// Command worker consumes CiteDrop tasks from Redis and schedules the
// periodic batch, archival and notice runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/CiteDrop/internal/app"
	"github.com/dharsanguruparan/CiteDrop/internal/config"
	"github.com/dharsanguruparan/CiteDrop/internal/logging"
	"github.com/dharsanguruparan/CiteDrop/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "citedrop-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Archive.EnsureBucket(ctx); err != nil {
		// Archival runs fail and retry until the bucket is reachable.
		logger.Warn("archive bucket unavailable", "bucket", cfg.S3Bucket, "error", err)
	}

	redis := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	server := asynq.NewServer(redis, asynq.Config{
		Concurrency: cfg.Concurrency,
	})
	handlers := worker.NewHandlers(a.Coordinator, a.Batch, a.Archiver, a.Dispatcher, logger.With("component", "worker"))
	if err := server.Start(handlers.Mux()); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer server.Shutdown()

	scheduler := asynq.NewScheduler(redis, nil)
	ids, err := worker.Register(scheduler, worker.Schedule{
		Batch:   cfg.BatchCron,
		Archive: cfg.ArchiveCron,
		Notices: cfg.NoticeCron,
	})
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Shutdown()
	logger.Info("worker started",
		"concurrency", cfg.Concurrency, "schedules", len(ids),
		"batch", cfg.BatchCron, "archive", cfg.ArchiveCron)

	<-ctx.Done()
	logger.Info("worker stopping")
	return nil
}
