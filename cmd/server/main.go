// Command server runs the CiteDrop HTTP API and, when GitHub is configured,
// the issue poller that feeds new deposit issues into intake.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/CiteDrop/internal/api"
	"github.com/dharsanguruparan/CiteDrop/internal/app"
	"github.com/dharsanguruparan/CiteDrop/internal/config"
	"github.com/dharsanguruparan/CiteDrop/internal/intake"
	"github.com/dharsanguruparan/CiteDrop/internal/logging"
	"github.com/dharsanguruparan/CiteDrop/internal/queue"
	"github.com/dharsanguruparan/CiteDrop/internal/ticketing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "citedrop-server: %v\n", err)
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

	opts := api.Options{
		Address:       cfg.Address,
		WebhookSecret: cfg.GitHubWebhookSecret,
		IntakeLabel:   cfg.IntakeLabel,
		Submissions:   a.Coordinator,
		Batches:       a.Batch,
		Archivals:     a.Archiver,
		Logger:        logger.With("component", "api"),
	}
	handoff := func(ctx context.Context, ev intake.Event) error {
		_, err := a.Coordinator.HandleSubmission(ctx, ev)
		return err
	}
	if !cfg.InlineIntake {
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		opts.Queue = client
		handoff = func(ctx context.Context, ev intake.Event) error {
			if err := queue.EnqueueIntake(ctx, client, ev); err != nil && !errors.Is(err, queue.ErrDuplicate) {
				return err
			}
			return nil
		}
	}
	if len(cfg.GitHubWebhookSecret) == 0 {
		logger.Warn("no webhook secret configured, GitHub webhooks will be refused")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.New(a.Machine, opts).Run(ctx)
	})
	if a.GitHub != nil {
		poller := ticketing.NewPoller(a.GitHub, a.Repo(), cfg.IntakeLabel, cfg.PollInterval, handoff, logger.With("component", "poller"))
		g.Go(func() error {
			return poller.Run(ctx)
		})
	} else {
		logger.Info("GitHub is not configured, issue polling disabled")
	}
	return g.Wait()
}
