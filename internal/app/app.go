// Package app builds the CiteDrop object graph from configuration. The
// server, worker and CLI binaries share it so every entry point runs the
// same engines against the same store.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dharsanguruparan/CiteDrop/internal/archive"
	"github.com/dharsanguruparan/CiteDrop/internal/authz"
	"github.com/dharsanguruparan/CiteDrop/internal/batch"
	"github.com/dharsanguruparan/CiteDrop/internal/config"
	"github.com/dharsanguruparan/CiteDrop/internal/database"
	"github.com/dharsanguruparan/CiteDrop/internal/deposit"
	"github.com/dharsanguruparan/CiteDrop/internal/intake"
	"github.com/dharsanguruparan/CiteDrop/internal/notify"
	"github.com/dharsanguruparan/CiteDrop/internal/repository"
	"github.com/dharsanguruparan/CiteDrop/internal/ticketing"
	"github.com/dharsanguruparan/CiteDrop/internal/validation"
)

// App holds the wired components.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Schema      *validation.Schema
	Roster      *authz.FileRoster
	Machine     *deposit.Machine
	Coordinator *intake.Coordinator
	Dispatcher  *notify.Dispatcher
	Batch       *batch.Processor
	Archiver    *archive.Archiver
	Archive     *archive.S3Store
	GitHub      *ticketing.Client

	closers []func()
}

// New opens the store and wires every engine.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	schema := validation.DefaultSchema()
	if cfg.SchemaFile != "" {
		if schema, err = validation.LoadSchema(cfg.SchemaFile); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Schema = schema

	a.Machine = deposit.NewMachine(store, deposit.Options{
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger.With("component", "deposit"),
	})

	var sink notify.Sink = notify.NewLogSink(logger.With("component", "notify"))
	if cfg.GitHubEnabled() {
		client, err := ticketing.NewClient(ticketing.Config{
			BaseURL: cfg.GitHubBaseURL,
			Token:   cfg.GitHubToken,
			Logger:  logger.With("component", "github"),
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.GitHub = client
		sink = ticketing.NewNotifier(client)
	}
	a.Dispatcher = notify.NewDispatcher(a.Machine, sink, logger.With("component", "notify"))

	a.Roster = authz.NewFileRoster(cfg.RosterFile)
	a.Coordinator = intake.NewCoordinator(a.Machine, authz.NewChecker(a.Roster, logger.With("component", "authz")), intake.Options{
		Schema:    schema,
		Deliverer: a.Dispatcher,
		Logger:    logger.With("component", "intake"),
	})

	var ingester batch.Ingester = batch.NoopIngester{}
	if cfg.IngestEndpoint != "" {
		ingester = batch.NewHTTPIngester(cfg.IngestEndpoint, cfg.IngestToken, cfg.IngestTimeout)
	} else {
		logger.Warn("no ingest endpoint configured, batches only mark deposits done")
	}
	a.Batch = batch.New(a.Machine, ingester, batch.Options{
		Workers:      cfg.BatchWorkers,
		StuckTimeout: cfg.StuckTimeout,
		Deliverer:    a.Dispatcher,
		Logger:       logger.With("component", "batch"),
	})

	s3, err := archive.NewS3Store(archive.S3Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Archive = s3
	a.Archiver = archive.New(a.Machine, s3, archive.Options{Logger: logger.With("component", "archive")})
	return a, nil
}

func (a *App) openStore(ctx context.Context) (deposit.Store, error) {
	cfg := a.Config
	switch cfg.StoreDriver {
	case config.StoreMemory:
		a.Logger.Warn("using the in-memory store, deposits are lost on exit")
		return repository.NewMemoryStore(), nil
	case config.StorePostgres:
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		return repository.NewPostgresStore(pool), nil
	case config.StoreSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		return repository.NewSQLiteStore(db), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Repo returns the configured GitHub repository.
func (a *App) Repo() ticketing.Repo {
	return ticketing.Repo{Owner: a.Config.GitHubOwner, Name: a.Config.GitHubRepo}
}

// Close releases the store.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
