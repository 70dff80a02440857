package main

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/ethpandaops/buildsync/pkg/config"
	"github.com/ethpandaops/buildsync/pkg/events"
	"github.com/ethpandaops/buildsync/pkg/notify"
	"github.com/ethpandaops/buildsync/pkg/queue"
	"github.com/ethpandaops/buildsync/pkg/reconcile"
	"github.com/ethpandaops/buildsync/pkg/stats"
	"github.com/ethpandaops/buildsync/pkg/store"
	"github.com/ethpandaops/buildsync/pkg/task"
	"github.com/ethpandaops/buildsync/pkg/upload"
)

// app holds the wired components shared by every command.
type app struct {
	cfg    *config.Config
	db     *gorm.DB
	store  store.Store
	queue  queue.Queue
	driver task.Driver
	broker events.Broker
}

// loadConfig loads and validates the configuration given by --config. With no
// files the defaults apply.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// newApp opens the database, migrates every table and registers all tasks.
// withEvents creates the event broker that the API serves.
func newApp(ctx context.Context, cfg *config.Config, withEvents bool) (*app, error) {
	db, err := store.Open(ctx, log, &cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db}

	if err := a.wire(ctx, withEvents); err != nil {
		_ = store.Close(db)

		return nil, err
	}

	return a, nil
}

func (a *app) wire(ctx context.Context, withEvents bool) error {
	a.store = store.NewStore(log, a.db)
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}

	a.queue = queue.NewQueue(log, a.db)
	if err := a.queue.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating task queue: %w", err)
	}

	uploader, err := newUploader(ctx, a.cfg)
	if err != nil {
		return err
	}

	publisher := events.NewNoopPublisher()

	if withEvents {
		a.broker = events.NewBroker(log)
		publisher = a.broker
	}

	registry := task.NewRegistry()
	a.driver = task.NewDriver(log, a.queue, registry, &a.cfg.Scheduler)

	reconciler := reconcile.NewReconciler(
		log,
		a.store,
		stats.NewAggregator(log),
		a.driver,
		publisher,
		&a.cfg.Scheduler,
	)
	if err := reconciler.Register(registry); err != nil {
		return fmt.Errorf("registering reconcile tasks: %w", err)
	}

	if err := notify.NewHandlers(log, a.store, uploader).Register(registry); err != nil {
		return fmt.Errorf("registering notify tasks: %w", err)
	}

	return nil
}

func newUploader(ctx context.Context, cfg *config.Config) (upload.Uploader, error) {
	s3Cfg := cfg.Archive.S3
	if s3Cfg == nil || !s3Cfg.Enabled {
		return upload.NewNoopUploader(), nil
	}

	uploader, err := upload.NewS3Uploader(log, s3Cfg)
	if err != nil {
		return nil, fmt.Errorf("creating s3 uploader: %w", err)
	}

	if err := uploader.Preflight(ctx); err != nil {
		return nil, fmt.Errorf("s3 preflight check failed: %w", err)
	}

	return uploader, nil
}

func (a *app) close() {
	if a.broker != nil {
		a.broker.Close()
	}

	if err := store.Close(a.db); err != nil {
		log.WithError(err).Warn("Failed to close database")
	}
}
