package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"classroom-provisioner/internal/config"
	"classroom-provisioner/internal/database"
	"classroom-provisioner/internal/events"
	"classroom-provisioner/internal/github"
	"classroom-provisioner/internal/memstore"
	"classroom-provisioner/internal/provision"
	"classroom-provisioner/internal/queue"
)

// app holds the wired components shared by the serve and worker commands.
type app struct {
	store   database.Querier
	flags   provision.Flags
	service *provision.Service
	runner  *queue.Runner

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}

	store, err := a.openStore(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	ghClient, err := github.NewClient(cfg.GithubToken, cfg.GithubBaseURL, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create github client: %w", err)
	}

	a.flags = provision.Options{Resiliency: cfg.ResiliencyEnabled}
	creator := provision.NewCreator(store, ghClient, logger, cfg.ExternalTimeout, cfg.RepoPrivate)
	a.service = provision.NewService(store, creator, ghClient, a.flags, events.NewCounter(logger), logger, cfg.JobMaxAttempts, cfg.ExternalTimeout)
	a.runner = queue.NewRunner(store, a.service, queue.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		LeaseTTL:     cfg.JobLeaseTTL,
		RetryBackoff: cfg.JobRetryBackoff,
	}, logger)

	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (database.Querier, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("Using in-memory store, state is lost on restart")
		return memstore.New(), nil
	}

	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, dbpool.Close)
	if err := dbpool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	logger.Info("Database connection established")

	if err := runMigrations(cfg.MigrationsPath, cfg.DBURL); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	return database.New(dbpool), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
