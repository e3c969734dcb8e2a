package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtlprog/crowdcheck/internal/config"
	"github.com/mtlprog/crowdcheck/internal/consensus"
	"github.com/mtlprog/crowdcheck/internal/database"
	"github.com/mtlprog/crowdcheck/internal/fraud"
	"github.com/mtlprog/crowdcheck/internal/lifecycle"
	"github.com/mtlprog/crowdcheck/internal/lock"
	"github.com/mtlprog/crowdcheck/internal/service"
)

// openDatabase connects with the configured pool bounds and migrates the schema.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.New(ctx, cfg.Database.URL,
		database.WithMaxConns(cfg.Database.MaxConns),
		database.WithMinConns(cfg.Database.MinConns),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(ctx, db.Pool()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// newOrchestrator assembles the lifecycle machine, fraud detector and
// consensus engine over the PostgreSQL store.
func newOrchestrator(pool *pgxpool.Pool, cfg *config.Config, opts ...service.Option) (*service.Orchestrator, error) {
	store := service.NewPostgresStore(pool)
	machine := lifecycle.NewMachine(lifecycle.WithTimeouts(cfg.Timeouts()))

	thresholds, err := cfg.FraudThresholds()
	if err != nil {
		return nil, fmt.Errorf("invalid fraud thresholds: %w", err)
	}
	detector, err := fraud.NewDetector(thresholds)
	if err != nil {
		return nil, err
	}

	engine, err := consensus.NewEngine(store, machine, cfg.ConsensusPolicy())
	if err != nil {
		return nil, err
	}

	base := []service.Option{
		service.WithRetention(cfg.Lifecycle.Retention.Duration),
		service.WithHistoryLimit(cfg.Fraud.HistoryLimit),
	}
	return service.NewOrchestrator(store, machine, detector, engine, append(base, opts...)...), nil
}

// newLocker returns the configured task lock and its release function.
func newLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func() error, error) {
	if cfg.Lock.Backend != config.LockRedis {
		return lock.NewMemory(), func() error { return nil }, nil
	}

	redisLock, err := lock.NewRedis(ctx, cfg.RedisLock())
	if err != nil {
		return nil, nil, err
	}
	return redisLock, redisLock.Close, nil
}
