package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mtlprog/crowdcheck/internal/config"
	"github.com/mtlprog/crowdcheck/internal/database"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the database schema",
		Subcommands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply all pending migrations",
				Action: runMigrateUp,
			},
			{
				Name:   "down",
				Usage:  "Roll back the latest migration",
				Action: runMigrateDown,
			},
			{
				Name:   "version",
				Usage:  "Print the current schema version",
				Action: runMigrateVersion,
			},
		},
	}
}

// connect opens the pool without migrating, for operator commands.
func connect(c *cli.Context) (*database.DB, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return dial(c.Context, cfg)
}

func dial(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.New(ctx, cfg.Database.URL,
		database.WithMaxConns(cfg.Database.MaxConns),
		database.WithMinConns(cfg.Database.MinConns),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func runMigrateUp(c *cli.Context) error {
	db, err := connect(c)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrations(c.Context, db.Pool()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return printVersion(c, db)
}

func runMigrateDown(c *cli.Context) error {
	db, err := connect(c)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RollbackMigration(c.Context, db.Pool()); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return printVersion(c, db)
}

func runMigrateVersion(c *cli.Context) error {
	db, err := connect(c)
	if err != nil {
		return err
	}
	defer db.Close()
	return printVersion(c, db)
}

func printVersion(c *cli.Context, db *database.DB) error {
	version, err := database.MigrationVersion(c.Context, db.Pool())
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "schema version %d\n", version)
	return nil
}
