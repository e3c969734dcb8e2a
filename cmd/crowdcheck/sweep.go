package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/urfave/cli/v2"

	"github.com/mtlprog/crowdcheck/internal/repository"
	"github.com/mtlprog/crowdcheck/internal/service"
)

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Enqueue expiration checks for open tasks and archive finished ones",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "loop",
				Usage: "Keep sweeping on the configured interval",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Sweep interval when --loop is set (overrides sweep.interval)",
			},
		},
		Action: runSweep,
	}
}

func runSweep(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	guard := flock.New(cfg.Sweep.LockFile)
	locked, err := guard.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !locked {
		slog.Warn("another sweep is running, skipping", "lock_file", cfg.Sweep.LockFile)
		return nil
	}
	defer func() {
		if err := guard.Unlock(); err != nil {
			slog.Warn("failed to release sweep lock", "error", err)
		}
	}()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	pool := db.Pool()
	sweeper := service.NewSweeper(repository.NewStore(pool), repository.NewMessageRepository(pool),
		cfg.Lifecycle.Retention.Duration, cfg.Sweep.Batch)

	if !c.Bool("loop") {
		count, err := sweeper.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "enqueued %d expiration checks\n", count)
		return nil
	}

	interval := cfg.Sweep.Interval.Duration
	if c.IsSet("interval") && c.Duration("interval") > 0 {
		interval = c.Duration("interval")
	}
	slog.Info("sweep loop started", "interval", interval)
	return sweeper.Run(ctx, interval)
}
