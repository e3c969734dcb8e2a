package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mtlprog/crowdcheck/internal/config"
	"github.com/mtlprog/crowdcheck/internal/handler"
	"github.com/mtlprog/crowdcheck/internal/queue"
	"github.com/mtlprog/crowdcheck/internal/repository"
	"github.com/mtlprog/crowdcheck/internal/service"
	"github.com/mtlprog/crowdcheck/internal/telemetry"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Consume inbound messages and serve the ops API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   config.DefaultPort,
				Usage:   "HTTP server port",
				EnvVars: []string{"PORT"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for the ops API (empty disables auth)",
				EnvVars: []string{"OPS_API_TOKEN"},
			},
			&cli.BoolFlag{
				Name:  "no-sweep",
				Usage: "Do not run the expiration sweep in this process",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.String("port")
	}
	if c.IsSet("token") {
		cfg.Server.Token = c.String("token")
	}
	if err := cfg.Finalize(); err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.TelemetrySettings())
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	recorder, err := telemetry.NewRecorder(nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	pool := db.Pool()

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create task lock: %w", err)
	}
	defer func() {
		if err := closeLocker(); err != nil {
			slog.Warn("failed to close task lock", "error", err)
		}
	}()

	orch, err := newOrchestrator(pool, cfg,
		service.WithLocker(locker),
		service.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}

	messages := repository.NewMessageRepository(pool)
	consumerOpts := []queue.Option{queue.WithRecorder(recorder)}
	if cfg.Queue.Listen {
		listener, err := queue.NewListener(cfg.Database.URL, queue.InboundChannel)
		if err != nil {
			return fmt.Errorf("failed to start queue listener: %w", err)
		}
		defer listener.Close()
		go listener.Run(ctx)
		consumerOpts = append(consumerOpts, queue.WithWakeup(listener.Wakeups()))
	}
	consumer := queue.NewConsumer(messages, orch, cfg.ConsumerConfig(), consumerOpts...)

	h := handler.New(pool, orch, messages, repository.NewStatsRepository(pool), cfg.Server.Token)
	if !h.AuthEnabled() {
		slog.Warn("ops API authentication disabled; set OPS_API_TOKEN or server.token")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           h.Routes(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 3)

	go func() {
		slog.Info("starting server", "server_addr", "http://localhost:"+cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("server error: %w", err)
		}
	}()

	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("consumer error: %w", err)
		}
	}()

	if !c.Bool("no-sweep") {
		sweeper := service.NewSweeper(repository.NewStore(pool), messages,
			cfg.Lifecycle.Retention.Duration, cfg.Sweep.Batch)
		go func() {
			if err := sweeper.Run(ctx, cfg.Sweep.Interval.Duration); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("sweeper error: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errs:
		stop()
	case <-ctx.Done():
		slog.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("server shutdown failed: %w", err))
	}

	slog.Info("server stopped")
	return runErr
}
