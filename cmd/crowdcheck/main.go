package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/mtlprog/crowdcheck/internal/config"
	"github.com/mtlprog/crowdcheck/internal/logger"
)

func main() {
	app := &cli.App{
		Name:  "crowdcheck",
		Usage: "Human verification task coordinator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML config file",
				EnvVars: []string{"CROWDCHECK_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   logger.FormatAuto,
				Usage:   "Log format (auto, json, text)",
				EnvVars: []string{"LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Aliases: []string{"d"},
				Value:   config.DefaultDatabaseURL,
				Usage:   "PostgreSQL database URL",
				EnvVars: []string{"DATABASE_URL"},
			},
		},
		Before: func(c *cli.Context) error {
			logger.Setup(logger.ParseLevel(c.String("log-level")), c.String("log-format"))
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			sweepCommand(),
			migrateCommand(),
			enqueueCommand(),
			inspectCommand(),
			statsCommand(),
			deadLettersCommand(),
			requeueCommand(),
		},
		Action: runServe,
	}

	// Environment files are optional; real variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if url := c.String("database-url"); c.IsSet("database-url") || (cfg.Database.URL == "" && url != "") {
		cfg.Database.URL = url
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database url is required (--database-url, DATABASE_URL or database.url)")
	}
	return cfg, nil
}
