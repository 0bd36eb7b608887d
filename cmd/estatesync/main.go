// Package main is the CLI entry point for estatesync.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/estatedesk/estatesync/internal/app"
	"github.com/estatedesk/estatesync/internal/config"
	"github.com/estatedesk/estatesync/internal/mutation"
	"github.com/estatedesk/estatesync/internal/resource"
	"github.com/estatedesk/estatesync/internal/stats"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "estatesync",
		Usage:   "Keep facility-management collections in sync with the data service",
		Version: version,
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			runCommand(),
			statsCommand(),
			markPaidCommand(),
			repairStatusCommand(),
			versionCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to YAML configuration file",
			Sources: cli.EnvVars("ESTATESYNC_CONFIG"),
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level (trace, debug, info, warn, error, fatal, panic); overrides the config file",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format (text, json); overrides the config file",
		},
		&cli.StringFlag{
			Name:  "driver",
			Usage: "Backend driver (memory, postgres, sqlite, hasura); overrides the config file",
		},
	}
}

// setup loads the configuration, applies CLI overrides and builds the logger.
func setup(cmd *cli.Command) (*config.Config, *logrus.Entry, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := cmd.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
	} else {
		cfg, err = config.Parse(nil)
		if err != nil {
			return nil, nil, err
		}
	}

	// --- CLI overrides ---
	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := cmd.String("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if v := cmd.String("driver"); v != "" {
		cfg.Backend.Driver = v
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}

	return cfg, newLogger(cfg.Log), nil
}

func newLogger(lc config.LogConfig) *logrus.Entry {
	logger := logrus.New()
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if lc.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger.WithField("app", "estatesync")
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the sync daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-address",
				Usage:   "HTTP listen address (e.g. :8080)",
				Sources: cli.EnvVars("ESTATESYNC_LISTEN_ADDRESS"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			if v := cmd.String("listen-address"); v != "" {
				cfg.Server.ListenAddress = v
			}

			log.WithFields(logrus.Fields{
				"version": version,
				"commit":  commit,
				"driver":  cfg.Backend.Driver,
			}).Info("starting estatesync")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("initializing estatesync: %w", err)
			}
			return a.Run(ctx)
		},
	}
}

// withBackend opens the configured backend for a one-shot command.
func withBackend(ctx context.Context, cmd *cli.Command, fn func(ctx context.Context, b *app.Backend, log *logrus.Entry) error) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Backend.RequestTimeout())
	defer cancel()

	b, err := app.OpenBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Service.Close(); err != nil {
			log.WithError(err).Warn("closing backend")
		}
	}()
	return fn(ctx, b, log)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print the dashboard counts",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withBackend(ctx, cmd, func(ctx context.Context, b *app.Backend, log *logrus.Entry) error {
				agg := stats.NewAggregator(b.Service, log)
				if err := agg.Refresh(ctx); err != nil {
					return fmt.Errorf("refreshing stats: %w", err)
				}
				snap, _ := agg.Snapshot()
				return printJSON(snap)
			})
		},
	}
}

func newDispatcher(b *app.Backend, log *logrus.Entry) *mutation.Dispatcher {
	opts := resource.WithLogger(log)
	bills := resource.New[resource.Bill](b.Service, resource.Bills, opts)
	repairs := resource.New[resource.Repair](b.Service, resource.Repairs, opts)
	return mutation.NewDispatcher(bills, repairs, log)
}

func markPaidCommand() *cli.Command {
	return &cli.Command{
		Name:      "mark-paid",
		Usage:     "Mark a bill as paid today",
		ArgsUsage: "<bill-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("bill id is required")
			}
			return withBackend(ctx, cmd, func(ctx context.Context, b *app.Backend, log *logrus.Entry) error {
				bill, err := newDispatcher(b, log).MarkBillPaid(ctx, id)
				if err != nil {
					return fmt.Errorf("marking bill %s paid: %w", id, err)
				}
				return printJSON(bill)
			})
		},
	}
}

func repairStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "repair-status",
		Usage:     "Change a repair request's status",
		ArgsUsage: "<repair-id> <status>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, status := cmd.Args().Get(0), cmd.Args().Get(1)
			if id == "" || status == "" {
				return fmt.Errorf("repair id and status are required")
			}
			return withBackend(ctx, cmd, func(ctx context.Context, b *app.Backend, log *logrus.Entry) error {
				repair, err := newDispatcher(b, log).SetRepairStatus(ctx, id, status)
				if err != nil {
					return fmt.Errorf("setting repair %s status: %w", id, err)
				}
				return printJSON(repair)
			})
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Printf("estatesync %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
