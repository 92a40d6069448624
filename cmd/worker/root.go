package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yourorg/wpsentinel-worker/internal/config"
	"github.com/yourorg/wpsentinel-worker/internal/logging"
	"github.com/yourorg/wpsentinel-worker/internal/scanner"
)

// app carries what every subcommand needs once flags and env are resolved.
type app struct {
	v   *viper.Viper
	cfg config.Config
	log *logrus.Logger
	out io.Writer
	err io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: stdout, err: stderr}
	config.SetDefaults(a.v)

	root := &cobra.Command{
		Use:           "wpsentinel-worker",
		Short:         "WordPress exposure scan worker",
		Long:          "Claims queued website scans from the job backend, probes each site over HTTP and records the findings.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.String("backend", "", "job backend: postgres, graphql or sqlite (env BACKEND)")
	flags.String("database-url", "", "PostgreSQL connection string (env DATABASE_URL)")
	flags.String("graphql-url", "", "GraphQL endpoint (env GRAPHQL_URL)")
	flags.String("sqlite-path", "", "SQLite database file (env SQLITE_PATH)")
	flags.String("log-level", "", "log level (env LOG_LEVEL)")
	flags.String("log-format", "", "log format: text or json (env LOG_FORMAT)")
	// Unset flags fall through to the environment and defaults.
	for key, name := range map[string]string{
		"backend":      "backend",
		"database_url": "database-url",
		"graphql_url":  "graphql-url",
		"sqlite_path":  "sqlite-path",
		"log_level":    "log-level",
		"log_format":   "log-format",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(newRunCmd(a), newScanCmd(a), newEnqueueCmd(a))
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	log, err := logging.New(a.err, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

func (a *app) stdout() io.Writer { return a.out }

func (a *app) newScanner() *scanner.Scanner {
	return scanner.New(scanner.Options{
		Timeout:           a.cfg.HTTPTimeout,
		UserAgent:         a.cfg.UserAgent,
		RequestsPerSecond: a.cfg.RequestsPerSecond,
		Logger:            a.log,
	})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
