package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/wpsentinel-worker/internal/backend"
	"github.com/yourorg/wpsentinel-worker/internal/health"
	"github.com/yourorg/wpsentinel-worker/internal/metrics"
	"github.com/yourorg/wpsentinel-worker/internal/queue"
	"github.com/yourorg/wpsentinel-worker/internal/s3"
	"github.com/yourorg/wpsentinel-worker/internal/worker"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker loop (the default command)",
		Long:  "Run the worker loop against the configured backend. With TEST_URL set, scan that single target and print the findings instead.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
	cmd.Flags().String("http-addr", "", "serve /healthz and /metrics on this address (env HTTP_ADDR)")
	cmd.Flags().Int("poll-interval-seconds", 0, "wait between empty polls (env POLL_INTERVAL_SECONDS)")
	_ = a.v.BindPFlag("http_addr", cmd.Flags().Lookup("http-addr"))
	_ = a.v.BindPFlag("poll_interval_seconds", cmd.Flags().Lookup("poll-interval-seconds"))
	return cmd
}

func newScanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <url>",
		Short: "Scan one target and print the findings without touching the backend",
		Args:  cobra.ExactArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.v.Set("test_url", args[0])
			return a.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.diagnose(cmd.Context(), a.cfg.TestURL)
		},
	}
}

func (a *app) diagnose(ctx context.Context, target string) error {
	if err := validTarget(target); err != nil {
		return err
	}
	a.log.WithField("target", target).Info("diagnostic scan")
	return worker.Diagnose(ctx, a.newScanner(), target, a.stdout())
}

func (a *app) run(ctx context.Context) error {
	if a.cfg.TestURL != "" {
		return a.diagnose(ctx, a.cfg.TestURL)
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	workerID := uuid.NewString()
	log := a.log.WithField("worker_id", workerID)

	b, err := backend.Open(ctx, a.cfg, workerID, log)
	if err != nil {
		return err
	}
	defer b.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := worker.Options{
		PollInterval:   a.cfg.PollInterval,
		BackendTimeout: a.cfg.BackendTimeout,
		WorkerID:       workerID,
		Logger:         a.log,
		Metrics:        metrics.New(reg),
	}
	if a.cfg.ArchiveEnabled() {
		c, err := s3.New(a.cfg.S3Endpoint, a.cfg.S3AccessKey, a.cfg.S3SecretKey, a.cfg.S3UseSSL, a.cfg.ReportsBucket)
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		opts.Archive = c
	}
	r := worker.NewRunner(b, a.newScanner(), opts)

	log.WithFields(logrus.Fields{
		"backend":       a.cfg.Backend,
		"poll_interval": a.cfg.PollInterval,
		"timeout":       a.cfg.HTTPTimeout,
		"archive":       a.cfg.ArchiveEnabled(),
	}).Info("worker starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.RunForever(gctx) })
	if addr := a.cfg.HTTPAddr; addr != "" {
		g.Go(func() error { return health.Serve(gctx, addr, health.Handler(b, reg, log)) })
	}
	return g.Wait()
}

func newEnqueueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <url>...",
		Short: "Queue scans for one or more targets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, target := range args {
				if err := validTarget(target); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			b, err := backend.Open(ctx, a.cfg, uuid.NewString(), a.log)
			if err != nil {
				return err
			}
			defer b.Close()

			sub, ok := b.(queue.Submitter)
			if !ok {
				return queue.ErrUnsupported
			}
			for _, target := range args {
				id, err := sub.Enqueue(ctx, target)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout(), id)
			}
			return nil
		},
	}
}

// validTarget accepts absolute http and https URLs.
func validTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid target %q: want an absolute http(s) URL", target)
	}
	return nil
}
