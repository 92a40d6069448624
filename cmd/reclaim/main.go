// Command reclaim re-queues scans orphaned in the running state by workers
// that died mid-job. Run it once from cron, or with --every as a sidecar.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yourorg/wpsentinel-worker/internal/backend"
	"github.com/yourorg/wpsentinel-worker/internal/config"
	"github.com/yourorg/wpsentinel-worker/internal/logging"
	"github.com/yourorg/wpsentinel-worker/internal/queue"
	"github.com/yourorg/wpsentinel-worker/internal/worker"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	if err := newCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	cmd := &cobra.Command{
		Use:           "reclaim",
		Short:         "Re-queue scans stuck in running",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			every := v.GetDuration("every")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := backend.Open(ctx, cfg, "reclaim-"+uuid.NewString(), log)
			if err != nil {
				return err
			}
			defer b.Close()

			for {
				ids, err := worker.Reclaim(ctx, b, cfg.StaleAfter, log)
				if errors.Is(err, queue.ErrUnsupported) {
					return fmt.Errorf("backend %s cannot reclaim jobs: %w", cfg.Backend, err)
				}
				if err != nil {
					return err
				}
				log.WithField("count", len(ids)).Info("reclaim pass finished")
				if every <= 0 {
					return nil
				}
				if !wait(ctx, every) {
					return nil
				}
			}
		},
	}
	cmd.Flags().Duration("every", 0, "repeat the sweep at this interval instead of exiting")
	cmd.Flags().Int("stale-after-seconds", 0, "age of a running job before it is re-queued (env STALE_AFTER_SECONDS)")
	_ = v.BindPFlag("every", cmd.Flags().Lookup("every"))
	_ = v.BindPFlag("stale_after_seconds", cmd.Flags().Lookup("stale-after-seconds"))
	return cmd
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
