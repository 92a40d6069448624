// Package backend opens the job backend selected by configuration.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/wpsentinel-worker/internal/config"
	"github.com/yourorg/wpsentinel-worker/internal/db"
	"github.com/yourorg/wpsentinel-worker/internal/graphqlapi"
	"github.com/yourorg/wpsentinel-worker/internal/localdb"
	"github.com/yourorg/wpsentinel-worker/internal/queue"
)

// connectWindow bounds how long Open keeps retrying an unreachable backend.
var connectWindow = 2 * time.Minute

// Open connects to the configured backend and waits until it answers a ping.
// For PostgreSQL it also bootstraps the schema when enabled.
func Open(ctx context.Context, cfg config.Config, workerID string, log logrus.FieldLogger) (queue.Backend, error) {
	var b queue.Backend
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := db.Open(ctx, cfg.DatabaseURL, workerID)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b = store
	case config.BackendGraphQL:
		b = graphqlapi.New(cfg.GraphQLURL, cfg.GraphQLToken, workerID)
	case config.BackendSQLite:
		store, err := localdb.Open(cfg.SQLitePath, workerID)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		b = store
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if err := waitReady(ctx, b, log.WithField("backend", cfg.Backend)); err != nil {
		b.Close()
		return nil, err
	}

	if store, ok := b.(*db.Store); ok && cfg.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			if !db.IsInsufficientPrivilege(err) {
				b.Close()
				return nil, fmt.Errorf("ensure schema: %w", err)
			}
			log.WithError(err).Warn("ensure schema skipped due to insufficient privilege")
		}
	}
	return b, nil
}

func waitReady(ctx context.Context, b queue.Backend, log logrus.FieldLogger) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second
	expBackoff.MaxElapsedTime = connectWindow

	operation := func() error { return b.Ping(ctx) }
	notify := func(err error, next time.Duration) {
		log.WithError(err).WithField("retry_in", next).Warn("backend not reachable yet")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return fmt.Errorf("backend not reachable after retries: %w", err)
	}
	return nil
}
