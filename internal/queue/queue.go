// Package queue defines the contract between the worker loop and a job
// backend. Adapters live in internal/db (PostgreSQL), internal/graphqlapi
// (remote GraphQL API) and internal/localdb (SQLite).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/yourorg/wpsentinel-worker/internal/model"
)

// ErrUnsupported is returned by optional operations a backend does not offer.
var ErrUnsupported = errors.New("operation not supported by backend")

// Backend hands out one Session per worker iteration.
type Backend interface {
	Acquire(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	Close()
}

// Session is scoped to one claim-scan-report iteration. Release must be
// called on every exit path and is safe to call more than once.
//
// ClaimNext returns (nil, nil) when no job is queued. Among concurrent
// callers each queued job is handed to at most one of them, oldest first.
// MarkSucceeded and MarkFailed only move jobs out of queued or running, so
// repeating either call is a no-op. InsertFinding always appends a row.
type Session interface {
	ClaimNext(ctx context.Context) (*model.ScanJob, error)
	InsertFinding(ctx context.Context, jobID string, f model.Finding) error
	MarkSucceeded(ctx context.Context, jobID string, vulnerabilities int, metrics model.ScanMetrics) error
	MarkFailed(ctx context.Context, jobID, errMsg string) error
	Release()
}

// Submitter creates queued jobs.
type Submitter interface {
	Enqueue(ctx context.Context, targetURL string) (string, error)
}

// Reclaimer puts jobs stuck in running back into queued.
type Reclaimer interface {
	RequeueStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error)
}
