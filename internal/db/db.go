package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourorg/wpsentinel-worker/internal/model"
	"github.com/yourorg/wpsentinel-worker/internal/queue"
)

const (
	notifyChannel = "scan_events"
	// connectTimeout applies when DATABASE_URL sets no connect_timeout.
	connectTimeout = 10 * time.Second
)

var (
	_ queue.Backend   = (*Store)(nil)
	_ queue.Submitter = (*Store)(nil)
	_ queue.Reclaimer = (*Store)(nil)
)

// Store is the PostgreSQL job backend.
type Store struct {
	Pool     *pgxpool.Pool
	workerID string
}

func Open(ctx context.Context, url, workerID string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.ConnectTimeout == 0 {
		cfg.ConnConfig.ConnectTimeout = connectTimeout
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p, workerID: workerID}, nil
}

func (s *Store) Close() { s.Pool.Close() }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

// IsInsufficientPrivilege reports whether err is a Postgres 42501 error.
func IsInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

// Acquire pins one pooled connection for the duration of an iteration.
func (s *Store) Acquire(ctx context.Context) (queue.Session, error) {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &session{conn: conn, pool: s.Pool, workerID: s.workerID}, nil
}

var errReleased = errors.New("session connection released")

type session struct {
	conn     *pgxpool.Conn
	pool     *pgxpool.Pool
	workerID string
}

// execer is satisfied by both the pinned connection and the pool.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *session) Release() {
	if s.conn != nil {
		s.conn.Release()
		s.conn = nil
	}
}

func (s *session) notifyJobChanged(ctx context.Context, id string) {
	_, _ = s.conn.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, id)
}

// The row lock taken by SKIP LOCKED is held only until the claiming
// transaction commits; after that the status column keeps other workers off.
const claimSQL = `
WITH next_job AS (
	SELECT id
	FROM scans
	WHERE status='queued'
	ORDER BY created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE scans s
SET status='running',
    started_at=now(),
    finished_at=NULL,
    error_message=NULL,
    worker_id=$1
FROM next_job
WHERE s.id = next_job.id
RETURNING s.id::text, s.target_url
`

func (s *session) ClaimNext(ctx context.Context) (*model.ScanJob, error) {
	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var j model.ScanJob
	if err := tx.QueryRow(ctx, claimSQL, s.workerID).Scan(&j.ID, &j.TargetURL); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	s.notifyJobChanged(ctx, j.ID)
	return &j, nil
}

func (s *session) InsertFinding(ctx context.Context, jobID string, f model.Finding) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO scan_findings (scan_id, severity, title, description, evidence, recommendation)
		VALUES ($1::uuid, $2, $3, $4, $5, $6)
	`, jobID, string(f.Severity), f.Title,
		nullableString(f.Description), nullableString(f.Evidence), nullableString(f.Recommendation))
	if err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

func (s *session) MarkSucceeded(ctx context.Context, jobID string, vulnerabilities int, metrics model.ScanMetrics) error {
	meta, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE scans
		SET status='succeeded',
		    finished_at=now(),
		    vulnerabilities_count=$2,
		    metadata=$3::jsonb
		WHERE id=$1::uuid
		  AND status IN ('queued','running')
		  AND (worker_id=$4 OR worker_id IS NULL)
	`, jobID, vulnerabilities, string(meta), s.workerID)
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.notifyJobChanged(ctx, jobID)
	}
	return nil
}

// MarkFailed reports on the pinned connection first. When that connection
// is broken (any error not raised by the server) it retries once on a fresh
// pool connection.
func (s *session) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	err := errReleased
	if s.conn != nil {
		err = s.markFailed(ctx, s.conn, jobID, errMsg)
	}
	if err != nil && !isServerError(err) && ctx.Err() == nil {
		err = s.markFailed(ctx, s.pool, jobID, errMsg)
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *session) markFailed(ctx context.Context, db execer, jobID, errMsg string) error {
	tag, err := db.Exec(ctx, `
		UPDATE scans
		SET status='failed',
		    finished_at=now(),
		    error_message=$2
		WHERE id=$1::uuid
		  AND status IN ('queued','running')
		  AND (worker_id=$3 OR worker_id IS NULL)
	`, jobID, errMsg, s.workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		_, _ = db.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, jobID)
	}
	return nil
}

func isServerError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

// Enqueue inserts a queued scan for targetURL and returns its id.
func (s *Store) Enqueue(ctx context.Context, targetURL string) (string, error) {
	id := uuid.NewString()
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO scans (id, target_url, status) VALUES ($1::uuid, $2, 'queued')
	`, id, targetURL)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// RequeueStaleRunning finds scans stuck in 'running' for longer than idleFor
// and puts them back in the queue. Findings already written for them stay.
func (s *Store) RequeueStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error) {
	seconds := int64(idleFor.Seconds())
	if seconds <= 0 {
		return nil, nil
	}
	rows, err := s.Pool.Query(ctx, `
		UPDATE scans
		SET status='queued',
		    started_at=NULL,
		    worker_id=NULL,
		    error_message='re-queued: previous worker lost'
		WHERE status='running'
		  AND COALESCE(started_at, created_at) < now() - ($1::bigint * interval '1 second')
		RETURNING id::text
	`, seconds)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		_, _ = s.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, id)
	}
	return ids, nil
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS scans (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  target_url TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','running','succeeded','failed')),
  worker_id TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ,
  vulnerabilities_count INTEGER,
  metadata JSONB,
  error_message TEXT
);

ALTER TABLE scans ADD COLUMN IF NOT EXISTS worker_id TEXT;
ALTER TABLE scans ADD COLUMN IF NOT EXISTS metadata JSONB;

CREATE INDEX IF NOT EXISTS idx_scans_status_created ON scans (status, created_at);

CREATE TABLE IF NOT EXISTS scan_findings (
  id BIGSERIAL PRIMARY KEY,
  scan_id UUID NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
  severity TEXT NOT NULL CHECK (severity IN ('info','low','medium','high','critical')),
  title TEXT NOT NULL,
  description TEXT,
  evidence TEXT,
  recommendation TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scan_findings_scan ON scan_findings (scan_id, id);
`)
	return err
}
