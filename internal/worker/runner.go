// Package worker drives the claim, scan and report cycle against a job backend.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/wpsentinel-worker/internal/metrics"
	"github.com/yourorg/wpsentinel-worker/internal/model"
	"github.com/yourorg/wpsentinel-worker/internal/queue"
)

// Scanner produces findings for one target. It never fails; an unreachable
// target is reported as a finding.
type Scanner interface {
	Scan(ctx context.Context, target string) ([]model.Finding, model.ScanMetrics)
}

// Archiver stores the full report of a finished scan.
type Archiver interface {
	ArchiveReport(ctx context.Context, r model.ScanReport) (string, error)
}

type Options struct {
	PollInterval time.Duration
	// BackendTimeout bounds every single backend call.
	BackendTimeout time.Duration
	WorkerID       string
	Logger       logrus.FieldLogger
	// Archive and Metrics are optional.
	Archive Archiver
	Metrics *metrics.Metrics
}

type Runner struct {
	backend  queue.Backend
	scanner  Scanner
	archive  Archiver
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	poll     time.Duration
	timeout  time.Duration
	workerID string
}

func NewRunner(b queue.Backend, s Scanner, opts Options) *Runner {
	id := opts.WorkerID
	if id == "" {
		id = uuid.NewString()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	timeout := opts.BackendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Runner{
		backend:  b,
		scanner:  s,
		archive:  opts.Archive,
		metrics:  m,
		log:      log.WithField("worker_id", id),
		poll:     poll,
		timeout:  timeout,
		workerID: id,
	}
}

func (r *Runner) WorkerID() string { return r.workerID }

// Outcome is the result of one loop iteration.
type Outcome int

const (
	// Idle means no job was queued.
	Idle Outcome = iota
	Succeeded
	// Failed covers backend errors, with or without a claimed job.
	Failed
)

// RunForever claims and processes jobs until ctx is cancelled. A job that is
// already claimed when ctx is cancelled is finished before returning.
// Errors never stop the loop.
func (r *Runner) RunForever(ctx context.Context) error {
	r.log.WithField("poll_interval", r.poll).Info("worker loop started")
	for {
		if ctx.Err() != nil {
			r.log.Info("worker loop stopped")
			return nil
		}
		if r.RunOnce(ctx) == Succeeded {
			continue
		}
		if !sleep(ctx, r.poll) {
			r.log.Info("worker loop stopped")
			return nil
		}
	}
}

// RunOnce performs a single iteration: acquire a session, claim at most one
// job, scan it and report the result. Each backend call gets its own
// deadline of BackendTimeout.
func (r *Runner) RunOnce(ctx context.Context) Outcome {
	var sess queue.Session
	err := r.call(ctx, func(ctx context.Context) (err error) {
		sess, err = r.backend.Acquire(ctx)
		return err
	})
	if err != nil {
		r.backendError("acquire", err)
		return Failed
	}
	defer sess.Release()

	var job *model.ScanJob
	err = r.call(ctx, func(ctx context.Context) (err error) {
		job, err = sess.ClaimNext(ctx)
		return err
	})
	if err != nil {
		r.backendError("claim", err)
		return Failed
	}
	if job == nil {
		return Idle
	}
	r.metrics.JobsClaimed.Inc()

	// The claimed job is seen through even if shutdown starts meanwhile.
	jobCtx := context.WithoutCancel(ctx)
	log := r.log.WithFields(logrus.Fields{"job_id": job.ID, "target": job.TargetURL})
	log.Info("processing scan")

	vulns, err := r.process(jobCtx, sess, job, log)
	if err != nil {
		log.WithError(err).Error("scan failed")
		ferr := r.call(jobCtx, func(ctx context.Context) error {
			return sess.MarkFailed(ctx, job.ID, err.Error())
		})
		if ferr != nil {
			r.backendError("mark_failed", ferr)
			log.WithError(ferr).Error("could not mark scan as failed")
		} else {
			r.metrics.JobFinished(model.StatusFailed)
			log.Warn("marked scan as failed")
		}
		return Failed
	}
	r.metrics.JobFinished(model.StatusSucceeded)
	log.WithField("vulnerabilities", vulns).Info("scan completed")
	return Succeeded
}

func (r *Runner) process(ctx context.Context, sess queue.Session, job *model.ScanJob, log logrus.FieldLogger) (vulns int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while processing scan: %v", p)
		}
	}()

	findings, sm := r.scanner.Scan(ctx, job.TargetURL)
	r.metrics.ObserveScan(findings, sm)

	for _, f := range findings {
		err := r.call(ctx, func(ctx context.Context) error {
			return sess.InsertFinding(ctx, job.ID, f)
		})
		if err != nil {
			r.metrics.BackendError("insert_finding")
			return 0, err
		}
	}
	vulns = model.CountVulnerabilities(findings)
	err = r.call(ctx, func(ctx context.Context) error {
		return sess.MarkSucceeded(ctx, job.ID, vulns, sm)
	})
	if err != nil {
		r.metrics.BackendError("mark_succeeded")
		return 0, err
	}

	if r.archive != nil {
		report := model.ScanReport{
			JobID:     job.ID,
			TargetURL: job.TargetURL,
			WorkerID:  r.workerID,
			Summary:   model.Summarize(findings),
			Findings:  findings,
			Metrics:   sm,
		}
		var key string
		err := r.call(ctx, func(ctx context.Context) (err error) {
			key, err = r.archive.ArchiveReport(ctx, report)
			return err
		})
		if err != nil {
			log.WithError(err).Warn("report archive failed")
		} else {
			log.WithField("report", key).Debug("report archived")
		}
	}
	return vulns, nil
}

// call runs fn under the per-call backend deadline.
func (r *Runner) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return fn(ctx)
}

func (r *Runner) backendError(op string, err error) {
	r.metrics.BackendError(op)
	r.log.WithError(err).WithField("op", op).Error("backend call failed")
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
