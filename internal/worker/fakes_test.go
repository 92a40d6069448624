package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yourorg/wpsentinel-worker/internal/model"
	"github.com/yourorg/wpsentinel-worker/internal/queue"
)

type fakeJob struct {
	job      model.ScanJob
	status   model.JobStatus
	findings []model.Finding
	vulns    int
	metrics  model.ScanMetrics
	errMsg   string
}

// fakeBackend is an in-memory queue.Backend. The err* fields inject failures.
type fakeBackend struct {
	mu       sync.Mutex
	jobs     []*fakeJob
	acquired int
	released int

	errAcquire   error
	errClaim     error
	errInsert    error
	errSucceeded error
	errFailed    error

	// blockClaim and blockInsert make those calls hang until ctx is done,
	// like a half-open backend connection.
	blockClaim  bool
	blockInsert bool
}

func (b *fakeBackend) enqueue(id, url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, &fakeJob{job: model.ScanJob{ID: id, TargetURL: url}, status: model.StatusQueued})
}

func (b *fakeBackend) get(id string) fakeJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, j := range b.jobs {
		if j.job.ID == id {
			return *j
		}
	}
	return fakeJob{}
}

func (b *fakeBackend) sessions() (acquired, released int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquired, b.released
}

func (b *fakeBackend) find(id string) *fakeJob {
	for _, j := range b.jobs {
		if j.job.ID == id {
			return j
		}
	}
	return nil
}

func (b *fakeBackend) Acquire(ctx context.Context) (queue.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.errAcquire != nil {
		return nil, b.errAcquire
	}
	b.acquired++
	return &fakeSession{b: b}, nil
}

func (b *fakeBackend) Ping(ctx context.Context) error { return nil }
func (b *fakeBackend) Close()                         {}

type fakeSession struct {
	b        *fakeBackend
	released bool
}

func (s *fakeSession) blocks(flag func(*fakeBackend) bool) bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return flag(s.b)
}

func (s *fakeSession) Release() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if !s.released {
		s.released = true
		s.b.released++
	}
}

func (s *fakeSession) ClaimNext(ctx context.Context) (*model.ScanJob, error) {
	if s.blocks(func(b *fakeBackend) bool { return b.blockClaim }) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.errClaim != nil {
		return nil, s.b.errClaim
	}
	for _, j := range s.b.jobs {
		if j.status == model.StatusQueued {
			j.status = model.StatusRunning
			job := j.job
			return &job, nil
		}
	}
	return nil, nil
}

func (s *fakeSession) InsertFinding(ctx context.Context, jobID string, f model.Finding) error {
	if s.blocks(func(b *fakeBackend) bool { return b.blockInsert }) {
		<-ctx.Done()
		return ctx.Err()
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.errInsert != nil {
		return s.b.errInsert
	}
	j := s.b.find(jobID)
	if j == nil {
		return errors.New("no such job")
	}
	j.findings = append(j.findings, f)
	return nil
}

func (s *fakeSession) MarkSucceeded(ctx context.Context, jobID string, vulns int, m model.ScanMetrics) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.errSucceeded != nil {
		return s.b.errSucceeded
	}
	if j := s.b.find(jobID); j != nil && !j.status.Terminal() {
		j.status, j.vulns, j.metrics = model.StatusSucceeded, vulns, m
	}
	return nil
}

func (s *fakeSession) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.errFailed != nil {
		return s.b.errFailed
	}
	if j := s.b.find(jobID); j != nil && !j.status.Terminal() {
		j.status, j.errMsg = model.StatusFailed, errMsg
	}
	return nil
}

type stubScanner struct {
	mu       sync.Mutex
	findings []model.Finding
	panicMsg string
	targets  []string
}

func (s *stubScanner) Scan(ctx context.Context, target string) ([]model.Finding, model.ScanMetrics) {
	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	start := time.Now()
	return s.findings, model.ScanMetrics{StartTime: start}.Finalize(s.findings, start)
}

func (s *stubScanner) scanned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

type recordingArchiver struct {
	mu      sync.Mutex
	reports []model.ScanReport
	err     error
}

func (a *recordingArchiver) ArchiveReport(ctx context.Context, r model.ScanReport) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.reports = append(a.reports, r)
	return "reports/" + r.JobID + ".json", nil
}
