// Package metrics holds the Prometheus collectors exported by the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yourorg/wpsentinel-worker/internal/model"
)

const namespace = "wpsentinel"

type Metrics struct {
	JobsClaimed   prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	Findings      *prometheus.CounterVec
	ScanDuration  prometheus.Histogram
	BackendErrors *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsClaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Scan jobs claimed by this worker.",
		}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Scan jobs reported to the backend, by terminal status.",
		}, []string{"status"}),
		Findings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings produced, by severity.",
		}, []string{"severity"}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of one scan.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}),
		BackendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Failed backend calls, by operation.",
		}, []string{"op"}),
	}
}

func (m *Metrics) ObserveScan(findings []model.Finding, sm model.ScanMetrics) {
	m.ScanDuration.Observe(sm.Duration.Seconds())
	for _, f := range findings {
		m.Findings.WithLabelValues(string(f.Severity)).Inc()
	}
}

func (m *Metrics) JobFinished(status model.JobStatus) {
	m.JobsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) BackendError(op string) {
	m.BackendErrors.WithLabelValues(op).Inc()
}
