package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/wpsentinel-worker/internal/model"
)

func TestMetrics_ObserveScan(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveScan([]model.Finding{
		{Severity: model.SeverityInfo},
		{Severity: model.SeverityLow},
		{Severity: model.SeverityLow},
	}, model.ScanMetrics{Duration: 3 * time.Second})
	m.JobFinished(model.StatusSucceeded)
	m.BackendError("claim")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Findings.WithLabelValues("low")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Findings.WithLabelValues("info")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsFinished.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BackendErrors.WithLabelValues("claim")))

	n, err := testutil.GatherAndCount(reg, "wpsentinel_scan_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNew_NilRegistererDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil).JobsClaimed.Inc()
		New(nil).JobsClaimed.Inc()
	})
}
