package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/wpsentinel-worker/internal/model"
)

type objectStore struct {
	mu      sync.Mutex
	puts    map[string]string
	headers map[string]http.Header
}

func (o *objectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("location") {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/"></LocationConstraint>`)
		return
	}
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	body, _ := io.ReadAll(r.Body)
	o.mu.Lock()
	o.puts[r.URL.Path] = string(body)
	o.headers[r.URL.Path] = r.Header.Clone()
	o.mu.Unlock()
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func newObjectStore(t *testing.T) (*objectStore, *Client) {
	t.Helper()
	store := &objectStore{puts: map[string]string{}, headers: map[string]http.Header{}}
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	c, err := New(strings.TrimPrefix(srv.URL, "http://"), "access", "secret", false, "scan-reports")
	require.NoError(t, err)
	return store, c
}

func TestReportKey(t *testing.T) {
	assert.Equal(t, "reports/abc.json", ReportKey("abc"))
}

func TestClient_ArchiveReport(t *testing.T) {
	store, c := newObjectStore(t)

	findings := []model.Finding{{Severity: model.SeverityLow, Title: "XML-RPC endpoint exposed"}}
	key, err := c.ArchiveReport(context.Background(), model.ScanReport{
		JobID:     "job-1",
		TargetURL: "https://example.com",
		WorkerID:  "w-1",
		Summary:   model.Summarize(findings),
		Findings:  findings,
	})
	require.NoError(t, err)
	assert.Equal(t, "reports/job-1.json", key)

	store.mu.Lock()
	defer store.mu.Unlock()
	body, ok := store.puts["/scan-reports/reports/job-1.json"]
	require.True(t, ok, "report was not uploaded")
	assert.Contains(t, body, `"job_id":"job-1"`)
	assert.Contains(t, body, `"XML-RPC endpoint exposed"`)
	assert.Equal(t, "application/json", store.headers["/scan-reports/reports/job-1.json"].Get("Content-Type"))
}
