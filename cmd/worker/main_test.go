package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wordpressSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000")
		_, _ = io.WriteString(w, `<link rel="stylesheet" href="/wp-content/themes/twentytwenty/style.css">`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out, io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestScanCommand_PrintsFindings(t *testing.T) {
	srv := wordpressSite(t)
	t.Setenv("BACKEND", "")
	t.Setenv("DATABASE_URL", "")

	out, err := execute(t, "scan", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "[INFO] Target reachable\n"+
		"  description: HTTP 200 received.\n"+
		"  evidence: Final URL: "+srv.URL+"\n"+
		"[INFO] WordPress theme detected\n"+
		"  description: Active theme: twentytwenty\n"+
		"  evidence: wp-content/themes/twentytwenty/\n", out)
}

func TestRootCommand_TestURLSwitchesToDiagnosticMode(t *testing.T) {
	srv := wordpressSite(t)
	t.Setenv("TEST_URL", srv.URL)
	t.Setenv("DATABASE_URL", "")

	out, err := execute(t)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "[INFO] Target reachable\n"))
}

func TestRunCommand_MissingDatabaseURLIsFatal(t *testing.T) {
	t.Setenv("TEST_URL", "")
	t.Setenv("BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestEnqueue_SQLite(t *testing.T) {
	t.Setenv("TEST_URL", "")
	t.Setenv("BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "jobs.db"))

	out, err := execute(t, "enqueue", "https://one.example", "https://two.example")
	require.NoError(t, err)
	lines := strings.Fields(out)
	require.Len(t, lines, 2)
	for _, id := range lines {
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	}
}

func TestEnqueue_RejectsInvalidTarget(t *testing.T) {
	t.Setenv("TEST_URL", "")
	t.Setenv("BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "jobs.db"))

	_, err := execute(t, "enqueue", "example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid target")
}

func TestValidTarget(t *testing.T) {
	tests := []struct {
		target string
		ok     bool
	}{
		{"https://example.com", true},
		{"http://example.com/blog/", true},
		{"example.com", false},
		{"ftp://example.com", false},
		{"https://", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			err := validTarget(tt.target)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
