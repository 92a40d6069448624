package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T) (Config, error) {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/wp")

	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 10*time.Second, cfg.BackendTimeout)
	assert.Equal(t, "WpSentinelWorker/1.0", cfg.UserAgent)
	assert.Equal(t, 30*time.Minute, cfg.StaleAfter)
	assert.True(t, cfg.EnsureSchema)
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BACKEND", "GraphQL")
	t.Setenv("GRAPHQL_URL", "https://api.example/v1/graphql")
	t.Setenv("POLL_INTERVAL_SECONDS", "2")
	t.Setenv("HTTP_TIMEOUT_SECONDS", "30")
	t.Setenv("BACKEND_TIMEOUT_SECONDS", "3")
	t.Setenv("USER_AGENT", "Custom/2.0")
	t.Setenv("S3_ENDPOINT", "minio:9000")
	t.Setenv("REPORTS_BUCKET", "reports")

	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, BackendGraphQL, cfg.Backend)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 3*time.Second, cfg.BackendTimeout)
	assert.Equal(t, "Custom/2.0", cfg.UserAgent)
	assert.True(t, cfg.ArchiveEnabled())
}

func TestLoad_MissingConnectionParameter(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"postgres": {"BACKEND": "postgres"},
		"graphql":  {"BACKEND": "graphql"},
		"unknown":  {"BACKEND": "mongo", "DATABASE_URL": "x"},
	} {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := load(t)
			require.Error(t, err)
		})
	}
}

func TestLoad_DiagnosticModeNeedsNoBackend(t *testing.T) {
	t.Setenv("TEST_URL", "https://example.com")

	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", cfg.TestURL)
}

func TestLoad_RejectsNonPositiveDurations(t *testing.T) {
	for _, key := range []string{"POLL_INTERVAL_SECONDS", "HTTP_TIMEOUT_SECONDS", "BACKEND_TIMEOUT_SECONDS"} {
		t.Run(key, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/wp")
			t.Setenv(key, "0")

			_, err := load(t)
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}
