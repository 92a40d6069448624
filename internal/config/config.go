package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendGraphQL  = "graphql"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Backend      string
	DatabaseURL  string
	EnsureSchema bool
	GraphQLURL   string
	GraphQLToken string
	SQLitePath   string

	PollInterval      time.Duration
	BackendTimeout    time.Duration
	HTTPTimeout       time.Duration
	UserAgent         string
	RequestsPerSecond float64
	StaleAfter        time.Duration

	// TestURL switches the worker into single-target diagnostic mode.
	TestURL  string
	HTTPAddr string

	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool
	ReportsBucket string

	LogLevel  string
	LogFormat string
}

// SetDefaults registers defaults and environment lookup on v. Keys are the
// lower-cased environment variable names.
func SetDefaults(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend", BackendPostgres)
	v.SetDefault("ensure_schema", true)
	v.SetDefault("sqlite_path", "wpsentinel.db")
	v.SetDefault("poll_interval_seconds", 5)
	v.SetDefault("backend_timeout_seconds", 10)
	v.SetDefault("http_timeout_seconds", 15)
	v.SetDefault("user_agent", "WpSentinelWorker/1.0")
	v.SetDefault("requests_per_second", 0)
	v.SetDefault("stale_after_seconds", 1800)
	v.SetDefault("s3_use_ssl", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads the configuration from v. Backend settings are only validated
// when the worker needs a backend, i.e. outside diagnostic mode.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Backend:           strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		DatabaseURL:       v.GetString("database_url"),
		EnsureSchema:      v.GetBool("ensure_schema"),
		GraphQLURL:        v.GetString("graphql_url"),
		GraphQLToken:      v.GetString("graphql_token"),
		SQLitePath:        v.GetString("sqlite_path"),
		PollInterval:      time.Duration(v.GetInt("poll_interval_seconds")) * time.Second,
		BackendTimeout:    time.Duration(v.GetInt("backend_timeout_seconds")) * time.Second,
		HTTPTimeout:       time.Duration(v.GetInt("http_timeout_seconds")) * time.Second,
		UserAgent:         v.GetString("user_agent"),
		RequestsPerSecond: v.GetFloat64("requests_per_second"),
		StaleAfter:        time.Duration(v.GetInt("stale_after_seconds")) * time.Second,
		TestURL:           strings.TrimSpace(v.GetString("test_url")),
		HTTPAddr:          v.GetString("http_addr"),
		S3Endpoint:        v.GetString("s3_endpoint"),
		S3AccessKey:       v.GetString("s3_access_key"),
		S3SecretKey:       v.GetString("s3_secret_key"),
		S3UseSSL:          v.GetBool("s3_use_ssl"),
		ReportsBucket:     v.GetString("reports_bucket"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
	}
	if cfg.PollInterval <= 0 {
		return cfg, errors.New("POLL_INTERVAL_SECONDS must be positive")
	}
	if cfg.BackendTimeout <= 0 {
		return cfg, errors.New("BACKEND_TIMEOUT_SECONDS must be positive")
	}
	if cfg.HTTPTimeout <= 0 {
		return cfg, errors.New("HTTP_TIMEOUT_SECONDS must be positive")
	}
	if cfg.UserAgent == "" {
		return cfg, errors.New("USER_AGENT must not be empty")
	}
	if cfg.TestURL == "" {
		if err := cfg.ValidateBackend(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// ValidateBackend checks the connection parameters of the selected backend.
func (c Config) ValidateBackend() error {
	switch c.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
	case BackendGraphQL:
		if c.GraphQLURL == "" {
			return errors.New("GRAPHQL_URL is required")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("unknown BACKEND %q (want postgres, graphql or sqlite)", c.Backend)
	}
	return nil
}

// ArchiveEnabled reports whether scan reports should be uploaded to object storage.
func (c Config) ArchiveEnabled() bool {
	return c.S3Endpoint != "" && c.ReportsBucket != ""
}
