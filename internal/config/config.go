// Package config loads engine configuration from SATCHEL_* environment
// variables. Command flags layer overrides on top; cache policy, retry
// tuning, and the build version come from the policy manifest, not from
// here.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime wiring for the engine.
type Config struct {
	// RemoteURL is the backend origin every fetch and delivery targets.
	RemoteURL string `env:"SATCHEL_REMOTE_URL" envDefault:"http://localhost:3000"`

	// DataDir holds the record store and cache bucket databases.
	DataDir string `env:"SATCHEL_DATA_DIR" envDefault:"data"`

	// ManifestPath points at a policy manifest file. Empty uses the
	// built-in manifest.
	ManifestPath string `env:"SATCHEL_MANIFEST"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"SATCHEL_LOG_LEVEL" envDefault:"info"`

	// LogFile, when set, mirrors logs into a rotating file.
	LogFile string `env:"SATCHEL_LOG_FILE"`

	// OTELEndpoint enables OTLP trace export when set.
	OTELEndpoint string `env:"SATCHEL_OTEL_ENDPOINT"`

	// PushBuffer is the inbound push payload buffer size.
	PushBuffer int `env:"SATCHEL_PUSH_BUFFER" envDefault:"16"`
}

// Parse reads SATCHEL_* environment variables into a Config without
// validating. Callers that layer flag overrides on top validate after
// applying them.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// FromEnv parses the environment into a Config and validates it.
func FromEnv() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component can work
// with.
func (c Config) Validate() error {
	u, err := url.Parse(c.RemoteURL)
	if err != nil {
		return fmt.Errorf("remote URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("remote URL %q must be absolute http(s)", c.RemoteURL)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.PushBuffer < 1 {
		return fmt.Errorf("push buffer must be at least 1, got %d", c.PushBuffer)
	}
	return nil
}

// Level maps LogLevel onto a slog.Level.
func (c Config) Level() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (debug|info|warn|error)", c.LogLevel)
	}
}

// Origin returns RemoteURL parsed. Call Validate first.
func (c Config) Origin() (*url.URL, error) {
	return url.Parse(c.RemoteURL)
}

// StorePath is the record store database file.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "satchel.db")
}

// BucketPath is the cache bucket database file.
func (c Config) BucketPath() string {
	return filepath.Join(c.DataDir, "buckets.db")
}
