package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hallway/satchel/internal/cache"
	"github.com/hallway/satchel/internal/config"
	"github.com/hallway/satchel/internal/policy"
	"github.com/hallway/satchel/internal/store"
)

// engineFlags are the wiring flags shared by commands that assemble
// engine components. The environment provides the defaults; a flag set
// on the command line wins.
type engineFlags struct {
	Remote   string
	DataDir  string
	Manifest string
}

func (ef *engineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&ef.Remote, "remote", "", "backend origin URL (default $SATCHEL_REMOTE_URL)")
	cmd.Flags().StringVar(&ef.DataDir, "data-dir", "", "data directory (default $SATCHEL_DATA_DIR)")
	cmd.Flags().StringVar(&ef.Manifest, "manifest", "", "policy manifest file (default $SATCHEL_MANIFEST or built-in)")
}

// load layers flag overrides over the environment and validates the
// result.
func (ef *engineFlags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Parse()
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("remote") {
		cfg.RemoteURL = ef.Remote
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = ef.DataDir
	}
	if cmd.Flags().Changed("manifest") {
		cfg.ManifestPath = ef.Manifest
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// loadManifest compiles the configured manifest, falling back to the
// built-in one when no path is set.
func loadManifest(path string) (*policy.Manifest, error) {
	if path == "" {
		return policy.Default()
	}
	return policy.LoadManifest(path)
}

// newLogger builds a stderr text logger at the configured level.
// Verbose mode forces debug.
func newLogger(opts *RootOptions, cfg config.Config) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore creates the data directory and opens the record store.
func openStore(cfg config.Config) (*store.SQL, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.Open(cfg.StorePath())
}

// openBuckets creates the data directory and opens the cache bucket
// database.
func openBuckets(cfg config.Config) (*cache.Buckets, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cache.OpenBuckets(cfg.BucketPath())
}

// httpClient builds the outbound HTTP client. The transport is wrapped
// with otel instrumentation so origin calls produce spans when tracing
// is enabled.
func httpClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   30 * time.Second,
	}
}

// newFormatter builds the output formatter for one command invocation.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
