package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hallway/satchel/internal/cache"
)

// PrecacheData holds the result of a one-shot precache pass.
type PrecacheData struct {
	Version string `json:"version"`
	Fetched int    `json:"fetched"`
	Failed  int    `json:"failed"`
}

// NewPrecacheCommand creates the precache command.
func NewPrecacheCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &struct {
		*RootOptions
		engineFlags
	}{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "precache",
		Short: "Warm the static cache bucket from the manifest",
		Long: `Fetch every asset in the manifest's precache list and store it in
the current version's static bucket.

A failed asset is skipped rather than aborting the pass, but any
failure means the app shell is not fully available offline, so the
command exits 1 unless every asset landed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrecache(opts.RootOptions, opts.engineFlags, cmd)
		},
	}

	opts.engineFlags.register(cmd)

	return cmd
}

func runPrecache(opts *RootOptions, flags engineFlags, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := flags.load(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	manifest, err := loadManifest(cfg.ManifestPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile manifest", err)
	}

	origin, err := cfg.Origin()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid remote URL", err)
	}

	buckets, err := openBuckets(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open buckets", err)
	}
	defer buckets.Close()

	logger := newLogger(opts, cfg)
	tr := cache.NewTransport(cache.TransportConfig{
		Base:    httpClient().Transport,
		Buckets: buckets,
		Rules:   cache.NewClassifier(manifest.Rules()),
		Version: manifest.Version,
		Timeout: manifest.NetworkTimeout,
		Logger:  logger,
	})
	defer tr.WaitBackground()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	formatter.VerboseLog("Precaching %d asset(s) from %s", len(manifest.Precache), cfg.RemoteURL)

	res, err := tr.Precache(ctx, origin, manifest.Precache)
	if err != nil {
		return WrapExitError(ExitCommandError, "precache interrupted", err)
	}

	return outputPrecache(formatter, PrecacheData{
		Version: manifest.Version,
		Fetched: res.Fetched,
		Failed:  res.Failed,
	})
}

// outputPrecache renders the precache result. Any failed asset fails
// the command.
func outputPrecache(formatter *OutputFormatter, data PrecacheData) error {
	if formatter.Format == "json" {
		if err := formatter.Success(data); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		if data.Failed == 0 {
			fmt.Fprintf(w, "✓ Precached %d asset(s) into the %s static bucket\n", data.Fetched, data.Version)
		} else {
			fmt.Fprintf(w, "✗ Precache incomplete: %d fetched, %d failed\n", data.Fetched, data.Failed)
		}
	}

	if data.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d asset(s) failed to precache", data.Failed))
	}
	return nil
}
