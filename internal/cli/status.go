package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hallway/satchel/internal/api"
	"github.com/hallway/satchel/internal/domain"
)

// StatusData holds the status report.
type StatusData struct {
	Manifest ManifestStatus `json:"manifest"`
	Remote   RemoteStatus   `json:"remote"`
	Store    StoreStatus    `json:"store"`
	Buckets  []BucketStatus `json:"buckets"`
}

// ManifestStatus describes the compiled policy manifest.
type ManifestStatus struct {
	Version        string `json:"version"`
	Source         string `json:"source"`
	PrecacheAssets int    `json:"precache_assets"`
}

// RemoteStatus describes backend reachability.
type RemoteStatus struct {
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
}

// StoreStatus describes the record store and its mutation queue.
type StoreStatus struct {
	Path       string                      `json:"path"`
	Durable    bool                        `json:"durable"`
	QueueDepth int                         `json:"queue_depth"`
	Pending    map[domain.MutationKind]int `json:"pending,omitempty"`
	Records    map[string]int              `json:"records,omitempty"`
}

// BucketStatus describes one cache bucket.
type BucketStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &struct {
		*RootOptions
		engineFlags
	}{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Inspect the local store, queue, and cache buckets",
		Long: `Report the current state of the satchel data directory.

Shows the compiled manifest version, backend reachability, mutation
queue depth broken down by kind, record counts per collection, and the
entry count of every cache bucket. Read-only; safe to run while the
engine is up.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts.RootOptions, opts.engineFlags, cmd)
		},
	}

	opts.engineFlags.register(cmd)

	return cmd
}

func runStatus(opts *RootOptions, flags engineFlags, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := flags.load(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	manifest, err := loadManifest(cfg.ManifestPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile manifest", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	data := StatusData{
		Manifest: ManifestStatus{
			Version:        manifest.Version,
			Source:         manifestSource(cfg.ManifestPath),
			PrecacheAssets: len(manifest.Precache),
		},
		Remote: RemoteStatus{URL: cfg.RemoteURL},
	}

	client, err := api.NewClient(api.ClientConfig{BaseURL: cfg.RemoteURL, HTTPClient: httpClient()})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build API client", err)
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	data.Remote.Reachable = client.Ping(pingCtx) == nil
	pingCancel()

	st, err := openStore(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	data.Store = StoreStatus{
		Path:    cfg.StorePath(),
		Durable: st.Durable(),
		Records: make(map[string]int),
	}
	if data.Store.QueueDepth, err = st.QueueDepth(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue depth", err)
	}
	if data.Store.Pending, err = st.PendingByKind(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to read pending mutations", err)
	}
	for _, coll := range domain.Collections {
		n, err := st.CountRecords(ctx, coll)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to count records", err)
		}
		if n > 0 {
			data.Store.Records[coll] = n
		}
	}

	buckets, err := openBuckets(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open buckets", err)
	}
	defer buckets.Close()

	names, err := buckets.Names(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list buckets", err)
	}
	for _, name := range names {
		n, err := buckets.Count(ctx, name)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to count bucket entries", err)
		}
		data.Buckets = append(data.Buckets, BucketStatus{Name: name, Entries: n})
	}

	return outputStatus(formatter, data)
}

func manifestSource(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}

// outputStatus renders the status report.
func outputStatus(formatter *OutputFormatter, data StatusData) error {
	if formatter.Format == "json" {
		return formatter.Success(data)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "manifest  %s (%s), %d precache assets\n",
		data.Manifest.Version, data.Manifest.Source, data.Manifest.PrecacheAssets)

	reach := "unreachable"
	if data.Remote.Reachable {
		reach = "reachable"
	}
	fmt.Fprintf(w, "remote    %s (%s)\n", data.Remote.URL, reach)

	durability := "memory fallback"
	if data.Store.Durable {
		durability = "durable"
	}
	fmt.Fprintf(w, "store     %s (%s)\n", data.Store.Path, durability)
	fmt.Fprintf(w, "  queue   %d pending\n", data.Store.QueueDepth)
	for _, kind := range domain.MutationKinds {
		if n := data.Store.Pending[kind]; n > 0 {
			fmt.Fprintf(w, "    %-14s %d\n", kind, n)
		}
	}
	if len(data.Store.Records) > 0 {
		fmt.Fprintln(w, "  records")
		for _, coll := range domain.Collections {
			if n := data.Store.Records[coll]; n > 0 {
				fmt.Fprintf(w, "    %-14s %d\n", coll, n)
			}
		}
	}

	if len(data.Buckets) == 0 {
		fmt.Fprintln(w, "buckets   none")
		return nil
	}
	fmt.Fprintln(w, "buckets")
	for _, b := range data.Buckets {
		fmt.Fprintf(w, "    %-14s %d entries\n", b.Name, b.Entries)
	}
	return nil
}
