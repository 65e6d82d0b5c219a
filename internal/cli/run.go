package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hallway/satchel/internal/agent"
	"github.com/hallway/satchel/internal/api"
	"github.com/hallway/satchel/internal/bridge"
	"github.com/hallway/satchel/internal/cache"
	"github.com/hallway/satchel/internal/config"
	"github.com/hallway/satchel/internal/lifecycle"
	"github.com/hallway/satchel/internal/push"
	"github.com/hallway/satchel/internal/store"
	"github.com/hallway/satchel/internal/syncer"
	"github.com/hallway/satchel/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	engineFlags
	LogFile string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the offline resilience engine",
		Long: `Start the satchel engine.

The engine compiles the policy manifest, opens the record store and
cache buckets under the data directory, precaches the manifest's
assets, and then serves cached fetches, drains the mutation queue, and
watches for new builds until interrupted.

Signals for the app layer (UPDATE_AVAILABLE, SYNC_COMPLETE, ...) are
printed to stdout as JSON lines.

Example:
  satchel run --remote http://localhost:3000 --data-dir ./data
  satchel run --manifest ./manifest.cue --log-file ./satchel.log -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	opts.engineFlags.register(cmd)
	cmd.Flags().StringVar(&opts.LogFile, "log-file", "", "mirror logs into a rotating file (default $SATCHEL_LOG_FILE)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.load(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if cmd.Flags().Changed("log-file") {
		cfg.LogFile = opts.LogFile
	}

	logger := runLogger(opts, cfg)
	slog.SetDefault(logger)

	manifest, err := loadManifest(cfg.ManifestPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile manifest", err)
	}
	logger.Info("manifest compiled",
		"version", manifest.Version,
		"precache_assets", len(manifest.Precache))

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "satchel", cfg.OTELEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	// The record store degrades to memory when SQLite cannot open; the
	// engine starts either way.
	_ = os.MkdirAll(cfg.DataDir, 0o755)
	st := store.OpenWithFallback(cfg.StorePath(), logger)
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	origin, err := cfg.Origin()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid remote URL", err)
	}

	client, err := api.NewClient(api.ClientConfig{
		BaseURL:    cfg.RemoteURL,
		HTTPClient: httpClient(),
		Logger:     logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build API client", err)
	}

	events := bridge.New(logger)

	coord, err := syncer.New(syncer.Config{
		Store:       st,
		Client:      client,
		Events:      events,
		Logger:      logger,
		MaxAttempts: manifest.Retry.MaxAttempts,
		Backoff:     syncer.NewBackoff(manifest.Retry.BaseDelay, manifest.Retry.MaxDelay),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build sync coordinator", err)
	}

	// A broken bucket database costs the cache and build installs, not
	// the queue. Run degraded rather than refusing to start.
	var (
		tr        *cache.Transport
		bkts      *cache.Buckets
		installer lifecycle.Installer
		gc        lifecycle.Buckets
	)
	if b, err := openBuckets(cfg); err != nil {
		logger.Error("bucket database unavailable, running without cache", "error", err)
	} else {
		bkts = b
		defer func() {
			if err := bkts.Close(); err != nil {
				logger.Error("error closing buckets", "error", err)
			}
		}()
		tr = cache.NewTransport(cache.TransportConfig{
			Base:    httpClient().Transport,
			Buckets: bkts,
			Rules:   cache.NewClassifier(manifest.Rules()),
			Version: manifest.Version,
			Timeout: manifest.NetworkTimeout,
			Logger:  logger,
		})
		installer = &agent.BucketInstaller{
			Buckets: bkts,
			Origin:  origin,
			Assets:  manifest.Precache,
			Client:  httpClient(),
			Logger:  logger,
		}
		gc = bkts
	}

	lum, err := lifecycle.New(lifecycle.Config{
		Version:    manifest.Version,
		Source:     client.Version,
		Installer:  installer,
		Buckets:    gc,
		Events:     events,
		Logger:     logger,
		CheckEvery: manifest.UpdateCheck,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build lifecycle manager", err)
	}

	inbox := push.NewChanSource(cfg.PushBuffer)
	consumer, err := push.NewConsumer(push.Config{
		Source: inbox,
		Sink:   notificationPrinter(cmd.OutOrStdout()),
		Logger: logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build push consumer", err)
	}

	ag, err := agent.New(agent.Config{
		Store:       st,
		Coordinator: coord,
		Lifecycle:   lum,
		Consumer:    consumer,
		Inbox:       inbox,
		Transport:   tr,
		Origin:      origin,
		Assets:      manifest.Precache,
		Events:      events,
		Logger:      logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build agent", err)
	}

	// Mirror every app-layer signal to stdout as a JSON line.
	var printers sync.WaitGroup
	printers.Add(1)
	sub, cancelSub := events.Subscribe()
	go func() {
		defer printers.Done()
		printEvents(cmd.OutOrStdout(), sub)
	}()
	defer printers.Wait()
	defer events.Close()
	defer cancelSub()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Probe for a newer build right away instead of waiting out the
	// first periodic interval.
	ag.CheckUpdate()

	logger.Info("engine starting",
		"remote", cfg.RemoteURL,
		"data_dir", cfg.DataDir,
		"version", manifest.Version)
	fmt.Fprintln(cmd.ErrOrStderr(), "Satchel running. Press Ctrl-C to stop.")

	if err := ag.Run(ctx); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	logger.Info("engine stopped gracefully")
	return nil
}

// runLogger builds the run command's logger: stderr text handler, with
// an optional rotating file mirror.
func runLogger(opts *RunOptions, cfg config.Config) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// printEvents writes each bridge event as one JSON line until the
// subscription channel closes.
func printEvents(w io.Writer, sub <-chan bridge.Event) {
	enc := json.NewEncoder(w)
	for ev := range sub {
		if err := enc.Encode(ev); err != nil {
			return
		}
	}
}

// notificationPrinter writes decoded push notifications to w as JSON
// lines, tagged so they are distinguishable from bridge events.
func notificationPrinter(w io.Writer) push.Sink {
	type line struct {
		Type string `json:"type"`
		push.Notification
	}
	var mu sync.Mutex
	return push.SinkFunc(func(n push.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		return json.NewEncoder(w).Encode(line{Type: "NOTIFICATION", Notification: n})
	})
}
