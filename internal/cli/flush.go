package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hallway/satchel/internal/api"
	"github.com/hallway/satchel/internal/domain"
	"github.com/hallway/satchel/internal/syncer"
)

// FlushData holds the result of a one-shot queue drain.
type FlushData struct {
	Requeued   int                         `json:"requeued"`
	Reconciled int                         `json:"reconciled"`
	Attempted  int                         `json:"attempted"`
	Acked      int                         `json:"acked"`
	Retried    int                         `json:"retried"`
	Abandoned  map[domain.MutationKind]int `json:"abandoned,omitempty"`
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &struct {
		*RootOptions
		engineFlags
	}{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Drain the pending-mutation queue once",
		Long: `Recover and drain the pending-mutation queue in one pass.

Requeues mutations left in flight by a crash, then delivers every
eligible queued mutation to the backend. Mutations that fail with a
retryable error stay queued with their backoff schedule persisted, so
a later flush or a running engine picks them up.

Exits 1 when mutations were abandoned, whether at the retry ceiling
or on a terminal rejection from the backend.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlush(opts.RootOptions, opts.engineFlags, cmd)
		},
	}

	opts.engineFlags.register(cmd)

	return cmd
}

func runFlush(opts *RootOptions, flags engineFlags, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := flags.load(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	manifest, err := loadManifest(cfg.ManifestPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile manifest", err)
	}

	logger := newLogger(opts, cfg)

	st, err := openStore(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	client, err := api.NewClient(api.ClientConfig{
		BaseURL:    cfg.RemoteURL,
		HTTPClient: httpClient(),
		Logger:     logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build API client", err)
	}

	coord, err := syncer.New(syncer.Config{
		Store:       st,
		Client:      client,
		Logger:      logger,
		MaxAttempts: manifest.Retry.MaxAttempts,
		Backoff:     syncer.NewBackoff(manifest.Retry.BaseDelay, manifest.Retry.MaxDelay),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build sync coordinator", err)
	}
	defer coord.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var data FlushData
	if data.Requeued, data.Reconciled, err = coord.Recover(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to recover queue", err)
	}

	res, err := coord.Drain(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "drain failed", err)
	}
	data.Attempted = res.Attempted
	data.Acked = res.Acked
	data.Retried = res.Retried
	if len(res.Abandoned) > 0 {
		data.Abandoned = res.Abandoned
	}

	return outputFlush(formatter, data)
}

// outputFlush renders the drain result. Abandoned mutations make the
// command fail even though the drain itself completed.
func outputFlush(formatter *OutputFormatter, data FlushData) error {
	abandoned := 0
	for _, n := range data.Abandoned {
		abandoned += n
	}

	if formatter.Format == "json" {
		if err := formatter.Success(data); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		if data.Requeued > 0 || data.Reconciled > 0 {
			fmt.Fprintf(w, "recovered %d in-flight, reconciled %d orphaned records\n",
				data.Requeued, data.Reconciled)
		}
		if data.Attempted == 0 {
			fmt.Fprintln(w, "✓ Queue empty, nothing to deliver")
			return nil
		}
		fmt.Fprintf(w, "attempted %d, delivered %d, retrying %d\n",
			data.Attempted, data.Acked, data.Retried)
		for _, kind := range domain.MutationKinds {
			if n := data.Abandoned[kind]; n > 0 {
				fmt.Fprintf(w, "  abandoned %-14s %d\n", kind, n)
			}
		}
		if abandoned == 0 {
			fmt.Fprintln(w, "✓ Drain complete")
		} else {
			fmt.Fprintf(w, "✗ %d mutation(s) abandoned\n", abandoned)
		}
	}

	if abandoned > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d mutation(s) abandoned", abandoned))
	}
	return nil
}
