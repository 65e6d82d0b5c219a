package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hallway/satchel/internal/domain"
	"github.com/hallway/satchel/internal/syncer"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and feed the pending-mutation queue",
	}

	cmd.AddCommand(newQueueAddCommand(rootOpts))
	cmd.AddCommand(newQueueListCommand(rootOpts))

	return cmd
}

// QueueAddData holds the result of a queue submission.
type QueueAddData struct {
	LocalID        int64               `json:"local_id"`
	Kind           domain.MutationKind `json:"kind"`
	IdempotencyKey string              `json:"idempotency_key"`
	Inserted       bool                `json:"inserted"`
}

func newQueueAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &struct {
		*RootOptions
		engineFlags
		Kind    string
		Payload string
		Key     string
	}{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a mutation for delivery",
		Long: fmt.Sprintf(`Queue a mutation without going through the app.

The mutation is persisted with an idempotency key and delivered on the
next drain (engine wake or flush). Pass --key to make repeated
submissions collapse onto one queue entry.

Valid kinds: %s.

Example:
  satchel queue add --kind swipe --payload '{"target":"u42","dir":"right"}'`, kindList()),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueAdd(opts.RootOptions, opts.engineFlags, opts.Kind, opts.Payload, opts.Key, cmd)
		},
	}

	opts.engineFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "mutation kind (required)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "JSON payload (required)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (generated when empty)")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

func runQueueAdd(opts *RootOptions, flags engineFlags, kind, payload, key string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if !domain.ValidMutationKind(domain.MutationKind(kind)) {
		msg := fmt.Sprintf("unknown mutation kind %q (valid: %s)", kind, kindList())
		_ = formatter.Error(ErrCodeBadMutation, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}
	if !json.Valid([]byte(payload)) {
		msg := "payload is not valid JSON"
		_ = formatter.Error(ErrCodeBadMutation, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	cfg, err := flags.load(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	// The coordinator owns key generation and dedupe, so submissions go
	// through it even though nothing will be delivered until the next
	// drain.
	coord, err := syncer.New(syncer.Config{
		Store:  st,
		Client: noDelivery{},
		Logger: newLogger(opts, cfg),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build sync coordinator", err)
	}
	defer coord.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	m, inserted, err := coord.Submit(ctx, syncer.SubmitRequest{
		Kind:           domain.MutationKind(kind),
		Payload:        json.RawMessage(payload),
		IdempotencyKey: key,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to queue mutation", err)
	}

	data := QueueAddData{
		LocalID:        m.LocalID,
		Kind:           m.Kind,
		IdempotencyKey: m.IdempotencyKey,
		Inserted:       inserted,
	}

	if formatter.Format == "json" {
		return formatter.Success(data)
	}
	if inserted {
		fmt.Fprintf(formatter.Writer, "✓ Queued %s mutation #%d (key %s)\n", m.Kind, m.LocalID, m.IdempotencyKey)
	} else {
		fmt.Fprintf(formatter.Writer, "✓ Already queued as #%d (key %s)\n", m.LocalID, m.IdempotencyKey)
	}
	return nil
}

// noDelivery satisfies the coordinator's client requirement for
// commands that only enqueue.
type noDelivery struct{}

func (noDelivery) Deliver(ctx context.Context, m domain.Mutation) (json.RawMessage, error) {
	return nil, fmt.Errorf("delivery not available in queue add")
}

// QueueListData holds the queue listing.
type QueueListData struct {
	Depth     int               `json:"depth"`
	Mutations []domain.Mutation `json:"mutations"`
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &struct {
		*RootOptions
		engineFlags
	}{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List queued mutations in delivery order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(opts.RootOptions, opts.engineFlags, cmd)
		},
	}

	opts.engineFlags.register(cmd)

	return cmd
}

func runQueueList(opts *RootOptions, flags engineFlags, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := flags.load(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	mutations, err := st.ListMutations(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list mutations", err)
	}

	data := QueueListData{Depth: len(mutations), Mutations: mutations}

	if formatter.Format == "json" {
		return formatter.Success(data)
	}

	w := formatter.Writer
	if data.Depth == 0 {
		fmt.Fprintln(w, "queue empty")
		return nil
	}
	fmt.Fprintf(w, "%-6s %-14s %-15s %-8s %-12s %s\n",
		"ID", "KIND", "STATE", "ATTEMPTS", "NEXT", "KEY")
	now := time.Now()
	for _, m := range mutations {
		fmt.Fprintf(w, "%-6d %-14s %-15s %-8d %-12s %s\n",
			m.LocalID, m.Kind, m.State, m.AttemptCount, nextAttemptLabel(m, now), m.IdempotencyKey)
	}
	return nil
}

// nextAttemptLabel renders when a mutation becomes eligible again.
func nextAttemptLabel(m domain.Mutation, now time.Time) string {
	if m.NextAttemptAt == 0 {
		return "now"
	}
	d := m.NextAttemptTime().Sub(now).Round(time.Second)
	if d <= 0 {
		return "now"
	}
	return "in " + d.String()
}

// kindList joins the valid mutation kinds for help and error text.
func kindList() string {
	kinds := make([]string, len(domain.MutationKinds))
	for i, k := range domain.MutationKinds {
		kinds[i] = string(k)
	}
	return strings.Join(kinds, ", ")
}
