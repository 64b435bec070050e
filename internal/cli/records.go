package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerguard/internal/clock"
	"github.com/roach88/ledgerguard/internal/idempotency"
	"github.com/roach88/ledgerguard/internal/ir"
	"github.com/roach88/ledgerguard/internal/service"
)

// RecordsOptions holds flags shared by the records subcommands.
type RecordsOptions struct {
	*RootOptions
	Database string
	Limit    int
	Watch    bool
}

// RecordView is the printable form of an idempotency record.
type RecordView struct {
	ClientKey string    `json:"client_key"`
	CommandID string    `json:"command_id"`
	ResultRef string    `json:"result_ref,omitempty"`
	BodyHash  string    `json:"body_hash,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newRecordView(rec ir.IdempotencyRecord) RecordView {
	return RecordView{
		ClientKey: rec.ClientKey,
		CommandID: rec.CommandID,
		ResultRef: rec.ResultRef,
		BodyHash:  rec.BodyHash,
		Payload:   string(rec.Payload),
		CreatedAt: rec.CreatedAt.UTC(),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}
}

// RecordList is the result of records list.
type RecordList struct {
	Records []RecordView `json:"records"`
}

func (l RecordList) writeText(w io.Writer) {
	if len(l.Records) == 0 {
		fmt.Fprintln(w, "No idempotency records.")
		return
	}
	for _, r := range l.Records {
		fmt.Fprintf(w, "%s  %s  %s  expires %s\n", r.ClientKey, r.CommandID, r.ResultRef, r.ExpiresAt.Format(time.RFC3339))
	}
}

func (r RecordView) writeText(w io.Writer) {
	fmt.Fprintf(w, "Client key: %s\n", r.ClientKey)
	fmt.Fprintf(w, "Command ID: %s\n", r.CommandID)
	if r.ResultRef != "" {
		fmt.Fprintf(w, "Result:     %s\n", r.ResultRef)
	}
	fmt.Fprintf(w, "Created:    %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Expires:    %s\n", r.ExpiresAt.Format(time.RFC3339))
	if r.Payload != "" {
		fmt.Fprintf(w, "Payload:    %s\n", r.Payload)
	}
}

// PruneResult is the result of records prune.
type PruneResult struct {
	Removed int `json:"removed"`
}

func (p PruneResult) String() string {
	return fmt.Sprintf("Pruned %d expired record(s)", p.Removed)
}

// NewRecordsCommand creates the records command.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect stored idempotency records",
		Long: `Inspect the idempotency records kept in the local store.

A record maps a client key to the outcome of the single committed ledger
operation it produced. Only successful outcomes are recorded.

Examples:
  ledgerguard records list --db ./ledgerguard.db
  ledgerguard records show swap-42 --db ./ledgerguard.db
  ledgerguard records prune --db ./ledgerguard.db
  ledgerguard records prune --watch`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $LEDGERGUARD_DB_PATH)")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List records, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecordsList(cmd.Context(), opts, cmd)
		},
	}
	list.Flags().IntVar(&opts.Limit, "limit", 0, "maximum records to list (0 for all)")

	show := &cobra.Command{
		Use:           "show <client-key>",
		Short:         "Show one record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecordsShow(cmd.Context(), opts, args[0], cmd)
		},
	}

	prune := &cobra.Command{
		Use:           "prune",
		Short:         "Delete expired records",
		Long: `Delete expired idempotency records.

With --watch, keep pruning every LEDGERGUARD_PRUNE_INTERVAL until
interrupted. The summary reports the first pass.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecordsPrune(cmd.Context(), opts, cmd)
		},
	}

	prune.Flags().BoolVar(&opts.Watch, "watch", false, "keep pruning every LEDGERGUARD_PRUNE_INTERVAL until interrupted")

	cmd.AddCommand(list, show, prune)
	return cmd
}

func runRecordsList(ctx context.Context, opts *RecordsOptions, cmd *cobra.Command) error {
	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.ListRecords(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list records", err)
	}
	list := RecordList{Records: make([]RecordView, 0, len(recs))}
	for _, rec := range recs {
		list.Records = append(list.Records, newRecordView(rec))
	}
	return newFormatter(cmd, opts.RootOptions).Success(list)
}

func runRecordsShow(ctx context.Context, opts *RecordsOptions, key string, cmd *cobra.Command) error {
	if err := idempotency.ValidateKey(key); err != nil {
		return WrapExitError(ExitCommandError, "invalid client key", err)
	}
	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	out := newFormatter(cmd, opts.RootOptions)
	rec, found, err := st.ReadRecord(ctx, key)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read record", err)
	}
	if !found {
		if err := out.Error("E_NOT_FOUND", fmt.Sprintf("no record for client key %q", key), nil); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("no record for client key %q", key))
	}
	return out.Success(newRecordView(rec))
}

func runRecordsPrune(ctx context.Context, opts *RecordsOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	guard, err := service.NewGuard(cfg, st, clock.Real{})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	n, err := guard.Prune(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to prune records", err)
	}
	out := newFormatter(cmd, opts.RootOptions)
	if err := out.Success(PruneResult{Removed: n}); err != nil {
		return err
	}
	if opts.Watch {
		out.VerboseLog("watching for expired records every %s", cfg.PruneInterval)
		guard.Run(ctx, cfg.PruneInterval)
	}
	return nil
}
