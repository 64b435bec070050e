package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerguard/internal/ir"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database  string
	ClientKey string
	Operation string // optional - filter to one operation
}

// TraceResult holds the attempt history for a client key.
type TraceResult struct {
	ClientKey string              `json:"client_key,omitempty"`
	Attempts  []ir.CommandAttempt `json:"attempts"`
	Stats     TraceStats          `json:"stats"`
}

// TraceStats summarises the attempts.
type TraceStats struct {
	Total     int  `json:"total"`
	Committed int  `json:"committed"`
	Retryable int  `json:"retryable"`
	Fatal     int  `json:"fatal"`
	Complete  bool `json:"complete"`
}

func (r TraceResult) writeText(w io.Writer) {
	if len(r.Attempts) == 0 {
		fmt.Fprintf(w, "No attempts found for client key: %s\n", r.ClientKey)
		return
	}
	fmt.Fprintf(w, "Attempts for %s:\n", r.ClientKey)
	for _, a := range r.Attempts {
		line := fmt.Sprintf("  #%d %s %s as %s -> %s", a.Attempt, a.Operation, a.CommandID, joinParties(a.ActAs), a.Result)
		if a.Reason != "" {
			line += " (" + a.Reason + ")"
		}
		fmt.Fprintf(w, "%s  %s\n", a.SubmittedAt.UTC().Format(time.RFC3339Nano), line)
	}
	fmt.Fprintf(w, "\n%d attempt(s): %d committed, %d retryable, %d fatal\n",
		r.Stats.Total, r.Stats.Committed, r.Stats.Retryable, r.Stats.Fatal)
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the submission attempts for a client key",
		Long: `Show every ledger submission made on behalf of a client key.

Each retry carries a fresh command ID. The output lists the attempts in
order with the ledger's classification of each failure.

Examples:
  ledgerguard trace --db ./ledgerguard.db --key swap-42
  ledgerguard trace --db ./ledgerguard.db --key swap-42 --operation Swap
  ledgerguard trace --db ./ledgerguard.db --key swap-42 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $LEDGERGUARD_DB_PATH)")
	cmd.Flags().StringVar(&opts.ClientKey, "key", "", "client key to trace (required)")
	_ = cmd.MarkFlagRequired("key")
	cmd.Flags().StringVar(&opts.Operation, "operation", "", "filter to one operation")

	return cmd
}

func runTrace(ctx context.Context, opts *TraceOptions, cmd *cobra.Command) error {
	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	attempts, err := st.ReadAttempts(ctx, opts.ClientKey)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read attempts", err)
	}
	return newFormatter(cmd, opts.RootOptions).Success(buildTrace(opts.ClientKey, attempts, opts.Operation))
}

func buildTrace(key string, attempts []ir.CommandAttempt, operation string) TraceResult {
	res := TraceResult{ClientKey: key, Attempts: []ir.CommandAttempt{}}
	for _, a := range attempts {
		if operation != "" && a.Operation != operation {
			continue
		}
		res.Attempts = append(res.Attempts, a)
		res.Stats.Total++
		switch a.Result {
		case ir.AttemptCommitted:
			res.Stats.Committed++
		case ir.AttemptRetryable:
			res.Stats.Retryable++
		case ir.AttemptFatal:
			res.Stats.Fatal++
		}
	}
	res.Stats.Complete = res.Stats.Committed > 0 || res.Stats.Fatal > 0
	return res
}

func joinParties(ps []ir.Party) string {
	ss := make([]string, len(ps))
	for i, p := range ps {
		ss[i] = string(p)
	}
	return strings.Join(ss, ",")
}
