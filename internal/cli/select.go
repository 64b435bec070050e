package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/ledgerguard/internal/ir"
	"github.com/roach88/ledgerguard/internal/ledger"
	"github.com/roach88/ledgerguard/internal/selector"
)

// SelectOptions holds flags for the select command.
type SelectOptions struct {
	*RootOptions
	Template    string
	Owner       string
	MinAmount   string
	AmountField string
}

// SelectResult wraps a selection for output.
type SelectResult struct {
	selector.Result
}

func (r SelectResult) writeText(w io.Writer) {
	if !r.Found {
		fmt.Fprintf(w, "No candidate selected: %s\n", r.Reason)
		fmt.Fprintf(w, "Scanned %d, matched %d\n", r.Scanned, r.Matched)
		return
	}
	fmt.Fprintf(w, "Selected %s (%s) amount %s owner %s\n",
		r.Candidate.Reference.ID, r.Candidate.Reference.TemplateID, r.Candidate.Amount, r.Candidate.Owner)
	fmt.Fprintf(w, "Scanned %d, matched %d, rule %s\n", r.Scanned, r.Matched, r.Rule)
}

// NewSelectCommand creates the select command.
func NewSelectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SelectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "select <snapshot.json>",
		Short: "Deterministically select an asset from a snapshot",
		Long: `Select one asset from a JSON snapshot of active contracts.

Candidates whose amount is at least --min-amount are ordered by amount
ascending, then by contract ID. The first is chosen, so every node
reading the same snapshot selects the same contract.

The snapshot is a JSON array of contracts:
  [{"ref": {"id": "c-1", "template_id": "Token"}, "owner": "alice",
    "fields": {"amount": "10.5"}}]

Examples:
  ledgerguard select snapshot.json --template Token --min-amount 10
  ledgerguard select snapshot.json --owner alice --amount-field balance`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelect(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Template, "template", "", "only consider this template")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "only consider contracts owned by this party")
	cmd.Flags().StringVar(&opts.MinAmount, "min-amount", "0", "minimum amount")
	cmd.Flags().StringVar(&opts.AmountField, "amount-field", "amount", "contract field holding the amount")

	return cmd
}

func runSelect(ctx context.Context, opts *SelectOptions, path string, cmd *cobra.Command) error {
	min, err := decimal.NewFromString(opts.MinAmount)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --min-amount", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read snapshot", err)
	}
	var contracts []ledger.Contract
	if err := json.Unmarshal(data, &contracts); err != nil {
		return WrapExitError(ExitCommandError, "failed to parse snapshot", err)
	}

	src := selector.SourceFunc(func(context.Context) ([]ir.SelectionCandidate, error) {
		return selector.FromContracts(contracts, opts.AmountField), nil
	})
	cr := selector.Criteria{TemplateID: opts.Template, Owner: ir.Party(opts.Owner), MinAmount: min}
	res := selector.New(nil).Select(ctx, src, cr)

	out := newFormatter(cmd, opts.RootOptions)
	if err := out.Success(SelectResult{res}); err != nil {
		return err
	}
	if !res.Found {
		return NewExitError(ExitFailure, "no candidate selected")
	}
	return nil
}
