package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerguard/internal/config"
)

// PolicyOptions holds flags for the policy command.
type PolicyOptions struct {
	*RootOptions
}

// PolicyClass is one resolved class.
type PolicyClass struct {
	Name   string        `json:"name"`
	Policy config.Policy `json:"policy"`
}

// PolicyReport lists the effective policy of every class.
type PolicyReport struct {
	File    string        `json:"file"`
	Default config.Policy `json:"default"`
	Classes []PolicyClass `json:"classes"`
}

func (r PolicyReport) writeText(w io.Writer) {
	fmt.Fprintf(w, "✓ %s is valid\n\n", r.File)
	writePolicy(w, "default", r.Default)
	for _, c := range r.Classes {
		writePolicy(w, c.Name, c.Policy)
	}
}

func writePolicy(w io.Writer, name string, p config.Policy) {
	fmt.Fprintf(w, "%s: attempts=%d retry=%s pace=%s visibility=%dx%s poll=%s/%s\n",
		name, p.MaxAttempts, p.RetryDelay, p.PaceInterval,
		p.VisibilityAttempts, p.VisibilityDelay, p.PollInterval, p.PollTimeout)
}

// NewPolicyCommand creates the policy command.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PolicyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with retry policy files",
	}

	check := &cobra.Command{
		Use:   "check <policy.cue>",
		Short: "Validate a policy file and print the effective policies",
		Long: `Validate a CUE policy file against the policy schema and print the
effective policy of every operation class.

Fields a class omits inherit the file's default, which in turn inherits
the LEDGERGUARD_* environment settings.

Exit codes:
  0 - Policy file is valid
  1 - Policy file is invalid
  2 - Command error (invalid environment, etc.)

Examples:
  ledgerguard policy check ./policy.cue
  ledgerguard policy check ./policy.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyCheck(opts, args[0], cmd)
		},
	}

	cmd.AddCommand(check)
	return cmd
}

func runPolicyCheck(opts *PolicyOptions, path string, cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	out := newFormatter(cmd, opts.RootOptions)
	set, err := config.LoadPolicies(path, cfg.DefaultPolicy())
	if err != nil {
		if ferr := out.Error("E_INVALID_POLICY", err.Error(), nil); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, "invalid policy file", err)
	}

	report := PolicyReport{File: path, Default: set.Default, Classes: []PolicyClass{}}
	for _, name := range set.ClassNames() {
		report.Classes = append(report.Classes, PolicyClass{Name: name, Policy: set.Lookup(name)})
	}
	return out.Success(report)
}
