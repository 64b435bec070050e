package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerguard/internal/clock"
	"github.com/roach88/ledgerguard/internal/directory"
	"github.com/roach88/ledgerguard/internal/ir"
	"github.com/roach88/ledgerguard/internal/service"
)

// DirectoryOptions holds flags for the directory command.
type DirectoryOptions struct {
	*RootOptions
	Database string
	TTL      time.Duration
}

// DirectoryList is the result of directory list.
type DirectoryList struct {
	Entries []ir.DirectoryEntry `json:"entries"`
}

func (l DirectoryList) writeText(w io.Writer) {
	if len(l.Entries) == 0 {
		fmt.Fprintln(w, "No directory entries.")
		return
	}
	for _, e := range l.Entries {
		fmt.Fprintf(w, "%s -> %s (%s, owner %s, updated %s)\n",
			e.LogicalID, e.Reference.ID, e.Reference.TemplateID, e.Owner, e.UpdatedAt.UTC().Format(time.RFC3339))
	}
}

// NewDirectoryCommand creates the directory command.
func NewDirectoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DirectoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Inspect the logical directory",
		Long: `Inspect the persisted logical directory: the advisory map from
stable logical IDs to the most recently observed contract.

Entries are hints. The orchestrator re-validates every entry against a
live snapshot before use.

Examples:
  ledgerguard directory list --db ./ledgerguard.db
  ledgerguard directory list --ttl 0 --format json`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $LEDGERGUARD_DB_PATH)")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List live directory entries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirectoryList(cmd.Context(), opts, cmd)
		},
	}
	list.Flags().DurationVar(&opts.TTL, "ttl", directory.DefaultTTL, "hide entries older than this, 0 shows all (default $LEDGERGUARD_DIRECTORY_TTL)")

	cmd.AddCommand(list)
	return cmd
}

func runDirectoryList(ctx context.Context, opts *DirectoryOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("ttl") {
		cfg.DirectoryTTL = opts.TTL
	}
	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	dir := service.NewDirectory(cfg, st, clock.Real{})
	if err := dir.Load(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to load directory", err)
	}
	return newFormatter(cmd, opts.RootOptions).Success(DirectoryList{Entries: dir.Entries()})
}
