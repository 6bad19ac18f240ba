package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/changesync/internal/ir"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Channel string
	User    string
	Since   int64
}

// LogResult is the output of the log command.
type LogResult struct {
	Scope   string      `json:"scope"`
	Since   int64       `json:"since"`
	Latest  int64       `json:"latest"`
	Changes []ir.Change `json:"changes"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List the ledger of a scope",
		Long: `List the change records of one scope in revision order.

Exactly one of --channel or --user selects the scope. --since skips
records at or below a revision, the way a client's watermark does.

Examples:
  changesync log --db ./changesync.db --channel ch1
  changesync log --db ./changesync.db --user alice --since 10 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Channel, "channel", "", "channel id")
	cmd.Flags().StringVar(&opts.User, "user", "", "user id")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "only records after this revision")
	cmd.MarkFlagsMutuallyExclusive("channel", "user")
	cmd.MarkFlagsOneRequired("channel", "user")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	scope := ir.ChannelScope(opts.Channel)
	if opts.User != "" {
		scope = ir.UserScope(opts.User)
	}
	if opts.Since < 0 {
		return NewExitError(ExitCommandError, "--since must not be negative")
	}

	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	changes, err := rt.store.ReadChangesSince(ctx, scope, opts.Since)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read ledger", err)
	}
	latest, err := rt.store.LatestRevs(ctx, []ir.Scope{scope})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read ledger", err)
	}

	result := LogResult{Scope: scope.Key(), Since: opts.Since, Latest: latest[scope.Key()], Changes: changes}
	if result.Changes == nil {
		result.Changes = []ir.Change{}
	}
	return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(result, func(w io.Writer) {
		if len(changes) == 0 {
			fmt.Fprintf(w, "No changes in %s after rev %d.\n", result.Scope, opts.Since)
			return
		}
		fmt.Fprintf(w, "%s: %d change(s), latest rev %d\n", result.Scope, len(changes), result.Latest)
		printChanges(w, changes)
	})
}
