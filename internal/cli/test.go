package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/changesync/internal/harness"
)

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test <scenario>...",
		Short: "Run sync scenarios",
		Long: `Run YAML sync scenarios against a fresh in-memory ledger each.

Arguments are scenario files or directories of them. Every scenario runs
its steps through the real admission, worker and reconciler code and then
checks its assertions.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  changesync test ./scenarios
  changesync test ./scenarios/publish.yaml --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(rootOpts, args, cmd)
		},
	}
}

func runTests(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	suite, err := harness.RunFiles(ctx, paths)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenarios", err)
	}
	if suite.Failures == nil {
		suite.Failures = []harness.SuiteFailure{}
	}

	err = newFormatter(opts, cmd.OutOrStdout()).Success(suite, func(w io.Writer) {
		if suite.Total == 0 {
			fmt.Fprintln(w, "No scenarios found.")
			return
		}
		for _, f := range suite.Failures {
			fmt.Fprintf(w, "✗ %s (%s)\n", f.Scenario, f.Path)
			for _, msg := range f.Errors {
				fmt.Fprintf(w, "  %s\n", msg)
			}
		}
		fmt.Fprintf(w, "%d passed, %d failed, %d total\n", suite.Passed, suite.Failed, suite.Total)
	})
	if err != nil {
		return err
	}
	if suite.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", suite.Failed))
	}
	return nil
}
