package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/changesync/internal/store"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Audit ledger invariants",
		Long: `Check the ledger for invariant violations.

Every scope's revisions must be unique and contiguous from 1, each scope
counter must equal the highest revision handed out, no record may be both
applied and errored, and every resolved record needs a resolution sequence.

Exit codes:
  0 - Ledger is consistent
  1 - Violations found
  2 - Command error

Examples:
  changesync verify --db ./changesync.db
  changesync verify --db ./changesync.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, cmd)
		},
	}
}

func runVerify(opts *RootOptions, cmd *cobra.Command) error {
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
	report, err := rt.store.Audit(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "audit failed", err)
	}

	out := newFormatter(opts, cmd.OutOrStdout())
	if !report.OK() {
		if err := out.Error("LEDGER_VIOLATION", fmt.Sprintf("%d violation(s)", len(report.Violations)), report.Violations); err != nil {
			return err
		}
		if opts.Format != "json" {
			for _, v := range report.Violations {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", v)
			}
		}
		return NewExitError(ExitFailure, "ledger verification failed")
	}
	return out.Success(report, func(w io.Writer) { printAudit(w, report) })
}

func printAudit(w io.Writer, report store.AuditReport) {
	fmt.Fprintf(w, "Ledger OK: %d scope(s), %d applied, %d errored, %d pending.\n",
		len(report.Scopes), report.Applied, report.Errored, report.Pending)
	for _, s := range report.Scopes {
		fmt.Fprintf(w, "  %s  revs %d..%d  applied %d  errored %d  pending %d\n",
			s.ScopeKey, s.MinRev, s.MaxRev, s.Applied, s.Errored, s.Pending)
	}
}
