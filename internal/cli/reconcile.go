package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// ReconcileResult is the output of the reconcile command.
type ReconcileResult struct {
	Released   []ReleasedTask `json:"released"`
	Requeued   []RequeuedPair `json:"requeued"`
	FlagsReset []string       `json:"flags_reset"`
}

// ReleasedTask is a running task whose worker stopped heartbeating.
type ReleasedTask struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Scope  string `json:"scope"`
	Actor  string `json:"actor,omitempty"`
	Worker string `json:"worker"`
}

// RequeuedPair is a scope and author with pending changes but no task.
type RequeuedPair struct {
	Scope   string `json:"scope"`
	Actor   string `json:"actor"`
	Pending int    `json:"pending"`
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair lost tasks once",
		Long: `Run one reconciliation pass over the ledger.

The pass releases tasks held by workers whose heartbeat expired, enqueues
an apply task for every scope and author with pending changes but no task
in flight, and clears publishing flags that no publish task will clear.

Examples:
  changesync reconcile --db ./changesync.db
  changesync reconcile --db ./changesync.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(rootOpts, cmd)
		},
	}
}

func runReconcile(opts *RootOptions, cmd *cobra.Command) error {
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
	report, err := rt.reconciler().RunOnce(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "reconcile failed", err)
	}

	result := ReconcileResult{
		Released:   make([]ReleasedTask, 0, len(report.Released)),
		Requeued:   make([]RequeuedPair, 0, len(report.Requeued)),
		FlagsReset: report.FlagsReset,
	}
	if result.FlagsReset == nil {
		result.FlagsReset = []string{}
	}
	for _, t := range report.Released {
		result.Released = append(result.Released, ReleasedTask{
			ID:     t.ID,
			Kind:   string(t.Kind),
			Scope:  t.Scope.Key(),
			Actor:  t.ActorID,
			Worker: t.WorkerID,
		})
	}
	for _, p := range report.Requeued {
		result.Requeued = append(result.Requeued, RequeuedPair{Scope: p.Scope.Key(), Actor: p.ActorID, Pending: p.Count})
	}

	return newFormatter(opts, cmd.OutOrStdout()).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Released %d task(s), requeued %d pair(s), reset %d publishing flag(s).\n",
			len(result.Released), len(result.Requeued), len(result.FlagsReset))
		for _, t := range result.Released {
			fmt.Fprintf(w, "  released %s %s %s (worker %s)\n", t.Kind, t.Scope, t.Actor, t.Worker)
		}
		for _, p := range result.Requeued {
			fmt.Fprintf(w, "  requeued %s %s (%d pending)\n", p.Scope, p.Actor, p.Pending)
		}
		for _, id := range result.FlagsReset {
			fmt.Fprintf(w, "  reset channel %s\n", id)
		}
	})
}
