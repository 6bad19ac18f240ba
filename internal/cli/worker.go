package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	Workers int
	Drain   bool
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Apply pending changes",
		Long: `Run a worker pool against the ledger without serving clients.

Workers claim apply and publish tasks, apply pending changes in revision
order and record the outcome. A serve process on the same database relays
the resolutions to its subscribers. The reconciler runs alongside so
tasks of crashed workers are picked up again.

With --drain the command runs queued tasks until none are left and exits.

Examples:
  changesync worker --db ./changesync.db --workers 8
  changesync worker --db ./changesync.db --drain --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent tasks (overrides workers.count)")
	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "run queued tasks until none remain, then exit")

	return cmd
}

// DrainResult is the output of worker --drain.
type DrainResult struct {
	Worker string `json:"worker"`
	Tasks  int    `json:"tasks"`
}

func runWorker(opts *WorkerOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	if opts.Workers > 0 {
		cfg.Workers.Count = opts.Workers
	}

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	pool := rt.pool()
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if opts.Drain {
		if err := pool.Register(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to register worker", err)
		}
		defer rt.store.DeregisterWorker(ctx, pool.ID())

		n, err := pool.Drain(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "drain failed", err)
		}
		result := DrainResult{Worker: pool.ID(), Tasks: n}
		return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(result, func(w io.Writer) {
			fmt.Fprintf(w, "Drained %d task(s).\n", n)
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Worker %s started with %d goroutine(s). Press Ctrl-C to stop.\n", pool.ID(), cfg.Workers.Count)
	reconciler := rt.reconciler()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx, cfg.Reconciler.Interval) })
	if err := g.Wait(); err != nil && !isCancellation(err) {
		return WrapExitError(ExitFailure, "worker error", err)
	}
	slog.Info("worker stopped gracefully")
	return nil
}
