package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/changesync/internal/engine"
)

// AdmitOptions holds flags for the admit command.
type AdmitOptions struct {
	*RootOptions
	Actor string
	File  string
	Apply bool
}

// NewAdmitCommand creates the admit command.
func NewAdmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "admit",
		Short: "Admit a batch of changes as an actor",
		Long: `Admit a sync request directly against the ledger, bypassing HTTP.

The file holds a sync request: {"changes": [...], "scope_revs": {...}}.
Use "-" to read it from stdin. Authorization is checked the same way the
server checks it. With --apply, queued tasks are drained before the
response is printed.

Exit codes:
  0 - Batch admitted
  1 - Batch rejected (the error code is printed)
  2 - Command error

Examples:
  changesync admit --db ./changesync.db --actor alice --file batch.json
  changesync admit --actor alice --file - --apply --format json < batch.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "user id the batch is authored by (required)")
	_ = cmd.MarkFlagRequired("actor")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "sync request JSON file, - for stdin (required)")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "drain queued tasks before responding")

	return cmd
}

func runAdmit(opts *AdmitOptions, cmd *cobra.Command) error {
	req, err := readSyncRequest(opts.File, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read sync request", err)
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
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout())

	resp, err := rt.admitter(nil).Admit(ctx, opts.Actor, req)
	if code := engine.CodeOf(err); code != "" {
		var details any
		var se *engine.SyncError
		if errors.As(err, &se) {
			details = map[string]string{"change_id": se.ChangeID, "scope": se.Scope}
		}
		if ferr := out.Error(string(code), err.Error(), details); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, "batch rejected", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "admission failed", err)
	}

	if opts.Apply {
		pool := rt.pool()
		if err := pool.Register(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to register worker", err)
		}
		if _, err := pool.Drain(ctx); err != nil {
			return WrapExitError(ExitFailure, "apply failed", err)
		}
		if err := rt.store.DeregisterWorker(ctx, pool.ID()); err != nil {
			return WrapExitError(ExitCommandError, "failed to deregister worker", err)
		}
		// Re-read so the statuses reflect the applied state.
		for i, c := range resp.Allowed {
			if fresh, err := rt.store.ReadChange(ctx, c.ID); err == nil {
				resp.Allowed[i] = fresh
			}
		}
	}

	return out.Success(resp, func(w io.Writer) {
		fmt.Fprintf(w, "Admitted %d change(s) for %s.\n", len(req.Changes)-len(resp.Rejected), opts.Actor)
		printChanges(w, resp.Allowed)
		for _, kv := range sortedRevs(resp.ScopeRevs) {
			fmt.Fprintf(w, "  scope %s at rev %d\n", kv.scope, kv.rev)
		}
		for _, r := range resp.Rejected {
			fmt.Fprintf(w, "  rejected %s [%s]: %s\n", r.ID, r.Code, r.Error)
		}
	})
}

func readSyncRequest(path string, stdin io.Reader) (engine.SyncRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return engine.SyncRequest{}, err
	}
	var req engine.SyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return engine.SyncRequest{}, fmt.Errorf("decode: %w", err)
	}
	return req, nil
}
