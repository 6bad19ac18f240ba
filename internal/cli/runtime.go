package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/changesync/internal/auth"
	"github.com/roach88/changesync/internal/config"
	"github.com/roach88/changesync/internal/engine"
	"github.com/roach88/changesync/internal/scheduler"
	"github.com/roach88/changesync/internal/store"
	"github.com/roach88/changesync/internal/target"
)

// runtime is the set of components a command works with, built from the
// effective configuration over one ledger database.
type runtime struct {
	cfg     config.Config
	store   *store.Store
	tree    *target.Store
	sched   *scheduler.Scheduler
	authz   *auth.MembershipAuthorizer
	applier *engine.Applier
}

// openRuntime opens the ledger and the target tables.
func openRuntime(cfg config.Config) (*runtime, error) {
	slog.Debug("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path, store.WithAllocationRetries(cfg.Admission.AllocationRetries))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	tree, err := target.Open(st.DB())
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open content store", err)
	}

	sched := scheduler.New(st, scheduler.WithStaleAfter(cfg.Workers.StaleAfter))
	return &runtime{
		cfg:     cfg,
		store:   st,
		tree:    tree,
		sched:   sched,
		authz:   auth.NewMembershipAuthorizer(tree, cfg.Auth.CacheTTL),
		applier: engine.NewApplier(st, tree, sched),
	}, nil
}

// notifyTo makes the applier report every resolution this process makes
// to n. Call it before building pools or admitters.
func (r *runtime) notifyTo(n engine.Notifier) {
	r.applier = engine.NewApplier(r.store, r.tree, r.sched, engine.WithNotifier(n))
}

func (r *runtime) pool() *engine.Pool {
	return engine.NewPool(r.store, r.sched, r.applier, engine.PoolConfig{
		Workers:           r.cfg.Workers.Count,
		PollInterval:      r.cfg.Workers.PollInterval,
		HeartbeatInterval: r.cfg.Workers.HeartbeatInterval,
	}, nil)
}

func (r *runtime) reconciler() *engine.Reconciler {
	return engine.NewReconciler(r.store, r.sched, r.tree)
}

// admitter builds the admission path. A non-nil pool enables inline
// apply when the config asks for it.
func (r *runtime) admitter(pool *engine.Pool) *engine.Admitter {
	opts := []engine.AdmitterOption{
		engine.WithAuthorizer(r.authz),
		engine.WithMaxBatch(r.cfg.Admission.MaxBatch),
	}
	if pool != nil && r.cfg.Admission.InlineApply {
		opts = append(opts, engine.WithInlineApply(r.applier, pool.ID()))
	}
	return engine.NewAdmitter(r.store, r.sched, opts...)
}

func (r *runtime) Close() {
	r.sched.Close()
	r.authz.Close()
	if err := r.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// signalContext is cancelled on SIGINT/SIGTERM or when parent is done.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
