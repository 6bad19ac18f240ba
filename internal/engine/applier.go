package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/scheduler"
	"github.com/roach88/changesync/internal/store"
	"github.com/roach88/changesync/internal/target"
)

// Target is the domain store resolved changes are applied to.
type Target interface {
	Apply(ctx context.Context, tx *sql.Tx, c ir.Change) error
	PublishChannel(ctx context.Context, id string, next bool) (target.Channel, error)
}

// Notifier receives every change the applier resolves.
type Notifier interface {
	Notify(c ir.Change) int
}

// DefaultPassBatch is how many pending changes a pass loads at a time.
const DefaultPassBatch = 100

// PassResult summarizes one apply pass.
type PassResult struct {
	Applied int
	Errored int

	// Stopped is set when an errored change ended the pass early.
	Stopped bool

	// LastRev is the server_rev of the last change resolved.
	LastRev int64
}

// Applier replays pending changes against the target.
type Applier struct {
	store  *store.Store
	target Target
	sched  *scheduler.Scheduler
	notify Notifier
	batch  int
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithNotifier routes resolutions to n, typically a broadcast.Broadcaster.
func WithNotifier(n Notifier) ApplierOption {
	return func(a *Applier) { a.notify = n }
}

// WithPassBatch sets how many changes a pass loads per query.
func WithPassBatch(n int) ApplierOption {
	return func(a *Applier) {
		if n > 0 {
			a.batch = n
		}
	}
}

// NewApplier returns an Applier.
func NewApplier(st *store.Store, tgt Target, sched *scheduler.Scheduler, opts ...ApplierOption) *Applier {
	a := &Applier{store: st, target: tgt, sched: sched, batch: DefaultPassBatch}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute runs a claimed task and releases it. An apply task whose actor
// still has pending changes afterwards (admitted during the pass, or left
// behind an errored one) is re-queued instead of finished.
func (a *Applier) Execute(ctx context.Context, task store.Task) error {
	timer := prometheus.NewTimer(passDuration.WithLabelValues(string(task.Kind)))
	runErr := a.run(ctx, task)
	timer.ObserveDuration()

	// Release the slot even when ctx was cancelled mid-pass.
	finishCtx := context.WithoutCancel(ctx)

	if runErr == nil && task.Kind == store.TaskApply {
		more, err := a.store.HasPending(finishCtx, task.Scope, task.ActorID)
		if err != nil {
			runErr = err
		} else if more {
			if _, err := a.sched.Requeue(finishCtx, task); err != nil {
				return fmt.Errorf("requeue %s: %w", task.ID, err)
			}
			return nil
		}
	}

	if err := a.sched.Finish(finishCtx, task, runErr); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (a *Applier) run(ctx context.Context, task store.Task) error {
	switch task.Kind {
	case store.TaskApply:
		_, err := a.Pass(ctx, task.Scope, task.ActorID)
		return err
	case store.TaskPublish, store.TaskPublishNext:
		return a.publish(ctx, task)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

// Pass applies actor's pending changes in scope in ascending server_rev.
//
// An application error marks the change errored and ends the pass; later
// changes stay pending for the next pass. Any other error aborts the pass
// with the current change still pending.
func (a *Applier) Pass(ctx context.Context, scope ir.Scope, actor string) (PassResult, error) {
	var res PassResult
	log := slog.With("scope", scope.Key(), "actor", actor)

	for {
		pending, err := a.store.ReadPending(ctx, scope, actor, res.LastRev, a.batch)
		if err != nil {
			return res, err
		}
		if len(pending) == 0 {
			return res, nil
		}

		for _, c := range pending {
			resolution, err := a.store.ApplyChange(ctx, c.ID, a.mutate)

			var me *store.MutationError
			switch {
			case err == nil:
				res.LastRev = c.ServerRev
				if !resolution.Transitioned {
					continue
				}
				res.Applied++
				applierOutcomes.WithLabelValues("applied").Inc()
				log.Debug("change applied", "change_id", c.ID, "server_rev", c.ServerRev)
				if c.Kind.IsPublish() {
					a.sched.Notify()
				}
				a.broadcast(resolution.Change)

			case errors.As(err, &me) && target.IsApplicationError(me.Err):
				errored, err := a.store.MarkErrored(ctx, c.ID, me.Err.Error())
				if err != nil {
					return res, err
				}
				res.LastRev = c.ServerRev
				if errored.Transitioned {
					res.Errored++
					applierOutcomes.WithLabelValues("errored").Inc()
					log.Warn("change errored", "change_id", c.ID, "server_rev", c.ServerRev, "error", me.Err)
					a.broadcast(errored.Change)
				}
				res.Stopped = true
				return res, nil

			default:
				applierOutcomes.WithLabelValues("infrastructure").Inc()
				log.Error("apply failed", "change_id", c.ID, "server_rev", c.ServerRev, "error", err)
				return res, err
			}
		}
	}
}

// mutate applies c to the target. A PUBLISH commits with its publish task
// so the publishing flag is never set without work to clear it.
func (a *Applier) mutate(ctx context.Context, tx *sql.Tx, c ir.Change) error {
	if err := a.target.Apply(ctx, tx, c); err != nil {
		return err
	}
	if c.Table != ir.TableChannel || !c.Kind.IsPublish() {
		return nil
	}

	kind := store.TaskPublish
	if c.Kind == ir.KindPublishNext {
		kind = store.TaskPublishNext
	}
	id, _ := c.Payload.String("id")
	_, _, err := a.sched.EnqueueTx(ctx, tx, kind, ir.ChannelScope(id), "")
	return err
}

func (a *Applier) publish(ctx context.Context, task store.Task) error {
	next := task.Kind == store.TaskPublishNext
	ch, err := a.target.PublishChannel(ctx, task.Scope.ChannelID, next)
	if err != nil {
		if target.IsApplicationError(err) {
			slog.Warn("publish skipped", "channel", task.Scope.ChannelID, "error", err)
		}
		return err
	}
	slog.Info("channel published",
		"channel", ch.ID,
		"version", ch.Version,
		"draft_version", ch.DraftVersion,
		"next", next)
	return nil
}

func (a *Applier) broadcast(c ir.Change) {
	if a.notify != nil {
		a.notify.Notify(c)
	}
}
