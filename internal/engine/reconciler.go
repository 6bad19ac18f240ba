package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/scheduler"
	"github.com/roach88/changesync/internal/store"
)

// PublishState exposes the target's publishing flags.
type PublishState interface {
	PublishingChannels(ctx context.Context) ([]string, error)
	ClearPublishing(ctx context.Context, id string) error
}

// ReconcileReport lists what one reconciliation pass repaired.
type ReconcileReport struct {
	Released   []store.Task        `json:"released"`
	Requeued   []store.PendingPair `json:"requeued"`
	FlagsReset []string            `json:"flags_reset"`
}

// Reconciler restores the invariant that every pending change has an
// apply task in flight, and that every publishing flag has a publish task.
type Reconciler struct {
	store     *store.Store
	sched     *scheduler.Scheduler
	publishes PublishState
}

// NewReconciler returns a Reconciler. publishes may be nil when the target
// has no publishing state.
func NewReconciler(st *store.Store, sched *scheduler.Scheduler, publishes PublishState) *Reconciler {
	return &Reconciler{store: st, sched: sched, publishes: publishes}
}

// RunOnce performs one pass.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{Released: []store.Task{}, Requeued: []store.PendingPair{}, FlagsReset: []string{}}

	released, err := r.sched.ReleaseStale(ctx)
	if err != nil {
		return report, fmt.Errorf("release stale: %w", err)
	}
	report.Released = released
	for _, t := range released {
		reconcilerActions.WithLabelValues("stale_released").Inc()
		slog.Warn("released task of lost worker", "task", t.ID, "worker", t.WorkerID,
			"scope", t.Scope.Key(), "actor", t.ActorID)
	}

	// Flags are read before the in-flight tasks. A PUBLISH commits its flag
	// together with its task, so every flag seen here has its task visible
	// in the read below.
	var channels []string
	if r.publishes != nil {
		channels, err = r.publishes.PublishingChannels(ctx)
		if err != nil {
			return report, err
		}
	}

	active, err := r.sched.Active(ctx)
	if err != nil {
		return report, fmt.Errorf("active tasks: %w", err)
	}
	inFlight := make(map[string]bool, len(active))
	for _, t := range active {
		inFlight[t.DedupKey] = true
	}

	pairs, err := r.store.PendingPairs(ctx)
	if err != nil {
		return report, err
	}
	for _, p := range pairs {
		if inFlight[store.DedupKey(store.TaskApply, p.Scope, p.ActorID)] {
			continue
		}
		if _, _, err := r.sched.FetchOrEnqueue(ctx, p.Scope, p.ActorID); err != nil {
			return report, err
		}
		report.Requeued = append(report.Requeued, p)
		reconcilerActions.WithLabelValues("requeued").Inc()
		slog.Info("requeued pending changes", "scope", p.Scope.Key(), "actor", p.ActorID,
			"pending", p.Count, "min_rev", p.MinRev)
	}

	for _, id := range channels {
		scope := ir.ChannelScope(id)
		if inFlight[store.DedupKey(store.TaskPublish, scope, "")] ||
			inFlight[store.DedupKey(store.TaskPublishNext, scope, "")] {
			continue
		}
		if err := r.publishes.ClearPublishing(ctx, id); err != nil {
			return report, err
		}
		report.FlagsReset = append(report.FlagsReset, id)
		reconcilerActions.WithLabelValues("flag_reset").Inc()
		slog.Warn("reset stuck publishing flag", "channel", id)
	}
	return report, nil
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("reconcile", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
