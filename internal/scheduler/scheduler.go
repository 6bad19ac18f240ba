// Package scheduler deduplicates deferred work. At most one task per
// (kind, scope, actor) is queued or running at a time; the dedup state lives
// in the ledger database so every process shares it.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/store"
)

var (
	tasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changesync",
		Subsystem: "scheduler",
		Name:      "tasks_enqueued_total",
		Help:      "Tasks created by fetch-or-enqueue",
	}, []string{"kind"})

	tasksDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changesync",
		Subsystem: "scheduler",
		Name:      "tasks_deduped_total",
		Help:      "Fetch-or-enqueue calls that found an active task",
	}, []string{"kind"})
)

// DefaultStaleAfter is how long a worker may go without a heartbeat before
// its running tasks are considered lost.
const DefaultStaleAfter = 30 * time.Second

// Scheduler is the task broker front end.
type Scheduler struct {
	store      *store.Store
	now        func() time.Time
	staleAfter time.Duration

	mu     sync.Mutex
	closed bool
	signal chan struct{} // buffered, size 1; coalesces wakeups
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used for liveness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithStaleAfter sets the heartbeat expiry used by Active and ReleaseStale.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// New returns a Scheduler backed by st.
func New(st *store.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      st,
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
		signal:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchOrEnqueue makes sure an apply task exists for (scope, actor). It
// returns the active task and whether this call created it.
func (s *Scheduler) FetchOrEnqueue(ctx context.Context, scope ir.Scope, actor string) (store.Task, bool, error) {
	return s.Enqueue(ctx, store.TaskApply, scope, actor)
}

// Enqueue is FetchOrEnqueue for any task kind.
func (s *Scheduler) Enqueue(ctx context.Context, kind store.TaskKind, scope ir.Scope, actor string) (store.Task, bool, error) {
	task, created, err := s.store.EnqueueTask(ctx, kind, scope, actor)
	if err != nil {
		return store.Task{}, false, err
	}
	s.record(task, created)
	if created {
		s.Notify()
	}
	return task, created, nil
}

// EnqueueTx enqueues inside tx. The caller must call Notify after the
// transaction commits.
func (s *Scheduler) EnqueueTx(ctx context.Context, tx *sql.Tx, kind store.TaskKind, scope ir.Scope, actor string) (store.Task, bool, error) {
	task, created, err := s.store.EnqueueTaskTx(ctx, tx, kind, scope, actor)
	if err != nil {
		return store.Task{}, false, err
	}
	s.record(task, created)
	return task, created, nil
}

func (s *Scheduler) record(task store.Task, created bool) {
	if created {
		tasksEnqueued.WithLabelValues(string(task.Kind)).Inc()
		slog.Debug("task enqueued", "task", task.ID, "kind", task.Kind, "scope", task.Scope.Key(), "actor", task.ActorID)
		return
	}
	tasksDeduped.WithLabelValues(string(task.Kind)).Inc()
}

// Claim moves the oldest queued task to running for workerID. It returns
// store.ErrTaskNotFound when nothing is queued.
func (s *Scheduler) Claim(ctx context.Context, workerID string) (store.Task, error) {
	return s.store.ClaimTask(ctx, workerID)
}

// ClaimByID claims one specific queued task.
func (s *Scheduler) ClaimByID(ctx context.Context, id, workerID string) (store.Task, error) {
	return s.store.ClaimTaskByID(ctx, id, workerID)
}

// Finish releases a running task's dedup slot.
func (s *Scheduler) Finish(ctx context.Context, task store.Task, taskErr error) error {
	return s.store.FinishTask(ctx, task.ID, taskErr)
}

// Requeue finishes task and enqueues a fresh one for the same work. Used
// when records arrived for the pair while the task was running.
func (s *Scheduler) Requeue(ctx context.Context, task store.Task) (store.Task, error) {
	if err := s.store.FinishTask(ctx, task.ID, nil); err != nil {
		return store.Task{}, err
	}
	next, _, err := s.Enqueue(ctx, task.Kind, task.Scope, task.ActorID)
	if err != nil {
		return store.Task{}, fmt.Errorf("requeue %s: %w", task.DedupKey, err)
	}
	return next, nil
}

// Active lists queued tasks and running tasks held by live workers. A
// running task whose worker stopped heartbeating is not in flight.
func (s *Scheduler) Active(ctx context.Context) ([]store.Task, error) {
	tasks, err := s.store.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-s.staleAfter)
	live := make(map[string]bool, len(workers))
	for _, w := range workers {
		if !w.HeartbeatAt.Before(cutoff) {
			live[w.ID] = true
		}
	}

	active := tasks[:0]
	for _, t := range tasks {
		if t.Status == store.TaskQueued || live[t.WorkerID] {
			active = append(active, t)
		}
	}
	return active, nil
}

// ReleaseStale fails running tasks whose worker heartbeat expired.
func (s *Scheduler) ReleaseStale(ctx context.Context) ([]store.Task, error) {
	return s.store.ReleaseStaleTasks(ctx, s.now().Add(-s.staleAfter))
}

// Notify wakes in-process workers. Wakeups coalesce: many calls before a
// worker looks leave a single pending signal.
func (s *Scheduler) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that receives when tasks may be available. It is
// closed by Close.
func (s *Scheduler) Wait() <-chan struct{} {
	return s.signal
}

// Close wakes all waiters permanently.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.signal)
}
