package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/changesync/internal/scheduler"
	"github.com/roach88/changesync/internal/store"
)

// PoolConfig sizes a worker pool.
type PoolConfig struct {
	// Workers is the number of tasks run concurrently.
	Workers int

	// PollInterval is how often idle workers look for tasks enqueued by
	// other processes.
	PollInterval time.Duration

	// HeartbeatInterval is how often the pool proves it is alive. It must
	// be well below the scheduler's stale-after window.
	HeartbeatInterval time.Duration
}

func (c PoolConfig) normalize() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	return c
}

// Pool runs tasks from the scheduler. All its goroutines share one worker
// identity, registered in the ledger and kept alive by heartbeats.
type Pool struct {
	store   *store.Store
	sched   *scheduler.Scheduler
	applier *Applier
	cfg     PoolConfig
	id      string
}

// NewPool returns a pool whose worker id comes from ids.
func NewPool(st *store.Store, sched *scheduler.Scheduler, applier *Applier, cfg PoolConfig, ids IDGenerator) *Pool {
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	return &Pool{
		store:   st,
		sched:   sched,
		applier: applier,
		cfg:     cfg.normalize(),
		id:      ids.NewID(),
	}
}

// ID is the pool's worker id.
func (p *Pool) ID() string { return p.id }

// Register records the pool as a live worker. Run calls it; callers that
// need the id live earlier (inline admission) may call it first.
func (p *Pool) Register(ctx context.Context) error {
	host, _ := os.Hostname()
	return p.store.RegisterWorker(ctx, p.id, host, os.Getpid())
}

// Run works until ctx is cancelled. A claimed task runs its whole pass even
// if ctx is cancelled meanwhile; the pool exits after it.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.Register(ctx); err != nil {
		return err
	}
	slog.Info("worker pool started", "worker", p.id, "workers", p.cfg.Workers)
	defer func() {
		if err := p.store.DeregisterWorker(context.WithoutCancel(ctx), p.id); err != nil {
			slog.Warn("deregister worker", "worker", p.id, "error", err)
		}
		slog.Info("worker pool stopped", "worker", p.id)
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.heartbeat(ctx) })
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error { return p.work(ctx) })
	}
	return g.Wait()
}

func (p *Pool) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, p.id); err != nil && ctx.Err() == nil {
				slog.Error("heartbeat", "worker", p.id, "error", err)
			}
		}
	}
}

func (p *Pool) work(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		ran, err := p.RunOne(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("task failed", "worker", p.id, "error", err)
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-p.sched.Wait():
			if !ok {
				return nil
			}
		case <-ticker.C:
		}
	}
}

// RunOne claims and executes one task. It reports whether a task was found.
func (p *Pool) RunOne(ctx context.Context) (bool, error) {
	task, err := p.sched.Claim(ctx, p.id)
	if errors.Is(err, store.ErrTaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	slog.Debug("task claimed", "worker", p.id, "task", task.ID, "kind", task.Kind,
		"scope", task.Scope.Key(), "actor", task.ActorID)
	return true, p.applier.Execute(context.WithoutCancel(ctx), task)
}

// Drain runs tasks until the queue is empty. Tests and one-shot commands
// use it instead of Run.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ran, err := p.RunOne(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}
