package harness

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/changesync/internal/auth"
	"github.com/roach88/changesync/internal/broadcast"
	"github.com/roach88/changesync/internal/engine"
	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/scheduler"
	"github.com/roach88/changesync/internal/store"
	"github.com/roach88/changesync/internal/target"
	"github.com/roach88/changesync/internal/testutil"
)

// Harness holds the components a scenario drives.
type Harness struct {
	store      *store.Store
	tree       *target.Store
	authz      *auth.MembershipAuthorizer
	admitter   *engine.Admitter
	pool       *engine.Pool
	reconciler *engine.Reconciler
	recorder   *recorder
}

// recorder captures everything the broadcaster publishes.
type recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	mark       int
}

func (r *recorder) Publish(topic string, data []byte) int {
	var msg broadcast.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0
	}
	c := msg.Change
	if c == nil {
		c = msg.Errored
	}
	if c == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, Delivery{Topic: topic, ChangeID: c.ID, Status: c.Status(), Rev: c.ServerRev})
	return 1
}

// since returns deliveries published after the previous call.
func (r *recorder) since() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.deliveries[r.mark:])
	r.mark = len(r.deliveries)
	return out
}

func (r *recorder) all() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.deliveries)
}

// New builds a harness over a fresh in-memory database.
func New(ctx context.Context) (*Harness, error) {
	clock := testutil.NewManualClock(time.Time{})
	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	tree, err := target.Open(st.DB())
	if err != nil {
		st.Close()
		return nil, err
	}

	rec := &recorder{}
	b, err := broadcast.New(rec, broadcast.DefaultWindow)
	if err != nil {
		st.Close()
		return nil, err
	}

	sched := scheduler.New(st, scheduler.WithClock(clock.Now))
	applier := engine.NewApplier(st, tree, sched, engine.WithNotifier(b))
	pool := engine.NewPool(st, sched, applier, engine.PoolConfig{Workers: 1}, testutil.NewSequenceIDs("harness-worker"))
	if err := pool.Register(ctx); err != nil {
		st.Close()
		return nil, err
	}
	authz := auth.NewMembershipAuthorizer(tree, time.Minute)

	return &Harness{
		store:      st,
		tree:       tree,
		authz:      authz,
		admitter:   engine.NewAdmitter(st, sched, engine.WithAuthorizer(authz)),
		pool:       pool,
		reconciler: engine.NewReconciler(st, sched, tree),
		recorder:   rec,
	}, nil
}

// Close releases the database.
func (h *Harness) Close() error {
	h.authz.Close()
	return h.store.Close()
}

// Run executes a scenario in a fresh harness.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := New(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Run(ctx, scenario)
}

// Run executes the steps, then evaluates the assertions. The error is
// reserved for infrastructure failures; a scenario that does not hold is
// reported through Result.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	result := NewResult()
	for i, step := range scenario.Steps {
		n := i + 1
		var err error
		switch {
		case step.Sync != nil:
			err = h.sync(ctx, n, *step.Sync, result)
		case len(step.Parallel) > 0:
			err = h.parallel(ctx, n, step.Parallel, result)
		case step.Drain:
			var tasks int
			tasks, err = h.pool.Drain(ctx)
			result.add(TraceEvent{Step: n, Type: "drain", Tasks: tasks})
		case step.Reconcile:
			var report engine.ReconcileReport
			report, err = h.reconciler.RunOnce(ctx)
			result.add(TraceEvent{
				Step:       n,
				Type:       "reconcile",
				Released:   len(report.Released),
				Requeued:   len(report.Requeued),
				FlagsReset: report.FlagsReset,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", n, err)
		}
		h.traceDeliveries(n, result)
	}
	result.Deliveries = h.recorder.all()

	for _, msg := range EvaluateAssertions(ctx, h, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) sync(ctx context.Context, step int, call SyncCall, result *Result) error {
	resp, err := h.call(ctx, call)
	if err != nil && engine.CodeOf(err) == "" {
		return err
	}
	event := TraceEvent{Step: step, Type: "sync", Actor: call.Actor}
	if err != nil {
		event.Error = string(engine.CodeOf(err))
	} else {
		event.Allowed = make([]string, 0, len(resp.Allowed))
		for _, c := range resp.Allowed {
			event.Allowed = append(event.Allowed, fmt.Sprintf("%s@%d:%s", c.ID, c.ServerRev, c.Status()))
		}
		event.ScopeRevs = resp.ScopeRevs
	}
	result.add(event)

	for _, msg := range checkExpect(call.Expect, resp, err) {
		result.AddError(fmt.Sprintf("step %d (%s): %s", step, call.Actor, msg))
	}
	return nil
}

// parallel issues the calls concurrently. Only each call's own records are
// traced, without revisions, since their order is not deterministic.
func (h *Harness) parallel(ctx context.Context, step int, calls []SyncCall, result *Result) error {
	type outcome struct {
		resp engine.SyncResponse
		err  error
	}
	outcomes := make([]outcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.call(ctx, call)
			outcomes[i] = outcome{resp: resp, err: err}
		}()
	}
	wg.Wait()

	events := make([]TraceEvent, 0, len(calls))
	for i, call := range calls {
		o := outcomes[i]
		if o.err != nil && engine.CodeOf(o.err) == "" {
			return o.err
		}
		event := TraceEvent{Step: step, Type: "sync", Actor: call.Actor, Parallel: true}
		if o.err != nil {
			event.Error = string(engine.CodeOf(o.err))
		} else {
			own := map[string]bool{}
			for _, ch := range call.Changes {
				own[ch.ID] = true
			}
			event.Allowed = []string{}
			for _, c := range o.resp.Allowed {
				if own[c.ID] {
					event.Allowed = append(event.Allowed, c.ID+":"+c.Status())
				}
			}
		}
		events = append(events, event)

		for _, msg := range checkExpect(call.Expect, o.resp, o.err) {
			result.AddError(fmt.Sprintf("step %d (%s): %s", step, call.Actor, msg))
		}
	}
	slices.SortStableFunc(events, func(a, b TraceEvent) int { return cmp.Compare(a.Actor, b.Actor) })
	for _, e := range events {
		result.add(e)
	}
	return nil
}

func (h *Harness) call(ctx context.Context, call SyncCall) (engine.SyncResponse, error) {
	req, err := call.Request()
	if err != nil {
		return engine.SyncResponse{}, &engine.SyncError{Code: engine.CodeInvalidRequest, Message: err.Error(), Err: err}
	}
	return h.admitter.Admit(ctx, call.Actor, req)
}

func (h *Harness) traceDeliveries(step int, result *Result) {
	deliveries := h.recorder.since()
	slices.SortFunc(deliveries, func(a, b Delivery) int {
		return cmp.Or(cmp.Compare(a.Topic, b.Topic), cmp.Compare(a.ChangeID, b.ChangeID))
	})
	for _, d := range deliveries {
		result.add(TraceEvent{Step: step, Type: "broadcast", Topic: d.Topic, Change: d.ChangeID, Status: d.Status})
	}
}

func checkExpect(expect *Expect, resp engine.SyncResponse, err error) []string {
	var errs []string
	want := ""
	if expect != nil {
		want = expect.Error
	}
	got := string(engine.CodeOf(err))
	if got != want {
		if want == "" {
			return []string{fmt.Sprintf("unexpected error: %v", err)}
		}
		return []string{fmt.Sprintf("expected error %s, got %q", want, got)}
	}
	if expect == nil || err != nil {
		return nil
	}

	byID := make(map[string]ir.Change, len(resp.Allowed))
	ids := make([]string, 0, len(resp.Allowed))
	for _, c := range resp.Allowed {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}
	if expect.Allowed != nil && !slices.Equal(expect.Allowed, ids) {
		errs = append(errs, fmt.Sprintf("allowed: expected %v, got %v", expect.Allowed, ids))
	}
	for _, id := range slices.Sorted(maps.Keys(expect.Revs)) {
		c, ok := byID[id]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("revs: %s not in response", id))
		case c.ServerRev != expect.Revs[id]:
			errs = append(errs, fmt.Sprintf("revs: %s expected %d, got %d", id, expect.Revs[id], c.ServerRev))
		}
	}
	for _, id := range slices.Sorted(maps.Keys(expect.Status)) {
		c, ok := byID[id]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("status: %s not in response", id))
		case c.Status() != expect.Status[id]:
			errs = append(errs, fmt.Sprintf("status: %s expected %s, got %s", id, expect.Status[id], c.Status()))
		}
	}
	if expect.ScopeRevs != nil && !maps.Equal(expect.ScopeRevs, resp.ScopeRevs) {
		errs = append(errs, fmt.Sprintf("scope_revs: expected %v, got %v", expect.ScopeRevs, resp.ScopeRevs))
	}
	return errs
}
