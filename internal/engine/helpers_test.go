package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/scheduler"
	"github.com/roach88/changesync/internal/store"
	"github.com/roach88/changesync/internal/target"
	"github.com/roach88/changesync/internal/testutil"
)

// notifications records every resolution handed to the broadcaster.
type notifications struct {
	mu      sync.Mutex
	changes []ir.Change
}

func (n *notifications) Notify(c ir.Change) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return 1
}

func (n *notifications) all() []ir.Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ir.Change(nil), n.changes...)
}

type fixture struct {
	store    *store.Store
	tree     *target.Store
	sched    *scheduler.Scheduler
	applier  *Applier
	pool     *Pool
	admitter *Admitter
	notes    *notifications
	clock    *testutil.ManualClock
}

func newFixture(t *testing.T, opts ...AdmitterOption) *fixture {
	t.Helper()
	clock := testutil.NewManualClock(time.Time{})
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tree, err := target.Open(st.DB())
	require.NoError(t, err)

	f := &fixture{store: st, tree: tree, notes: &notifications{}, clock: clock}
	f.sched = scheduler.New(st, scheduler.WithClock(clock.Now))
	f.applier = NewApplier(st, tree, f.sched, WithNotifier(f.notes))
	f.pool = NewPool(st, f.sched, f.applier, PoolConfig{Workers: 1}, testutil.NewSequenceIDs("worker"))
	require.NoError(t, f.pool.Register(context.Background()))
	f.admitter = NewAdmitter(st, f.sched, opts...)
	return f
}

func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n, err := f.pool.Drain(context.Background())
	require.NoError(t, err)
	return n
}

func proposed(id, table, kind string, payload map[string]any) ProposedChange {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return ProposedChange{ID: id, Table: table, Kind: kind, Payload: data}
}

func ids(changes []ir.Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.ID
	}
	return out
}
