package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/store"
	"github.com/roach88/changesync/internal/testutil"
)

func newScheduler(t *testing.T) (*Scheduler, *store.Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(time.Time{})
	st, err := store.Open(filepath.Join(t.TempDir(), "sched.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, WithClock(clock.Now), WithStaleAfter(10*time.Second)), st, clock
}

func TestFetchOrEnqueueDedups(t *testing.T) {
	s, _, _ := newScheduler(t)
	ctx := context.Background()
	scope := ir.ChannelScope("ch1")

	first, created, err := s.FetchOrEnqueue(ctx, scope, "alice")
	require.NoError(t, err)
	assert.True(t, created)

	for i := 0; i < 5; i++ {
		again, created, err := s.FetchOrEnqueue(ctx, scope, "alice")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)
	}

	other, created, err := s.FetchOrEnqueue(ctx, scope, "bob")
	require.NoError(t, err)
	assert.True(t, created, "a different actor gets its own task")
	assert.NotEqual(t, first.ID, other.ID)

	active, err := s.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestFetchOrEnqueueConcurrent(t *testing.T) {
	s, _, _ := newScheduler(t)
	ctx := context.Background()
	scope := ir.UserScope("alice")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		creates int
		ids     = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, created, err := s.FetchOrEnqueue(ctx, scope, "alice")
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if created {
				creates++
			}
			ids[task.ID] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, creates)
	assert.Len(t, ids, 1)
}

func TestRunningTaskStillDedups(t *testing.T) {
	s, st, _ := newScheduler(t)
	ctx := context.Background()
	scope := ir.ChannelScope("ch1")
	require.NoError(t, st.RegisterWorker(ctx, "w1", "host", 1))

	queued, _, err := s.FetchOrEnqueue(ctx, scope, "alice")
	require.NoError(t, err)
	running, err := s.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, queued.ID, running.ID)

	_, created, err := s.FetchOrEnqueue(ctx, scope, "alice")
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.Finish(ctx, running, nil))
	_, created, err = s.FetchOrEnqueue(ctx, scope, "alice")
	require.NoError(t, err)
	assert.True(t, created, "finishing releases the dedup slot")
}

func TestRequeue(t *testing.T) {
	s, _, _ := newScheduler(t)
	ctx := context.Background()

	_, _, err := s.FetchOrEnqueue(ctx, ir.ChannelScope("ch1"), "alice")
	require.NoError(t, err)
	task, err := s.Claim(ctx, "w1")
	require.NoError(t, err)

	next, err := s.Requeue(ctx, task)
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, next.ID)
	assert.Equal(t, store.TaskQueued, next.Status)
	assert.Equal(t, task.DedupKey, next.DedupKey)
}

func TestActiveSkipsLostWorkers(t *testing.T) {
	s, st, clock := newScheduler(t)
	ctx := context.Background()
	require.NoError(t, st.RegisterWorker(ctx, "w1", "host", 1))

	_, _, err := s.FetchOrEnqueue(ctx, ir.ChannelScope("ch1"), "alice")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "w1")
	require.NoError(t, err)

	active, err := s.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	clock.Advance(time.Minute)
	active, err = s.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "w1 stopped heartbeating")

	released, err := s.ReleaseStale(ctx)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, "alice", released[0].ActorID)
}

func TestNotifyCoalesces(t *testing.T) {
	s, _, _ := newScheduler(t)

	s.Notify()
	s.Notify()
	s.Notify()

	select {
	case <-s.Wait():
	default:
		t.Fatal("expected a pending wakeup")
	}
	select {
	case <-s.Wait():
		t.Fatal("wakeups should coalesce into one")
	default:
	}

	s.Close()
	s.Notify()
	_, open := <-s.Wait()
	assert.False(t, open)
}
