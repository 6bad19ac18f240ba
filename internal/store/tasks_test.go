package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/testutil"
)

func TestEnqueueTask_Dedup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	scope := ir.ChannelScope("ch1")

	first, created, err := s.EnqueueTask(ctx, TaskApply, scope, "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, TaskQueued, first.Status)
	assert.Equal(t, "apply|channel:ch1|alice", first.DedupKey)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, created, err := s.EnqueueTask(ctx, TaskApply, scope, "alice")
			assert.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, first.ID, task.ID)
		}()
	}
	wg.Wait()

	other, created, err := s.EnqueueTask(ctx, TaskApply, scope, "bob")
	require.NoError(t, err)
	assert.True(t, created, "different actor is a different pair")
	assert.NotEqual(t, first.ID, other.ID)

	active, err := s.ActiveTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestEnqueueTask_DedupHoldsWhileRunning(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	scope := ir.UserScope("u1")

	queued, _, err := s.EnqueueTask(ctx, TaskApply, scope, "u1")
	require.NoError(t, err)
	require.NoError(t, s.RegisterWorker(ctx, "w1", "host", 1))

	claimed, err := s.ClaimTask(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, queued.ID, claimed.ID)
	assert.Equal(t, TaskRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	again, created, err := s.EnqueueTask(ctx, TaskApply, scope, "u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, claimed.ID, again.ID)

	require.NoError(t, s.FinishTask(ctx, claimed.ID, nil))

	fresh, created, err := s.EnqueueTask(ctx, TaskApply, scope, "u1")
	require.NoError(t, err)
	assert.True(t, created, "finishing frees the dedup slot")
	assert.NotEqual(t, claimed.ID, fresh.ID)
}

func TestClaimTask_FIFOAndEmpty(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ClaimTask(ctx, "w1")
	require.ErrorIs(t, err, ErrTaskNotFound)

	a, _, err := s.EnqueueTask(ctx, TaskApply, ir.ChannelScope("ch1"), "alice")
	require.NoError(t, err)
	b, _, err := s.EnqueueTask(ctx, TaskPublish, ir.ChannelScope("ch1"), "")
	require.NoError(t, err)

	first, err := s.ClaimTask(ctx, "w1")
	require.NoError(t, err)
	second, err := s.ClaimTask(ctx, "w2")
	require.NoError(t, err)

	assert.Equal(t, a.ID, first.ID)
	assert.Equal(t, b.ID, second.ID)
	assert.Equal(t, TaskPublish, second.Kind)
	assert.Equal(t, ir.ChannelScope("ch1"), second.Scope)

	_, err = s.ClaimTask(ctx, "w1")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestClaimTaskByID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	task, _, err := s.EnqueueTask(ctx, TaskApply, ir.ChannelScope("ch1"), "alice")
	require.NoError(t, err)

	claimed, err := s.ClaimTaskByID(ctx, task.ID, "inline")
	require.NoError(t, err)
	assert.Equal(t, "inline", claimed.WorkerID)

	_, err = s.ClaimTaskByID(ctx, task.ID, "other")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestFinishTask_Failed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	task, _, err := s.EnqueueTask(ctx, TaskApply, ir.ChannelScope("ch1"), "alice")
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, s.FinishTask(ctx, task.ID, errors.New("disk full")))

	stored, err := s.ReadTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, stored.Status)
	assert.Equal(t, "disk full", stored.Error)
	assert.False(t, stored.FinishedAt.IsZero())

	err = s.FinishTask(ctx, task.ID, nil)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestEnqueueTaskTx_RollsBackWithTransaction(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, created, err := s.EnqueueTaskTx(ctx, tx, TaskPublish, ir.ChannelScope("ch1"), "")
		require.NoError(t, err)
		assert.True(t, created)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	active, err := s.ActiveTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReleaseStaleTasks(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := createTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.RegisterWorker(ctx, "live", "host", 1))
	require.NoError(t, s.RegisterWorker(ctx, "dead", "host", 2))

	_, _, err := s.EnqueueTask(ctx, TaskApply, ir.ChannelScope("ch1"), "alice")
	require.NoError(t, err)
	_, _, err = s.EnqueueTask(ctx, TaskApply, ir.ChannelScope("ch1"), "bob")
	require.NoError(t, err)
	_, _, err = s.EnqueueTask(ctx, TaskApply, ir.ChannelScope("ch1"), "carol")
	require.NoError(t, err)

	deadTask, err := s.ClaimTask(ctx, "dead")
	require.NoError(t, err)
	liveTask, err := s.ClaimTask(ctx, "live")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, s.Heartbeat(ctx, "live"))

	released, err := s.ReleaseStaleTasks(ctx, clock.Now().Add(-30*time.Second))
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, deadTask.ID, released[0].ID)
	assert.Equal(t, TaskFailed, released[0].Status)

	active, err := s.ActiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, liveTask.ID, active[0].ID)
	assert.Equal(t, TaskQueued, active[1].Status)
}

func TestWorkers(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := createTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.RegisterWorker(ctx, "b", "host-b", 2))
	require.NoError(t, s.RegisterWorker(ctx, "a", "host-a", 1))

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "a", workers[0].ID)
	assert.True(t, clock.Now().Equal(workers[0].HeartbeatAt))

	clock.Advance(time.Minute)
	require.NoError(t, s.Heartbeat(ctx, "a"))

	pruned, err := s.PruneWorkers(ctx, clock.Now().Add(-10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	require.NoError(t, s.DeregisterWorker(ctx, "a"))
	require.Error(t, s.Heartbeat(ctx, "a"))

	workers, err = s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}
