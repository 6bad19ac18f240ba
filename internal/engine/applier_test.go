package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/target"
)

func missingNodeFile(id string) ProposedChange {
	p := proposed(id, "file", "CREATE", map[string]any{"id": id, "contentnode": "missing", "checksum": "abc"})
	p.ChannelID = "ch1"
	return p
}

func TestApplierAppliesInRevisionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := target.RootNodeID("ch1")

	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{
		createChannel("ch1"),
		createNode("parent", "ch1", root),
		createNode("child", "ch1", "parent"),
	}})
	require.NoError(t, err)
	f.drain(t)

	child, err := f.tree.ReadNode(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, "parent", child.ParentID)
	assert.Equal(t, "ch1", child.ChannelID)

	notes := f.notes.all()
	require.Len(t, notes, 3)
	assert.Equal(t, []string{"create-ch1", "parent", "child"}, ids(notes))
	for i, c := range notes {
		assert.True(t, c.Applied)
		assert.Equal(t, int64(i+1), c.ServerRev)
	}
}

func TestApplierErroredChangeIsFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{missingNodeFile("f1")}})
	require.NoError(t, err)
	require.Len(t, resp.Allowed, 1)
	assert.True(t, resp.Allowed[0].Pending())

	assert.Equal(t, 1, f.drain(t))

	stored, err := f.store.ReadChange(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, stored.Errored)
	assert.False(t, stored.Applied)
	assert.NotEmpty(t, stored.Error)

	notes := f.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, "f1", notes[0].ID)
	assert.True(t, notes[0].Errored)
	assert.Equal(t, "alice", notes[0].CreatedByID)

	more, err := f.store.HasPending(ctx, ir.ChannelScope("ch1"), "alice")
	require.NoError(t, err)
	assert.False(t, more)

	res, err := f.applier.Pass(ctx, ir.ChannelScope("ch1"), "alice")
	require.NoError(t, err)
	assert.Equal(t, PassResult{}, res, "an errored change is never retried")

	// Catch-up still carries the errored record.
	catchUp, err := f.admitter.Admit(ctx, "bob", SyncRequest{ScopeRevs: map[string]int64{"ch1": 0}})
	require.NoError(t, err)
	require.Len(t, catchUp.Allowed, 1)
	assert.True(t, catchUp.Allowed[0].Errored)
}

func TestApplierStopsPassAtErroredChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := ir.ChannelScope("ch1")

	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{
		bookmark("c1", "ch1"),
		missingNodeFile("c2"),
		bookmark("c3", "ch1"),
	}})
	require.NoError(t, err)

	res, err := f.applier.Pass(ctx, scope, "alice")
	require.NoError(t, err)
	assert.Equal(t, PassResult{Applied: 1, Errored: 1, Stopped: true, LastRev: 2}, res)

	c3, err := f.store.ReadChange(ctx, "c3")
	require.NoError(t, err)
	assert.True(t, c3.Pending())

	res, err = f.applier.Pass(ctx, scope, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.False(t, res.Stopped)
}

func TestApplierRequeuesAfterErroredChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{
		missingNodeFile("c1"),
		bookmark("c2", "ch1"),
	}})
	require.NoError(t, err)

	assert.Equal(t, 2, f.drain(t), "the task is requeued for the change behind the error")

	c2, err := f.store.ReadChange(ctx, "c2")
	require.NoError(t, err)
	assert.True(t, c2.Applied)

	active, err := f.sched.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestApplierSkipsResolvedChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{bookmark("b1", "ch1")}})
	require.NoError(t, err)
	f.drain(t)

	// Resubmitting an applied change schedules nothing and re-applies nothing.
	_, err = f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{bookmark("b1", "ch1")}})
	require.NoError(t, err)
	assert.Zero(t, f.drain(t))
	assert.Len(t, f.notes.all(), 1)
}

func TestApplierSchedulesPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{
		createChannel("ch1"),
		proposed("pub", "channel", "PUBLISH", map[string]any{"id": "ch1", "version_notes": "first"}),
	}})
	require.NoError(t, err)

	ran, err := f.pool.RunOne(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	ch, err := f.tree.ReadChannel(ctx, "ch1")
	require.NoError(t, err)
	assert.True(t, ch.Publishing)
	assert.Equal(t, "first", ch.VersionNotes)
	assert.Zero(t, ch.Version)

	assert.Equal(t, 1, f.drain(t), "the publish task")

	ch, err = f.tree.ReadChannel(ctx, "ch1")
	require.NoError(t, err)
	assert.False(t, ch.Publishing)
	assert.True(t, ch.Published)
	assert.Equal(t, int64(1), ch.Version)
}

func TestApplierPublishNextBumpsDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{
		createChannel("ch1"),
		proposed("next", "channel", "PUBLISH_NEXT", map[string]any{"id": "ch1"}),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, f.drain(t))

	ch, err := f.tree.ReadChannel(ctx, "ch1")
	require.NoError(t, err)
	assert.False(t, ch.Publishing)
	assert.False(t, ch.Published)
	assert.Equal(t, int64(1), ch.DraftVersion)
}
