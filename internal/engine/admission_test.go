package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changesync/internal/auth"
	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/target"
)

func bookmark(id, channel string) ProposedChange {
	return proposed(id, "bookmark", "CREATE", map[string]any{"channel": channel})
}

func createNode(id, channel, parent string) ProposedChange {
	p := proposed(id, "contentnode", "CREATE", map[string]any{"id": id, "parent": parent, "title": id})
	p.ChannelID = channel
	return p
}

func createChannel(id string) ProposedChange {
	return proposed("create-"+id, "channel", "CREATE", map[string]any{"id": id, "name": id})
}

func TestAdmitFirstChangeGetsRevisionOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{bookmark("b1", "ch1")}})
	require.NoError(t, err)
	require.Len(t, resp.Allowed, 1)
	c := resp.Allowed[0]
	assert.Equal(t, "b1", c.ID)
	assert.Equal(t, "ch1", c.ChannelID)
	assert.Equal(t, int64(1), c.ServerRev)
	assert.True(t, c.Pending(), "application is deferred")
	assert.Equal(t, map[string]int64{"ch1": 1}, resp.ScopeRevs)

	assert.Equal(t, 1, f.drain(t))
	stored, err := f.store.ReadChange(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, stored.Applied)

	marks, err := f.tree.Bookmarks(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"ch1"}, marks)
}

func TestAdmitCatchUpForAnotherClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{bookmark("b1", "ch1")}})
	require.NoError(t, err)
	f.drain(t)

	resp, err := f.admitter.Admit(ctx, "bob", SyncRequest{ScopeRevs: map[string]int64{"ch1": 0}})
	require.NoError(t, err)
	require.Len(t, resp.Allowed, 1)
	assert.Equal(t, "b1", resp.Allowed[0].ID)
	assert.True(t, resp.Allowed[0].Applied)
	assert.Equal(t, map[string]int64{"ch1": 1}, resp.ScopeRevs)

	resp, err = f.admitter.Admit(ctx, "bob", SyncRequest{ScopeRevs: map[string]int64{"ch1": 1}})
	require.NoError(t, err)
	assert.Empty(t, resp.Allowed)
}

func TestAdmitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := SyncRequest{Changes: []ProposedChange{bookmark("b1", "ch1")}}

	first, err := f.admitter.Admit(ctx, "alice", req)
	require.NoError(t, err)
	second, err := f.admitter.Admit(ctx, "alice", req)
	require.NoError(t, err)

	require.Len(t, second.Allowed, 1)
	assert.Equal(t, first.Allowed[0].ServerRev, second.Allowed[0].ServerRev)
	assert.Equal(t, map[string]int64{"ch1": 1}, second.ScopeRevs)

	active, err := f.sched.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1, "one task per (scope, actor)")
}

func TestAdmitReturnsOwnRecordsPastWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.admitter.Admit(ctx, "alice", SyncRequest{
		Changes:   []ProposedChange{bookmark("b1", "ch1")},
		ScopeRevs: map[string]int64{"ch1": 99},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids(resp.Allowed))
}

func TestAdmitIncludesInterleavedChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{bookmark("a1", "ch1")}})
	require.NoError(t, err)
	_, err = f.admitter.Admit(ctx, "bob", SyncRequest{Changes: []ProposedChange{bookmark("b1", "ch1")}})
	require.NoError(t, err)

	// alice resubmits a1 together with a new change: she sees everything
	// from just before her lowest revision.
	resp, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{
		bookmark("a1", "ch1"),
		bookmark("a2", "ch1"),
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1", "a2"}, ids(resp.Allowed))
	assert.Equal(t, map[string]int64{"ch1": 3}, resp.ScopeRevs)
}

func TestAdmitUserScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := proposed("u1", "bookmark", "CREATE", map[string]any{"channel": "ch9"})
	p.UserID = "alice"
	resp, err := f.admitter.Admit(ctx, "alice", SyncRequest{
		Changes:   []ProposedChange{p},
		ScopeRevs: map[string]int64{"alice": 0},
	})
	require.NoError(t, err)
	require.Len(t, resp.Allowed, 1)
	assert.Equal(t, "alice", resp.Allowed[0].UserID)
	assert.Equal(t, map[string]int64{"alice": 1}, resp.ScopeRevs)

	p.ID = "u2"
	p.UserID = "bob"
	_, err = f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{p}})
	assert.Equal(t, CodeUnauthorized, CodeOf(err))
}

func TestAdmitRejectsWholeBatch(t *testing.T) {
	tests := []struct {
		name string
		bad  ProposedChange
		code ErrorCode
	}{
		{"unknown table", proposed("x", "widget", "CREATE", nil), CodeInvalidTable},
		{"unknown kind", proposed("x", "bookmark", "EXPLODE", nil), CodeInvalidKind},
		{"unsupported kind", proposed("x", "bookmark", "MOVE", map[string]any{"channel": "ch1"}), CodeInvalidKind},
		{"float payload", proposed("x", "bookmark", "CREATE", map[string]any{"channel": "ch1", "w": 1.5}), CodeInvalidPayload},
		{"missing id", proposed("", "bookmark", "CREATE", nil), CodeInvalidRequest},
		{"two scopes", ProposedChange{ID: "x", ChannelID: "ch1", UserID: "alice", Table: "bookmark", Kind: "CREATE"}, CodeInvalidScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			_, err := f.admitter.Admit(ctx, "alice", SyncRequest{
				Changes: []ProposedChange{bookmark("good", "ch1"), tt.bad},
			})
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))
			assert.True(t, IsClientError(err))

			written, err := f.store.ReadChangesSince(ctx, ir.ChannelScope("ch1"), 0)
			require.NoError(t, err)
			assert.Empty(t, written, "no partial admission")
		})
	}
}

func TestAdmitLimits(t *testing.T) {
	f := newFixture(t, WithMaxBatch(1))
	ctx := context.Background()

	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{
		bookmark("b1", "ch1"), bookmark("b2", "ch1"),
	}})
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))

	_, err = f.admitter.Admit(ctx, "", SyncRequest{})
	assert.Equal(t, CodeUnauthenticated, CodeOf(err))
}

func TestAdmitInlineApply(t *testing.T) {
	f := newFixture(t)
	f.admitter = NewAdmitter(f.store, f.sched, WithInlineApply(f.applier, f.pool.ID()))
	ctx := context.Background()

	resp, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{bookmark("b1", "ch1")}})
	require.NoError(t, err)
	require.Len(t, resp.Allowed, 1)
	assert.True(t, resp.Allowed[0].Applied)
	assert.Zero(t, f.drain(t), "nothing left for the pool")
}

func TestAdmitWithMembershipAuthorizer(t *testing.T) {
	f := newFixture(t)
	authz := auth.NewMembershipAuthorizer(f.tree, time.Minute)
	t.Cleanup(authz.Close)
	f.admitter = NewAdmitter(f.store, f.sched, WithAuthorizer(authz))
	ctx := context.Background()

	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{createChannel("ch1")}})
	require.NoError(t, err, "a new channel is open to its creator")
	f.drain(t)

	_, err = f.admitter.Admit(ctx, "bob", SyncRequest{Changes: []ProposedChange{
		createNode("n1", "ch1", target.RootNodeID("ch1")),
	}})
	assert.Equal(t, CodeUnauthorized, CodeOf(err))

	_, err = f.admitter.Admit(ctx, "bob", SyncRequest{ScopeRevs: map[string]int64{"ch1": 0}})
	assert.Equal(t, CodeUnauthorized, CodeOf(err), "bob cannot read ch1 either")

	_, err = f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{
		createNode("n1", "ch1", target.RootNodeID("ch1")),
	}})
	assert.NoError(t, err)
}

func TestAdmitReusedIDOfAnotherRecordIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	private := func(id string) ProposedChange {
		p := bookmark(id, "x")
		p.UserID = "alice"
		return p
	}
	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{private("alice-1"), private("alice-2")}})
	require.NoError(t, err)

	resp, err := f.admitter.Admit(ctx, "mallory", SyncRequest{Changes: []ProposedChange{
		proposed("alice-1", "bookmark", "CREATE", map[string]any{}),
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.Allowed, "nothing of alice's scope comes back")
	assert.Empty(t, resp.ScopeRevs)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, "alice-1", resp.Rejected[0].ID)
	assert.Equal(t, CodeInvalidRequest, resp.Rejected[0].Code)

	// The same id from its author but in another scope is not a replay either.
	moved := bookmark("alice-2", "x")
	resp, err = f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{moved}})
	require.NoError(t, err)
	assert.Empty(t, resp.Allowed)
	require.Len(t, resp.Rejected, 1)

	stored, err := f.store.ReadChange(ctx, "alice-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.CreatedByID)
	assert.Equal(t, "alice", stored.UserID)
	assert.Equal(t, int64(1), stored.ServerRev)

	// A genuine retry still gets its record back.
	resp, err = f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{private("alice-2")}})
	require.NoError(t, err)
	assert.Empty(t, resp.Rejected)
	assert.Equal(t, []string{"alice-2"}, ids(resp.Allowed))
}

func TestAdmitRejectsPayloadOutsideScope(t *testing.T) {
	inChannel := func(p ProposedChange, channel string) ProposedChange {
		p.ChannelID = channel
		return p
	}
	inUser := func(p ProposedChange, user string) ProposedChange {
		p.UserID = user
		return p
	}
	tests := []struct {
		name string
		p    ProposedChange
	}{
		{"grant on another channel", inChannel(proposed("g", "editor_m2m", "CREATE",
			map[string]any{"channel": "victim", "user": "mallory"}), "mallory-fresh")},
		{"channel row of another channel", inChannel(proposed("u", "channel", "UPDATE",
			map[string]any{"id": "victim", "mods": map[string]any{"name": "x"}}), "mallory-fresh")},
		{"node naming another channel", inChannel(proposed("n", "contentnode", "CREATE",
			map[string]any{"id": "n", "channel_id": "victim"}), "mallory-fresh")},
		{"bookmark naming another channel", inChannel(bookmark("b", "victim"), "mallory-fresh")},
		{"channel row in a private scope", inUser(proposed("c", "channel", "PUBLISH",
			map[string]any{"id": "victim"}), "mallory")},
		{"grant in a private scope", inUser(proposed("v", "viewer_m2m", "CREATE",
			map[string]any{"channel": "victim", "user": "mallory"}), "mallory")},
		{"node in a private scope", inUser(proposed("p", "contentnode", "CREATE",
			map[string]any{"id": "p"}), "mallory")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.admitter.Admit(context.Background(), "mallory", SyncRequest{Changes: []ProposedChange{tt.p}})
			assert.Equal(t, CodeInvalidScope, CodeOf(err))
			assert.True(t, IsClientError(err))
		})
	}
}

func TestAdmitCannotGrantThroughAFreshScope(t *testing.T) {
	f := newFixture(t)
	authz := auth.NewMembershipAuthorizer(f.tree, time.Minute)
	t.Cleanup(authz.Close)
	f.admitter = NewAdmitter(f.store, f.sched, WithAuthorizer(authz))
	ctx := context.Background()

	_, err := f.admitter.Admit(ctx, "bob", SyncRequest{Changes: []ProposedChange{createChannel("victim")}})
	require.NoError(t, err)
	f.drain(t)

	grant := proposed("m1", "editor_m2m", "CREATE", map[string]any{"channel": "victim", "user": "mallory"})
	_, err = f.admitter.Admit(ctx, "mallory", SyncRequest{Changes: []ProposedChange{grant}})
	assert.Equal(t, CodeUnauthorized, CodeOf(err))

	grant.ChannelID = "mallory-fresh"
	_, err = f.admitter.Admit(ctx, "mallory", SyncRequest{Changes: []ProposedChange{grant}})
	assert.Equal(t, CodeInvalidScope, CodeOf(err))

	f.drain(t)
	m, err := f.tree.Membership(ctx, "victim", "mallory")
	require.NoError(t, err)
	assert.False(t, m.Editor)
	_, err = f.store.ReadChange(ctx, "m1")
	assert.Error(t, err, "nothing was admitted")
}

func TestConcurrentActorsGetDistinctRevisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.admitter.Admit(ctx, "alice", SyncRequest{Changes: []ProposedChange{createChannel("ch1")}})
	require.NoError(t, err)
	f.drain(t)

	var wg sync.WaitGroup
	revs := make([]int64, 2)
	for i, actor := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.admitter.Admit(ctx, actor, SyncRequest{Changes: []ProposedChange{
				createNode("node-"+actor, "ch1", target.RootNodeID("ch1")),
			}})
			if !assert.NoError(t, err) {
				return
			}
			for _, c := range resp.Allowed {
				if c.ID == "node-"+actor {
					revs[i] = c.ServerRev
				}
			}
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []int64{2, 3}, revs)
	f.drain(t)

	applied := 0
	for _, c := range f.notes.all() {
		if c.Applied && c.ChannelID == "ch1" && c.Table == ir.TableContentNode {
			applied++
		}
	}
	assert.Equal(t, 2, applied, "both edits reach the channel topic")
}
