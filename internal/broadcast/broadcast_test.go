package broadcast

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/store"
)

type recorder struct {
	mu   sync.Mutex
	msgs map[string][]Message
}

func newRecorder() *recorder { return &recorder{msgs: map[string][]Message{}} }

func (r *recorder) Publish(topic string, data []byte) int {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[topic] = append(r.msgs[topic], m)
	return 1
}

func (r *recorder) topic(name string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[name]
}

func resolved(id string, scope ir.Scope, author string, applied bool) ir.Change {
	return ir.Change{
		ID:          id,
		ChannelID:   scope.ChannelID,
		UserID:      scope.UserID,
		Table:       ir.TableContentNode,
		Kind:        ir.KindUpdate,
		Payload:     ir.IRObject{"id": ir.IRString("n1")},
		CreatedByID: author,
		ServerRev:   1,
		Applied:     applied,
		Errored:     !applied,
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name    string
		change  ir.Change
		topic   string
		errored bool
		ok      bool
	}{
		{"applied channel", resolved("a", ir.ChannelScope("ch1"), "alice", true), "channel:ch1", false, true},
		{"applied user", resolved("b", ir.UserScope("bob"), "bob", true), "user:bob", false, true},
		{"errored channel goes to author", resolved("c", ir.ChannelScope("ch1"), "alice", false), "user:alice", true, true},
		{"errored without author", resolved("d", ir.ChannelScope("ch1"), "", false), "", false, false},
		{"pending", ir.Change{ID: "e", ChannelID: "ch1"}, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := Route(tt.change)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.topic, msg.Topic)
			assert.Equal(t, tt.errored, msg.Errored != nil)
			assert.Equal(t, !tt.errored, msg.Change != nil)
		})
	}
}

func TestMessageEncoding(t *testing.T) {
	msg, ok := Route(resolved("a", ir.ChannelScope("ch1"), "alice", true))
	require.True(t, ok)
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "change")
	assert.NotContains(t, raw, "errored")
}

func TestBroadcasterAtMostOnce(t *testing.T) {
	rec := newRecorder()
	b, err := New(rec, 16)
	require.NoError(t, err)

	c := resolved("a", ir.ChannelScope("ch1"), "alice", true)
	assert.Equal(t, 1, b.Notify(c))
	assert.Equal(t, 0, b.Notify(c), "same transition is not published twice")
	assert.Len(t, rec.topic("channel:ch1"), 1)

	assert.Equal(t, 0, b.Notify(ir.Change{ID: "pending", ChannelID: "ch1"}))
}

func TestRelayForwardsNewResolutions(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	admitAndApply := func(id string) {
		_, err := st.AdmitChange(ctx, ir.Change{
			ID:          id,
			ChannelID:   "ch1",
			Table:       ir.TableContentNode,
			Kind:        ir.KindUpdate,
			Payload:     ir.IRObject{"id": ir.IRString("n1")},
			CreatedByID: "alice",
		})
		require.NoError(t, err)
		_, err = st.ApplyChange(ctx, id, func(context.Context, *sql.Tx, ir.Change) error { return nil })
		require.NoError(t, err)
	}

	admitAndApply("before")

	rec := newRecorder()
	b, err := New(rec, 16)
	require.NoError(t, err)
	relay := NewRelay(st, b, time.Millisecond)
	require.NoError(t, relay.Start(ctx))

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "history is not replayed")

	admitAndApply("after-1")
	admitAndApply("after-2")
	_, err = st.MarkErrored(ctx, "after-2", "ignored: already applied")
	require.NoError(t, err)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs := rec.topic("channel:ch1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "after-1", msgs[0].Change.ID)
	assert.Equal(t, "after-2", msgs[1].Change.ID)
	assert.Equal(t, int64(3), relay.Position())
}
