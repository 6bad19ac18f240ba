package broadcast

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changesync/internal/ir"
)

// channelMembers allows reading a channel only for listed actors.
type channelMembers map[string][]string

func (m channelMembers) AuthorizeRead(_ context.Context, actor string, scope ir.Scope) error {
	if !scope.IsChannel() {
		if scope.UserID == actor {
			return nil
		}
		return errors.New("forbidden")
	}
	for _, a := range m[scope.ChannelID] {
		if a == actor {
			return nil
		}
	}
	return errors.New("forbidden")
}

// unmaterialized treats channels as open until created is set, then falls
// back to members, the way membership behaves before and after a channel's
// CREATE applies.
type unmaterialized struct {
	created atomic.Bool
	members channelMembers
}

func (u *unmaterialized) AuthorizeRead(ctx context.Context, actor string, scope ir.Scope) error {
	if scope.IsChannel() && !u.created.Load() {
		return nil
	}
	return u.members.AuthorizeRead(ctx, actor, scope)
}

func startHub(t *testing.T, authz Authorizer, opts ...HubOption) (*Hub, string) {
	t.Helper()
	hub := NewHub(authz, opts...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("actor"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, actor string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?actor="+actor, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) reply {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var r reply
	require.NoError(t, conn.ReadJSON(&r))
	return r
}

// ready waits until the hub's read pump is serving conn.
func ready(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(request{Action: "ping"}))
	assert.Equal(t, "pong", readReply(t, conn).Action)
}

func TestHubSubscribeAndPublish(t *testing.T) {
	hub, url := startHub(t, channelMembers{"ch1": {"alice"}})
	conn := dial(t, url, "alice")

	require.NoError(t, conn.WriteJSON(request{Action: "subscribe", Topics: []string{"channel:ch1", "channel:ch2", "user:bob"}}))
	ack := readReply(t, conn)
	assert.Equal(t, "subscribe_ack", ack.Action)
	assert.Equal(t, []string{"channel:ch1"}, ack.Topics)
	assert.Equal(t, []string{"channel:ch2", "user:bob"}, ack.Denied)

	b, err := New(hub, 16)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Notify(resolved("a", ir.ChannelScope("ch1"), "carol", true)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "channel:ch1", msg.Topic)
	require.NotNil(t, msg.Change)
	assert.Equal(t, "a", msg.Change.ID)
}

func TestHubAutoSubscribesOwnTopic(t *testing.T) {
	hub, url := startHub(t, channelMembers{})
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")
	ready(t, alice)
	ready(t, bob)

	b, err := New(hub, 16)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Notify(resolved("x", ir.ChannelScope("ch1"), "alice", false)))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, alice.ReadJSON(&msg))
	assert.Equal(t, "user:alice", msg.Topic)
	require.NotNil(t, msg.Errored)
	assert.Equal(t, "x", msg.Errored.ID)

	assert.Equal(t, 1, hub.Subscribers("user:bob"))
	assert.Zero(t, hub.Subscribers("channel:ch1"))
}

func TestHubUnsubscribeKeepsOwnTopic(t *testing.T) {
	hub, url := startHub(t, channelMembers{"ch1": {"alice"}})
	conn := dial(t, url, "alice")

	require.NoError(t, conn.WriteJSON(request{Action: "subscribe", Topics: []string{"channel:ch1"}}))
	readReply(t, conn)
	require.NoError(t, conn.WriteJSON(request{Action: "unsubscribe", Topics: []string{"channel:ch1", "user:alice"}}))
	assert.Equal(t, "unsubscribe_ack", readReply(t, conn).Action)

	assert.Zero(t, hub.Subscribers("channel:ch1"))
	assert.Equal(t, 1, hub.Subscribers("user:alice"))
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(channelMembers{})
	c := &client{id: "c1", actor: "alice", send: make(chan []byte, 1), topics: map[string]bool{}}
	hub.subscribe(c, UserTopic("alice"))

	assert.Equal(t, 1, hub.Publish("user:alice", []byte(`{}`)))
	assert.Equal(t, 0, hub.Publish("user:alice", []byte(`{}`)), "full buffer drops the subscriber")
	assert.Equal(t, 0, hub.Publish("user:alice", []byte(`{}`)))

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.True(t, c.closed)
}

func TestHubRevokesEarlySubscriptionOnceChannelExists(t *testing.T) {
	authz := &unmaterialized{members: channelMembers{"ch1": {"alice"}}}
	hub, url := startHub(t, authz)
	mallory := dial(t, url, "mallory")

	require.NoError(t, mallory.WriteJSON(request{Action: "subscribe", Topics: []string{"channel:ch1"}}))
	ack := readReply(t, mallory)
	assert.Equal(t, []string{"channel:ch1"}, ack.Topics)
	require.Equal(t, 1, hub.Subscribers("channel:ch1"))

	authz.created.Store(true)

	b, err := New(hub, 16)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Notify(resolved("create", ir.ChannelScope("ch1"), "alice", true)))
	assert.Zero(t, hub.Subscribers("channel:ch1"))

	// Nothing but the pong for this ping reaches mallory.
	ready(t, mallory)
}

func TestHubPublishRechecksChannelSubscribers(t *testing.T) {
	hub := NewHub(channelMembers{"ch1": {"alice"}})
	alice := &client{id: "a", actor: "alice", send: make(chan []byte, 4), topics: map[string]bool{}}
	mallory := &client{id: "m", actor: "mallory", send: make(chan []byte, 4), topics: map[string]bool{}}
	hub.subscribe(alice, "channel:ch1")
	hub.subscribe(mallory, "channel:ch1")
	hub.subscribe(mallory, UserTopic("mallory"))

	assert.Equal(t, 1, hub.Publish("channel:ch1", []byte(`{}`)))
	assert.Len(t, alice.send, 1)
	assert.Empty(t, mallory.send)
	assert.Equal(t, 1, hub.Subscribers("channel:ch1"))

	assert.Equal(t, 1, hub.Publish(UserTopic("mallory"), []byte(`{}`)), "user topics are not rechecked")
}
