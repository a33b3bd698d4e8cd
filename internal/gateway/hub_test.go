package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(nil, time.Minute)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func recvFrame(t *testing.T, s *Session) Frame {
	t.Helper()
	select {
	case raw := <-s.Send:
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return Frame{}
	}
}

func drainFrames(s *Session) {
	for {
		select {
		case <-s.Send:
		default:
			return
		}
	}
}

func TestHub_RegisterJoinsUserRoom(t *testing.T) {
	h := newTestHub(t)

	s, err := h.Register("alice", nil)
	require.NoError(t, err)

	frame, err2 := marshalFrame("test", "", map[string]string{"k": "v"})
	require.NoError(t, err2)
	h.BroadcastRoom(UserRoom("alice"), frame)

	got := recvFrame(t, s)
	assert.Equal(t, "test", got.Event)
}

func TestHub_PresenceTransitions(t *testing.T) {
	h := newTestHub(t)

	observer, err := h.Register("observer", nil)
	require.NoError(t, err)
	drainFrames(observer)

	// First session: online broadcast to other users only
	a1, err := h.Register("alice", nil)
	require.NoError(t, err)
	select {
	case raw := <-a1.Send:
		t.Fatalf("own session received its presence frame: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}

	got := recvFrame(t, observer)
	assert.Equal(t, EventUsersUpdate, got.Event)
	var p PresencePayload
	require.NoError(t, json.Unmarshal(got.Data, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.True(t, p.IsOnline)

	// Second session for the same user: no broadcast
	a2, err := h.Register("alice", nil)
	require.NoError(t, err)
	select {
	case raw := <-observer.Send:
		t.Fatalf("unexpected frame on second session: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}

	// Dropping one of two sessions: still online, no broadcast
	h.Unregister(a1)
	select {
	case raw := <-observer.Send:
		t.Fatalf("unexpected frame on partial disconnect: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
	assert.True(t, h.IsOnline("alice"))

	// Last session gone: offline broadcast
	h.Unregister(a2)
	got = recvFrame(t, observer)
	assert.Equal(t, EventUsersUpdate, got.Event)
	require.NoError(t, json.Unmarshal(got.Data, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.False(t, p.IsOnline)
	assert.False(t, h.IsOnline("alice"))
}

func TestHub_RoomBroadcast(t *testing.T) {
	h := newTestHub(t)

	alice, err := h.Register("alice", nil)
	require.NoError(t, err)
	bob, err := h.Register("bob", nil)
	require.NoError(t, err)
	carol, err := h.Register("carol", nil)
	require.NoError(t, err)
	drainFrames(alice)
	drainFrames(bob)
	drainFrames(carol)

	h.JoinRoom(alice, ChatRoom("c1"))
	h.JoinRoom(bob, ChatRoom("c1"))

	frame, err2 := marshalFrame(EventMessage, "", map[string]string{"content": "hi"})
	require.NoError(t, err2)
	h.BroadcastRoom(ChatRoom("c1"), frame)

	assert.Equal(t, EventMessage, recvFrame(t, alice).Event)
	assert.Equal(t, EventMessage, recvFrame(t, bob).Event)
	select {
	case raw := <-carol.Send:
		t.Fatalf("non-member received room frame: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}

	// After leaving, bob no longer receives
	h.LeaveRoom(bob, ChatRoom("c1"))
	h.BroadcastRoom(ChatRoom("c1"), frame)
	assert.Equal(t, EventMessage, recvFrame(t, alice).Event)
	select {
	case raw := <-bob.Send:
		t.Fatalf("left member received room frame: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_UnregisterCleansRooms(t *testing.T) {
	h := newTestHub(t)

	alice, err := h.Register("alice", nil)
	require.NoError(t, err)
	h.JoinRoom(alice, ChatRoom("c1"))
	h.Unregister(alice)

	h.mu.RLock()
	_, roomExists := h.rooms[ChatRoom("c1")]
	_, userRoomExists := h.rooms[UserRoom("alice")]
	h.mu.RUnlock()
	assert.False(t, roomExists)
	assert.False(t, userRoomExists)
}

func TestHub_PerUserConnLimit(t *testing.T) {
	h := newTestHub(t)

	for i := 0; i < maxConnsPerUser; i++ {
		_, err := h.Register("alice", nil)
		require.NoError(t, err)
	}
	_, err := h.Register("alice", nil)
	assert.Error(t, err)
}

func TestSession_BackpressureDrop(t *testing.T) {
	h := newTestHub(t)

	s, err := h.Register("alice", nil)
	require.NoError(t, err)
	drainFrames(s)

	frame, err2 := marshalFrame(EventMessage, "", map[string]string{"content": "x"})
	require.NoError(t, err2)

	for i := 0; i < sendBufferSize; i++ {
		s.TrySend(frame)
	}
	require.Len(t, s.Send, sendBufferSize)

	// Overflow must not block and must not grow the buffer.
	s.TrySend(frame)
	assert.Len(t, s.Send, sendBufferSize)

	// Once the client drains, the gap notice from a fresh drop gets through.
	<-s.Send
	s.TrySend(frame)
	assert.Len(t, s.Send, sendBufferSize)
}

func TestPresenceTracker_RedisMirror(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	p := NewPresenceTracker(rdb, PresenceConfig{})
	defer p.Stop()
	ctx := context.Background()

	p.Register(ctx, "alice")
	assert.True(t, p.IsOnline(ctx, "alice"))
	assert.Contains(t, p.OnlineUserIDs(ctx), "alice")

	// A user seen only through the mirror counts as online
	require.NoError(t, rdb.SAdd(ctx, defaultPresenceOnlineSetKey, "bob").Err())
	require.NoError(t, rdb.SetEx(ctx, defaultPresenceLastSeenKeyNS+"bob", "1", time.Minute).Err())
	assert.True(t, p.IsOnline(ctx, "bob"))
	assert.Contains(t, p.OnlineUserIDs(ctx), "bob")

	// Expired last-seen entries are reaped from the online set
	mr.FastForward(2 * time.Minute)
	p.reapOnce(ctx)
	members, err := rdb.SMembers(ctx, defaultPresenceOnlineSetKey).Result()
	require.NoError(t, err)
	assert.NotContains(t, members, "bob")

	// Local session survives the mirror expiring
	assert.True(t, p.IsOnline(ctx, "alice"))

	p.Unregister(ctx, "alice")
	assert.False(t, p.IsOnline(ctx, "alice"))
}

func TestPresenceTracker_TouchKeepsMirrorFresh(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	p := NewPresenceTracker(rdb, PresenceConfig{})
	defer p.Stop()
	peer := NewPresenceTracker(rdb, PresenceConfig{})
	defer peer.Stop()
	ctx := context.Background()

	p.Register(ctx, "alice")
	assert.True(t, peer.IsOnline(ctx, "alice"))

	// Without a refresh the last-seen key would have expired by now.
	mr.FastForward(2 * time.Minute)
	p.Touch(ctx, "alice")

	p.reapOnce(ctx)
	members, err := rdb.SMembers(ctx, defaultPresenceOnlineSetKey).Result()
	require.NoError(t, err)
	assert.Contains(t, members, "alice")
	assert.True(t, peer.IsOnline(ctx, "alice"))
	assert.Contains(t, peer.OnlineUserIDs(ctx), "alice")
}

func TestPresenceTracker_CallbackOnTransitionsOnly(t *testing.T) {
	p := NewPresenceTracker(nil, PresenceConfig{})
	defer p.Stop()
	ctx := context.Background()

	var online, offline []string
	p.SetCallbacks(
		func(id string) { online = append(online, id) },
		func(id string) { offline = append(offline, id) },
	)

	p.Register(ctx, "alice")
	p.Register(ctx, "alice")
	p.Unregister(ctx, "alice")
	p.Unregister(ctx, "alice")
	p.Unregister(ctx, "alice") // extra unregister is a no-op

	assert.Equal(t, []string{"alice"}, online)
	assert.Equal(t, []string{"alice"}, offline)
}
