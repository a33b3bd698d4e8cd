package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisBus(rdb), mr
}

type testEvent struct {
	Seq int    `json:"seq"`
	Msg string `json:"msg"`
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var gotKeys []string
	var gotEvents []testEvent

	b.Subscribe(TopicChatMessages, func(_ context.Context, key string, payload []byte) {
		var ev testEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		mu.Lock()
		gotKeys = append(gotKeys, key)
		gotEvents = append(gotEvents, ev)
		mu.Unlock()
	})
	require.NoError(t, b.Start(ctx))

	// PSubscribe needs a moment before publishes are visible
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, TopicChatMessages, "chat-1", testEvent{Seq: 1, Msg: "hello"}))
	require.NoError(t, b.Publish(ctx, TopicChatMessages, "chat-1", testEvent{Seq: 2, Msg: "world"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotEvents) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"chat-1", "chat-1"}, gotKeys)
	assert.Equal(t, 1, gotEvents[0].Seq)
	assert.Equal(t, 2, gotEvents[1].Seq)
}

func TestRedisBus_PerKeyOrdering(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	perKey := make(map[string][]int)

	b.Subscribe(TopicChatMessages, func(_ context.Context, key string, payload []byte) {
		var ev testEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		mu.Lock()
		perKey[key] = append(perKey[key], ev.Seq)
		mu.Unlock()
	})
	require.NoError(t, b.Start(ctx))
	time.Sleep(50 * time.Millisecond)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(ctx, TopicChatMessages, "chat-a", testEvent{Seq: i}))
		require.NoError(t, b.Publish(ctx, TopicChatMessages, "chat-b", testEvent{Seq: i}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(perKey["chat-a"]) == n && len(perKey["chat-b"]) == n
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for key, seqs := range perKey {
		for i, seq := range seqs {
			assert.Equal(t, i, seq, "out of order delivery on key %s", key)
		}
	}
}

func TestRedisBus_TopicIsolation(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages := make(chan string, 4)
	statuses := make(chan string, 4)

	b.Subscribe(TopicChatMessages, func(_ context.Context, key string, _ []byte) {
		messages <- key
	})
	b.Subscribe(TopicMessageStatus, func(_ context.Context, key string, _ []byte) {
		statuses <- key
	})
	require.NoError(t, b.Start(ctx))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, TopicMessageStatus, "msg-7", testEvent{Seq: 1}))

	select {
	case key := <-statuses:
		assert.Equal(t, "msg-7", key)
	case <-time.After(time.Second):
		t.Fatal("status event not delivered")
	}

	select {
	case key := <-messages:
		t.Fatalf("message handler received status event for key %s", key)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBus_PublishAfterStop(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	b.Stop()

	err := b.Publish(ctx, TopicChatMessages, "chat-1", testEvent{Seq: 1})
	assert.True(t, models.IsCode(err, models.CodeShuttingDown))
}

func TestRedisBus_SubscribeAfterStop(t *testing.T) {
	b, _ := newTestBus(t)

	require.NoError(t, b.Start(context.Background()))
	b.Stop()

	err := b.Subscribe(TopicChatMessages, func(context.Context, string, []byte) {})
	assert.True(t, models.IsCode(err, models.CodeShuttingDown))
}

func TestRedisBus_SubscribeAfterStart(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Start(ctx))

	delivered := make(chan string, 1)
	require.NoError(t, b.Subscribe(TopicMessageStatus, func(_ context.Context, key string, _ []byte) {
		delivered <- key
	}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, TopicMessageStatus, "msg-1", testEvent{Seq: 1}))

	select {
	case key := <-delivered:
		assert.Equal(t, "msg-1", key)
	case <-time.After(time.Second):
		t.Fatal("late-subscribed topic got no consumer")
	}
}

func TestRedisBus_PublishBrokerDown(t *testing.T) {
	b, mr := newTestBus(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := b.Publish(ctx, TopicChatMessages, "chat-1", testEvent{Seq: 1})
	assert.True(t, models.IsCode(err, models.CodeTransient))
}

func TestRedisBus_HandlerPanicDoesNotKillConsumer(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan int, 2)
	b.Subscribe(TopicChatMessages, func(_ context.Context, _ string, payload []byte) {
		var ev testEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		if ev.Seq == 1 {
			panic("boom")
		}
		delivered <- ev.Seq
	})
	require.NoError(t, b.Start(ctx))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, TopicChatMessages, "chat-1", testEvent{Seq: 1}))
	require.NoError(t, b.Publish(ctx, TopicChatMessages, "chat-1", testEvent{Seq: 2}))

	select {
	case seq := <-delivered:
		assert.Equal(t, 2, seq)
	case <-time.After(time.Second):
		t.Fatal("consumer loop died after handler panic")
	}
}
