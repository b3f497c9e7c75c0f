package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvMessage(t *testing.T, ch chan *Message) *Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	first := make(chan *Message, 1)
	second := make(chan *Message, 1)
	_, err := bus.Subscribe("state.task.done", func(_ context.Context, msg *Message) { first <- msg })
	require.NoError(t, err)
	_, err = bus.Subscribe("state.task.done", func(_ context.Context, msg *Message) { second <- msg })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "state.task.done", []byte("payload")))
	assert.Equal(t, []byte("payload"), recvMessage(t, first).Data)
	assert.Equal(t, "state.task.done", recvMessage(t, second).Topic)
}

func TestSubscribeOnceDeliversExactlyOnce(t *testing.T) {
	bus := NewMemoryBus()
	var delivered atomic.Int64
	_, err := bus.SubscribeOnce("state.task.done", func(_ context.Context, _ *Message) {
		delivered.Add(1)
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), "state.task.done", nil))
	}
	assert.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), delivered.Load())
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	bus := NewMemoryBus()
	var delivered atomic.Int64
	sub, err := bus.Subscribe("state.task.done", func(_ context.Context, _ *Message) {
		delivered.Add(1)
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish(context.Background(), "state.task.done", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, delivered.Load())
}

func TestWildcardSubscriptions(t *testing.T) {
	bus := NewMemoryBus()
	starMsgs := make(chan *Message, 4)
	tailMsgs := make(chan *Message, 4)
	_, err := bus.Subscribe("event.message.*", func(_ context.Context, msg *Message) { starMsgs <- msg })
	require.NoError(t, err)
	_, err = bus.Subscribe("event.>", func(_ context.Context, msg *Message) { tailMsgs <- msg })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "event.message.order", nil))
	assert.Equal(t, "event.message.order", recvMessage(t, starMsgs).Topic)
	assert.Equal(t, "event.message.order", recvMessage(t, tailMsgs).Topic)

	// "*" spans one token only, ">" spans the rest
	require.NoError(t, bus.Publish(context.Background(), "event.signal.day.closed", nil))
	assert.Equal(t, "event.signal.day.closed", recvMessage(t, tailMsgs).Topic)
	select {
	case msg := <-starMsgs:
		t.Fatalf("one-token wildcard matched %s", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
		{"a.*.c", "a.b.c", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"a.b.c.d", "a.b.c", false},
		{"a.b", "a.b.c", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, topicMatches(c.pattern, c.topic), "%s vs %s", c.pattern, c.topic)
	}
}
