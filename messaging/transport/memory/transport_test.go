package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/logging"
	"sagaflow/messaging"
)

func newTestTransport(t *testing.T) *MemoryTransport {
	t.Helper()
	tr := NewMemoryTransport(Config{
		WorkerCount:     2,
		RedeliveryDelay: 5 * time.Millisecond,
		MaxDeliver:      3,
		Logger:          logging.NewNoopLogger(),
	})
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func evt(eventType string) *messaging.Event {
	return &messaging.Event{EventType: messaging.EventType(eventType), EventOutcome: "OK", EventPayload: "{}"}
}

func TestPublish_NotRunning(t *testing.T) {
	tr := NewMemoryTransport(Config{Logger: logging.NewNoopLogger()})
	err := tr.Publish(context.Background(), "saga", evt("INITIATED"))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestQueueGroup_OneMemberReceivesEach(t *testing.T) {
	tr := newTestTransport(t)

	var a, b atomic.Int32
	require.NoError(t, tr.Subscribe("saga", "workers", func(_ context.Context, m *messaging.Message) { a.Add(1); _ = m.Ack() }))
	require.NoError(t, tr.Subscribe("saga", "workers", func(_ context.Context, m *messaging.Message) { b.Add(1); _ = m.Ack() }))

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Publish(context.Background(), "saga", evt("STEP")))
	}

	assert.Eventually(t, func() bool { return a.Load()+b.Load() == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(5), a.Load())
	assert.Equal(t, int32(5), b.Load())
}

func TestDurable_ReplaysHistoryToNewConsumer(t *testing.T) {
	tr := newTestTransport(t)

	require.NoError(t, tr.Publish(context.Background(), "svc.events", evt("A")))
	require.NoError(t, tr.Publish(context.Background(), "svc.events", evt("B")))

	var mu sync.Mutex
	var got []messaging.EventType
	require.NoError(t, tr.SubscribeDurable("svc.events", "svc", func(_ context.Context, m *messaging.Message) {
		e, err := messaging.DecodeEvent(m.Data)
		if !assert.NoError(t, err) {
			return
		}
		mu.Lock()
		got = append(got, e.EventType)
		mu.Unlock()
		_ = m.Ack()
	}))
	require.NoError(t, tr.Publish(context.Background(), "svc.events", evt("C")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []messaging.EventType{"A", "B", "C"}, got)
}

func TestNak_RedeliversUntilMaxDeliver(t *testing.T) {
	tr := newTestTransport(t)

	var attempts atomic.Int32
	var lastAttempt atomic.Int32
	require.NoError(t, tr.SubscribeDurable("svc.events", "svc", func(_ context.Context, m *messaging.Message) {
		attempts.Add(1)
		lastAttempt.Store(int32(m.Attempt))
		_ = m.Nak()
	}))
	require.NoError(t, tr.Publish(context.Background(), "svc.events", evt("A")))

	assert.Eventually(t, func() bool { return attempts.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(3), lastAttempt.Load())
}

func TestTerm_IsNotRedelivered(t *testing.T) {
	tr := newTestTransport(t)

	var attempts atomic.Int32
	require.NoError(t, tr.Subscribe("saga", "g", func(_ context.Context, m *messaging.Message) {
		attempts.Add(1)
		_ = m.Term()
		_ = m.Nak()
	}))
	require.NoError(t, tr.Publish(context.Background(), "saga", evt("A")))

	assert.Eventually(t, func() bool { return attempts.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestHandlerPanic_DoesNotKillWorker(t *testing.T) {
	tr := newTestTransport(t)

	var calls atomic.Int32
	require.NoError(t, tr.Subscribe("saga", "g", func(_ context.Context, m *messaging.Message) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		_ = m.Ack()
	}))
	require.NoError(t, tr.Publish(context.Background(), "saga", evt("A")))

	// 第一次 panic 触发 Nak 重投，第二次正常处理
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}
