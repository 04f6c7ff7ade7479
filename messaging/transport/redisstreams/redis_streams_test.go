package redisstreams

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sagaflow/errors"
	"sagaflow/logging"
	"sagaflow/messaging"
)

func newTransport(t *testing.T) (*Transport, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	tr, err := NewTransport(Config{
		Client:       rc,
		ConsumerName: "test-consumer",
		BlockTimeout: 20 * time.Millisecond,
		Logger:       logging.NewNoopLogger(),
	})
	require.NoError(t, err)
	return tr, rc
}

type collector struct {
	mu   sync.Mutex
	got  []*messaging.Event
	ack  bool
	seen int
}

func (c *collector) handle(_ context.Context, m *messaging.Message) {
	evt, err := messaging.DecodeEvent(m.Data)
	c.mu.Lock()
	c.seen++
	if err == nil {
		c.got = append(c.got, evt)
	}
	c.mu.Unlock()
	if c.ack {
		_ = m.Ack()
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestDurable_ConsumesBacklog(t *testing.T) {
	tr, _ := newTransport(t)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(func() { _ = tr.Close() })

	require.NoError(t, tr.Publish(ctx, "registration.events", &messaging.Event{EventID: "e-1", EventType: "A", EventPayload: "{}"}))

	c := &collector{ack: true}
	require.NoError(t, tr.SubscribeDurable("registration.events", "registration", c.handle))
	require.NoError(t, tr.Publish(ctx, "registration.events", &messaging.Event{EventID: "e-2", EventType: "B", EventPayload: "{}"}))

	assert.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "e-1", c.got[0].EventID)
	assert.Equal(t, "e-2", c.got[1].EventID)
}

func TestQueueGroup_SkipsBacklogAndAcks(t *testing.T) {
	tr, rc := newTransport(t)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(func() { _ = tr.Close() })

	require.NoError(t, tr.Publish(ctx, "saga.X", &messaging.Event{EventID: "old", EventType: "A", EventPayload: "{}"}))

	c := &collector{ack: true}
	require.NoError(t, tr.Subscribe("saga.X", "sagaflow", c.handle))
	require.NoError(t, tr.Publish(ctx, "saga.X", &messaging.Event{EventID: "new", EventType: "A", EventPayload: "{}"}))

	assert.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "new", c.got[0].EventID)

	assert.Eventually(t, func() bool {
		pending, err := rc.XPending(ctx, "stream:saga.X", "sagaflow").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedEntry_IsAcked(t *testing.T) {
	tr, rc := newTransport(t)
	ctx := context.Background()

	c := &collector{ack: true}
	require.NoError(t, tr.SubscribeDurable("bad.events", "svc", c.handle))
	require.NoError(t, rc.XAdd(ctx, &redis.XAddArgs{Stream: "stream:bad.events", Values: map[string]any{"other": "x"}}).Err())
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(func() { _ = tr.Close() })
	require.NoError(t, tr.Publish(ctx, "bad.events", &messaging.Event{EventID: "good", EventType: "A", EventPayload: "{}"}))

	assert.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		pending, err := rc.XPending(ctx, "stream:bad.events", "svc").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, c.seen)
}

func TestPublish_NotRunning(t *testing.T) {
	tr, _ := newTransport(t)
	err := tr.Publish(context.Background(), "x", &messaging.Event{EventType: "A"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestPublish_BrokerErrorIsQueueError(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	tr, err := NewTransport(Config{Client: rc, ConsumerName: "c", Logger: logging.NewNoopLogger()})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	t.Cleanup(func() { _ = tr.Close() })

	mr.SetError("LOADING redis is loading")
	err = tr.Publish(ctx, "x", &messaging.Event{EventID: "e-1", EventType: "A"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeQueue, apperrors.GetErrorCode(err))
}

func TestDecodeEntry(t *testing.T) {
	data, err := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]any{fieldEvent: `{"eventType":"A"}`}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventType":"A"}`, string(data))

	_, err = decodeEntry(redis.XMessage{ID: "2-0", Values: map[string]any{}})
	assert.Error(t, err)
}
