package saga

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/logging"
)

type fakePending struct {
	mu       sync.Mutex
	requests []PendingRequest
	loaded   map[string]string
}

func newFakePending(n int) *fakePending {
	p := &fakePending{loaded: make(map[string]string)}
	for i := 0; i < n; i++ {
		p.requests = append(p.requests, PendingRequest{
			ID:          fmt.Sprintf("req-%d", i),
			SagaName:    "DEMO_SAGA",
			BusinessKey: fmt.Sprintf("student-%d", i),
			Payload:     fmt.Sprintf(`{"studentID":"student-%d"}`, i),
		})
	}
	return p
}

func (p *fakePending) FetchPending(_ context.Context, limit int) ([]PendingRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PendingRequest
	for _, r := range p.requests {
		if _, done := p.loaded[r.ID]; done {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (p *fakePending) MarkLoaded(_ context.Context, requestID, sagaID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded[requestID] = sagaID
	return nil
}

func (p *fakePending) loadedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loaded)
}

func seedActive(t *testing.T, s *SQLStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.InsertSaga(context.Background(), nil, newTestSaga("OTHER_SAGA", "", StatusInProgress)))
	}
}

func TestLauncher_RespectsActiveCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedActive(t, h.store, DefaultMaxActive)

	source := newFakePending(3)
	l := NewLauncher(h.store, NewRegistry(h.orch), source, RecoveryConfig{}, logging.NewNoopLogger(), nil)

	n, err := l.LaunchPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, source.loadedCount())

	active, err := h.store.CountByStatuses(ctx, ActiveStatuses...)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultMaxActive), active)
}

func TestLauncher_FillsRemainingCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedActive(t, h.store, DefaultMaxActive-2)

	source := newFakePending(3)
	l := NewLauncher(h.store, NewRegistry(h.orch), source, RecoveryConfig{}, logging.NewNoopLogger(), nil)

	n, err := l.LaunchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, source.loadedCount())
	assert.Len(t, h.pub.published(), 2, "each launched saga is started")

	n, err = l.LaunchPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLauncher_SkipsBusinessKeyWithActiveSaga(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	existing, err := h.orch.CreateSaga(ctx, demoData{StudentID: "student-0"}, "API", "student-0")
	require.NoError(t, err)

	source := newFakePending(1)
	l := NewLauncher(h.store, NewRegistry(h.orch), source, RecoveryConfig{}, logging.NewNoopLogger(), nil)

	n, err := l.LaunchPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, existing.SagaID, source.loaded["req-0"])
}

func TestRecoverer_ReplaysStuckSagas(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sg, err := h.orch.CreateSaga(ctx, demoData{StudentID: "abc"}, "API", "abc")
	require.NoError(t, err)
	seedActive(t, h.store, 1)

	r := NewRecoverer(h.store, NewRegistry(h.orch), RecoveryConfig{StuckAfter: time.Minute}, logging.NewNoopLogger())
	r.clock = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := r.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "unregistered saga types are skipped")

	cur := h.saga(t, sg.SagaID)
	assert.Equal(t, StatusInProgress, cur.Status)
	assert.Equal(t, "VALIDATE", cur.SagaState)
}

func TestRegistry(t *testing.T) {
	h := newHarness(t)
	r := NewRegistry(h.orch)

	rn, err := r.Get("DEMO_SAGA")
	require.NoError(t, err)
	assert.Equal(t, "demo-saga-topic", rn.Topic())

	_, err = r.Get("MISSING")
	assert.ErrorIs(t, err, ErrUnknownSaga)
	assert.Len(t, r.All(), 1)
}
