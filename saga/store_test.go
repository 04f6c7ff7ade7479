package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/storage/database"
	"sagaflow/storage/database/dbtest"
)

func newTestSaga(name, key string, status Status) *Saga {
	return &Saga{
		SagaName:    name,
		SagaState:   string(EventInitiated),
		Status:      status,
		Payload:     `{}`,
		BusinessKey: key,
		CreateUser:  "TEST",
	}
}

func TestSQLStore_InsertGetUpdate(t *testing.T) {
	s := NewSQLStore(dbtest.NewSQLite(t))
	ctx := context.Background()

	sg := newTestSaga("DEMO", "k-1", StatusStarted)
	require.NoError(t, s.InsertSaga(ctx, nil, sg))
	require.NotEmpty(t, sg.SagaID)

	got, err := s.GetSaga(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, "DEMO", got.SagaName)
	assert.Equal(t, StatusStarted, got.Status)
	assert.Equal(t, "k-1", got.BusinessKey)
	assert.Equal(t, "TEST", got.UpdateUser)

	got.SagaState, got.Status = "VALIDATE", StatusInProgress
	require.NoError(t, s.UpdateSaga(ctx, nil, got, string(EventInitiated)))

	// 旧状态作为期望值再次更新必须失败
	got.SagaState = "PUBLISH"
	err = s.UpdateSaga(ctx, nil, got, string(EventInitiated))
	assert.ErrorIs(t, err, ErrConcurrentUpdate)

	_, err = s.GetSaga(ctx, "missing")
	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func TestSQLStore_UpdateRefusesTerminalSaga(t *testing.T) {
	s := NewSQLStore(dbtest.NewSQLite(t))
	ctx := context.Background()

	sg := newTestSaga("DEMO", "", StatusStarted)
	require.NoError(t, s.InsertSaga(ctx, nil, sg))
	require.NoError(t, s.ForceStop(ctx, sg.SagaID, "ADMIN"))

	sg.Status = StatusInProgress
	assert.ErrorIs(t, s.UpdateSaga(ctx, nil, sg, sg.SagaState), ErrConcurrentUpdate)
	assert.ErrorIs(t, s.ForceStop(ctx, sg.SagaID, "ADMIN"), ErrSagaTerminal)
	assert.ErrorIs(t, s.ForceStop(ctx, "missing", "ADMIN"), ErrSagaNotFound)

	got, err := s.GetSaga(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StatusForceStopped, got.Status)
	assert.Equal(t, "ADMIN", got.UpdateUser)
}

func TestSQLStore_EventStatesAreOrdered(t *testing.T) {
	db := dbtest.NewSQLite(t)
	s := NewSQLStore(db)
	ctx := context.Background()

	_, err := s.LatestEventState(ctx, "saga-1")
	assert.ErrorIs(t, err, ErrEventStateNotFound)

	for _, et := range []string{"INITIATED", "VALIDATE", "PUBLISH"} {
		err := database.WithTx(ctx, db, func(tx database.IDatabase) error {
			return s.AppendEventState(ctx, tx, &EventState{SagaID: "saga-1", EventType: msgType(et), EventOutcome: "OK", CreateUser: "TEST"})
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.AppendEventState(ctx, nil, &EventState{SagaID: "saga-2", EventType: "INITIATED", EventOutcome: "OK", CreateUser: "TEST"}))

	states, err := s.ListEventStates(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, states, 3)
	for i, want := range []string{"INITIATED", "VALIDATE", "PUBLISH"} {
		assert.Equal(t, msgType(want), states[i].EventType)
		assert.Equal(t, int64(i+1), states[i].Seq)
	}

	latest, err := s.LatestEventState(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, msgType("PUBLISH"), latest.EventType)
}

func TestSQLStore_FindActiveByBusinessKey(t *testing.T) {
	s := NewSQLStore(dbtest.NewSQLite(t))
	ctx := context.Background()

	done := newTestSaga("DEMO", "student-1", StatusStarted)
	require.NoError(t, s.InsertSaga(ctx, nil, done))
	require.NoError(t, s.ForceStop(ctx, done.SagaID, "ADMIN"))

	_, err := s.FindActiveByBusinessKey(ctx, "DEMO", "student-1")
	assert.ErrorIs(t, err, ErrSagaNotFound)

	active := newTestSaga("DEMO", "student-1", StatusInProgress)
	require.NoError(t, s.InsertSaga(ctx, nil, active))
	got, err := s.FindActiveByBusinessKey(ctx, "DEMO", "student-1")
	require.NoError(t, err)
	assert.Equal(t, active.SagaID, got.SagaID)

	_, err = s.FindActiveByBusinessKey(ctx, "OTHER", "student-1")
	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func TestSQLStore_FindStuckAndCount(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := NewSQLStore(dbtest.NewSQLite(t), WithStoreClock(clock))
	ctx := context.Background()

	old := newTestSaga("DEMO", "", StatusInProgress)
	require.NoError(t, s.InsertSaga(ctx, nil, old))
	errored := newTestSaga("DEMO", "", StatusError)
	require.NoError(t, s.InsertSaga(ctx, nil, errored))

	now = now.Add(time.Hour)
	fresh := newTestSaga("DEMO", "", StatusStarted)
	require.NoError(t, s.InsertSaga(ctx, nil, fresh))

	stuck, err := s.FindStuck(ctx, ActiveStatuses, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, old.SagaID, stuck[0].SagaID)

	n, err := s.CountByStatuses(ctx, ActiveStatuses...)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountByStatuses(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
