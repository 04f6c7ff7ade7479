package registration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/storage/database/dbtest"
)

func newRequestStore(t *testing.T) *RequestStore {
	t.Helper()
	db := dbtest.NewSQLite(t, Schema...)
	return NewRequestStore(db, "TEST")
}

func TestRequestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newRequestStore(t)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	s.clock = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	first := &Request{StudentID: "abc", SchoolID: "X", AssessmentID: "2024-06"}
	second := &Request{StudentID: "def", SchoolID: "X", AssessmentID: "2024-06"}
	require.NoError(t, s.Submit(ctx, first))
	require.NoError(t, s.Submit(ctx, second))
	assert.NotEmpty(t, first.RequestID)
	assert.NotEmpty(t, first.AssessmentStudentID)

	pending, err := s.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.RequestID, pending[0].ID)
	assert.Equal(t, SagaName, pending[0].SagaName)
	assert.Equal(t, first.AssessmentStudentID, pending[0].BusinessKey)
	assert.JSONEq(t, `{"requestID":"`+first.RequestID+`","studentID":"abc","schoolID":"X","assessmentID":"2024-06","assessmentStudentID":"`+first.AssessmentStudentID+`"}`, pending[0].Payload)

	limited, err := s.FetchPending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// 未加载的请求不能直接发布
	changed, err := s.MarkPublished(ctx, first.RequestID)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, s.MarkLoaded(ctx, first.RequestID, "saga-1"))
	got, err := s.Get(ctx, first.RequestID)
	require.NoError(t, err)
	assert.Equal(t, RequestLoaded, got.Status)
	assert.Equal(t, "saga-1", got.SagaID)

	pending, err = s.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.RequestID, pending[0].ID)

	changed, err = s.MarkPublished(ctx, first.RequestID)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.MarkPublished(ctx, first.RequestID)
	require.NoError(t, err)
	assert.False(t, changed)

	list, err := s.ListBySchool(ctx, "X", "2024-06")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, RequestPublished, list[0].Status)
	assert.Equal(t, RequestPending, list[1].Status)

	none, err := s.ListBySchool(ctx, "Y", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRequestStore_Validation(t *testing.T) {
	s := newRequestStore(t)
	assert.Error(t, s.Submit(context.Background(), &Request{StudentID: "abc"}))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}
