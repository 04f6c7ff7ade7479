package registration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/choreography"
	"sagaflow/collaborator"
	"sagaflow/eventing"
	evstore "sagaflow/eventing/store"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/storage/database/dbtest"
)

const consumer = "registration"

func newChoreography(t *testing.T) (*choreography.Choreographer, *RequestStore, *collaborator.MemoryArtifactStore, *evstore.SQLInbox) {
	t.Helper()
	db := dbtest.NewSQLite(t, Schema...)
	requests := NewRequestStore(db, "TEST")
	artifacts := collaborator.NewMemoryArtifactStore()
	inbox := evstore.NewSQLInbox(db)

	c := choreography.NewChoreographer(inbox, consumer, choreography.WithLogger(logging.NewNoopLogger()))
	NewHandlers(requests, artifacts, logging.NewNoopLogger()).Register(c)
	return c, requests, artifacts, inbox
}

func TestHandlers_PublishedMarksRequest(t *testing.T) {
	ctx := context.Background()
	c, requests, _, inbox := newChoreography(t)

	req := &Request{StudentID: "abc", SchoolID: "X"}
	require.NoError(t, requests.Submit(ctx, req))
	require.NoError(t, requests.MarkLoaded(ctx, req.RequestID, "saga-1"))

	payload, err := messaging.MarshalPayload(Notification{SagaID: "saga-1", RequestID: req.RequestID, StudentID: "abc", SchoolID: "X"})
	require.NoError(t, err)
	evt := &messaging.Event{EventID: "note-1", EventType: EventStudentRegistrationPublished,
		EventOutcome: OutcomeRegistrationPublished, EventPayload: payload}

	require.NoError(t, c.Handle(ctx, evt))
	got, err := requests.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, RequestPublished, got.Status)

	entry, err := inbox.Receive(ctx, consumer, evt, "TEST")
	require.NoError(t, err)
	assert.Equal(t, eventing.InboxProcessed, entry.Status)

	// 重复投递不再调用处理函数
	require.NoError(t, c.Handle(ctx, evt))
}

func TestHandlers_ReportStoredOnce(t *testing.T) {
	ctx := context.Background()
	c, requests, artifacts, _ := newChoreography(t)

	for _, id := range []string{"abc", "def"} {
		require.NoError(t, requests.Submit(ctx, &Request{StudentID: id, SchoolID: "X", AssessmentID: "2024-06"}))
	}
	require.NoError(t, requests.Submit(ctx, &Request{StudentID: "ghi", SchoolID: "Y", AssessmentID: "2024-06"}))

	payload, _ := messaging.MarshalPayload(ReportRequest{SchoolID: "X", AssessmentID: "2024-06"})
	evt := &messaging.Event{EventID: "report-1", EventType: EventRegistrationReportRequested,
		EventOutcome: OutcomeReportRequested, EventPayload: payload}
	require.NoError(t, c.Handle(ctx, evt))

	key := ReportKey(ReportRequest{SchoolID: "X", AssessmentID: "2024-06"}, "report-1")
	assert.Equal(t, "registration-reports/X/2024-06/report-1.json", key)
	obj, ok := artifacts.Get(key)
	require.True(t, ok)
	assert.Equal(t, "application/json", obj.ContentType)

	var report Report
	require.NoError(t, json.Unmarshal(obj.Body, &report))
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.ByStatus[string(RequestPending)])
}

func TestHandlers_MalformedPayloadIsConsumed(t *testing.T) {
	ctx := context.Background()
	c, _, artifacts, inbox := newChoreography(t)

	evt := &messaging.Event{EventID: "report-bad", EventType: EventRegistrationReportRequested, EventPayload: `{}`}
	require.NoError(t, c.Handle(ctx, evt))

	_, ok := artifacts.Get(ReportKey(ReportRequest{}, "report-bad"))
	assert.False(t, ok)
	entry, err := inbox.Receive(ctx, consumer, evt, "TEST")
	require.NoError(t, err)
	assert.Equal(t, eventing.InboxProcessed, entry.Status)
}
