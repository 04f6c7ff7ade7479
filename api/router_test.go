package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sagaflow/errors"
	"sagaflow/eventing/outbox"
	evstore "sagaflow/eventing/store"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/monitoring"
	"sagaflow/registration"
	"sagaflow/saga"
	"sagaflow/storage/database/dbtest"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string) error { return nil }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type enrolment struct {
	StudentID string `json:"studentID"`
}

type fixture struct {
	router *httptestRouter
	store  *saga.SQLStore
	events *evstore.SQLEventStore
	orch   *saga.Orchestrator[enrolment]
	reg    *prometheus.Registry
}

type httptestRouter struct{ h http.Handler }

func (r *httptestRouter) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.h.ServeHTTP(rec, req)
	return rec
}

func newFixture(t *testing.T, dbErr error) *fixture {
	t.Helper()
	db := dbtest.NewSQLite(t)
	store := saga.NewSQLStore(db)
	events := evstore.NewSQLEventStore(db, evstore.WithLogger(logging.NewNoopLogger()))

	table := saga.NewStepTable[enrolment]().
		Begin("VALIDATE", func(context.Context, *messaging.Event, *saga.Saga, *enrolment) (*messaging.Event, error) {
			return &messaging.Event{EventOutcome: "VALIDATED"}, nil
		}).
		End("VALIDATE", "VALIDATED").
		MustBuild()
	orch, err := saga.NewOrchestrator("ENROL_SAGA", "enrol", table, saga.Deps{
		DB: db, Store: store, EventStore: events, Publisher: nopPublisher{}, Logger: logging.NewNoopLogger(),
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	monitoring.NewMetrics("sagaflow", reg).SagaTransition("ENROL_SAGA", "STARTED")

	router := NewRouter("test", Deps{
		Store:    store,
		Registry: saga.NewRegistry(orch),
		Health:   outbox.NewHealthChecker(events, outbox.DefaultConfig()),
		DB:       pinger{err: dbErr},
		Gatherer: reg,
		Logger:   logging.NewNoopLogger(),
	})
	return &fixture{router: &httptestRouter{h: router}, store: store, events: events, orch: orch, reg: reg}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) Response[T] {
	t.Helper()
	var resp Response[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.router.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[healthBody](t, rec)
	assert.Equal(t, "healthy", resp.Data.Status)
	assert.Equal(t, "up", resp.Data.Database)
	require.NotNil(t, resp.Data.Outbox)

	down := newFixture(t, errors.New("connection refused"))
	rec = down.router.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "down", decode[healthBody](t, rec).Data.Database)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.router.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sagaflow_saga_transitions_total")
}

func TestStartAndQuerySaga(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.router.do(t, http.MethodPost, "/api/v1/sagas",
		`{"sagaName":"ENROL_SAGA","payload":{"studentID":"abc"},"businessKey":"abc"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderCorrelationID))
	started := decode[saga.Saga](t, rec).Data
	assert.Equal(t, saga.StatusStarted, started.Status)

	// 同一业务键存在进行中的 saga
	rec = f.router.do(t, http.MethodPost, "/api/v1/sagas",
		`{"sagaName":"ENROL_SAGA","payload":{"studentID":"abc"},"businessKey":"abc"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.router.do(t, http.MethodGet, "/api/v1/sagas/"+started.SagaID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, started.SagaID, decode[saga.Saga](t, rec).Data.SagaID)

	rec = f.router.do(t, http.MethodGet, "/api/v1/sagas/"+started.SagaID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	states := decode[[]saga.EventState](t, rec).Data
	require.Len(t, states, 1)
	assert.Equal(t, saga.EventInitiated, states[0].EventType)
}

func TestStartSaga_BadRequests(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.router.do(t, http.MethodPost, "/api/v1/sagas", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.router.do(t, http.MethodPost, "/api/v1/sagas", `{"sagaName":"NOPE","payload":{}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(apperrors.ErrCodeNotFound), decode[any](t, rec).Code)

	rec = f.router.do(t, http.MethodPost, "/api/v1/sagas", `{"sagaName":"ENROL_SAGA","payload":"not-an-object"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperrors.ErrCodeInvalidInput), decode[any](t, rec).Code)
}

func TestGetSaga_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.router.do(t, http.MethodGet, "/api/v1/sagas/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(apperrors.ErrCodeNotFound), decode[any](t, rec).Code)
}

func TestReplayRunsPendingStep(t *testing.T) {
	f := newFixture(t, nil)
	sg, err := f.orch.CreateSaga(context.Background(), enrolment{StudentID: "abc"}, "TEST", "")
	require.NoError(t, err)

	rec := f.router.do(t, http.MethodPost, "/api/v1/sagas/"+sg.SagaID+"/replay", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// 创建后未启动的 saga 由重放执行第一步
	got, err := f.store.GetSaga(context.Background(), sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusInProgress, got.Status)
	assert.Equal(t, "VALIDATE", got.SagaState)
}

func TestForceStop(t *testing.T) {
	f := newFixture(t, nil)
	sg, err := f.orch.CreateSaga(context.Background(), enrolment{StudentID: "abc"}, "TEST", "")
	require.NoError(t, err)

	rec := f.router.do(t, http.MethodPost, "/api/v1/sagas/"+sg.SagaID+"/force-stop", `{"user":"ops"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stopped := decode[saga.Saga](t, rec).Data
	assert.Equal(t, saga.StatusForceStopped, stopped.Status)
	assert.Equal(t, "ops", stopped.UpdateUser)

	rec = f.router.do(t, http.MethodPost, "/api/v1/sagas/"+sg.SagaID+"/force-stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(apperrors.ErrCodeSagaState), decode[any](t, rec).Code)

	rec = f.router.do(t, http.MethodPost, "/api/v1/sagas/"+sg.SagaID+"/replay", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCorrelationIDIsPropagated(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", bytes.NewReader(nil))
	req.Header.Set(HeaderCorrelationID, "corr-1")
	rec := httptest.NewRecorder()
	f.router.h.ServeHTTP(rec, req)
	assert.Equal(t, "corr-1", rec.Header().Get(HeaderCorrelationID))

	req = httptest.NewRequest(http.MethodPost, "/api/v1/sagas", strings.NewReader(`{"sagaName":"ENROL_SAGA","payload":{"studentID":"abc"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCorrelationID, "corr-2")
	rec = httptest.NewRecorder()
	f.router.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	started := decode[saga.Saga](t, rec).Data
	evt, err := f.events.Get(context.Background(), saga.OutboundEventID(started.SagaID, "start", saga.EventInitiated))
	require.NoError(t, err)
	assert.Equal(t, "corr-2", evt.CorrelationID)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{"saga not found", fmt.Errorf("%w: s-1", saga.ErrSagaNotFound), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"unknown saga", fmt.Errorf("%w: X", saga.ErrUnknownSaga), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"request not found", registration.ErrRequestNotFound, http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"terminal", saga.ErrSagaTerminal, http.StatusConflict, apperrors.ErrCodeSagaState},
		{"concurrent", saga.ErrConcurrentUpdate, http.StatusConflict, apperrors.ErrCodeConcurrency},
		{"invalid input", apperrors.NewError(apperrors.ErrCodeInvalidInput, "bad"), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{"no rows", sql.ErrNoRows, http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, apperrors.ErrCodeTimeout},
		{"database", apperrors.WrapDatabaseError(errors.New("disk full"), "insert"), http.StatusInternalServerError, apperrors.ErrCodeDatabase},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(tc.err)
			assert.Equal(t, tc.status, httpStatus(err))
			assert.Equal(t, tc.code, apperrors.GetErrorCode(err))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

type capturingPublisher struct{ ids []string }

func (p *capturingPublisher) Publish(_ context.Context, id string) error {
	p.ids = append(p.ids, id)
	return nil
}

func newRegistrationRouter(t *testing.T) (*httptestRouter, *capturingPublisher) {
	t.Helper()
	db := dbtest.NewSQLite(t, registration.Schema...)
	pub := &capturingPublisher{}
	router := NewRouter("test", Deps{
		Store:    saga.NewSQLStore(db),
		Registry: saga.NewRegistry(),
		Logger:   logging.NewNoopLogger(),
		Registrations: &registration.Intake{
			Requests:    registration.NewRequestStore(db, "TEST"),
			Events:      evstore.NewSQLEventStore(db),
			Publisher:   pub,
			EventsTopic: "sagaflow.registration.events",
			User:        "ADMIN_API",
		},
	})
	return &httptestRouter{h: router}, pub
}

func TestRegistrationRoutes(t *testing.T) {
	r, pub := newRegistrationRouter(t)

	rec := r.do(t, http.MethodPost, "/api/v1/registrations", `{"studentID":"abc","schoolID":"X"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[registration.Request](t, rec).Data
	assert.Equal(t, registration.RequestPending, created.Status)

	rec = r.do(t, http.MethodGet, "/api/v1/registrations/"+created.RequestID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", decode[registration.Request](t, rec).Data.StudentID)

	rec = r.do(t, http.MethodGet, "/api/v1/registrations/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = r.do(t, http.MethodPost, "/api/v1/registrations", `{"studentID":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = r.do(t, http.MethodPost, "/api/v1/registrations/reports", `{"schoolID":"X"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	accepted := decode[reportAccepted](t, rec).Data
	assert.Equal(t, []string{accepted.EventID}, pub.ids)
}
