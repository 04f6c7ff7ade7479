package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"sagaflow/collaborator"
	"sagaflow/config"
	apperrors "sagaflow/errors"
	"sagaflow/logging"
	"sagaflow/registration"
	"sagaflow/scheduler"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.DSN = ":memory:"
	cfg.Database.MaxOpenConns = 1
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.Mode = "test"
	cfg.Scheduler.Enabled = false
	cfg.Scheduler.LockAtLeastFor = 0
	cfg.Service.InstanceID = "test-1"
	return cfg
}

func startService(t *testing.T, cfg *config.Config, opts ...Option) *Service {
	t.Helper()
	ctx := context.Background()
	opts = append([]Option{WithConfig(cfg), WithLogger(logging.NewNoopLogger())}, opts...)
	s := New("", opts...)

	require.NoError(t, s.LoadConfig())
	require.NoError(t, s.SetupDependencies(ctx))
	require.NoError(t, s.StartBackgroundTasks(ctx))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func call(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

func getRegistration(t *testing.T, h http.Handler, id string) registration.Request {
	rec := call(t, h, http.MethodGet, "/api/v1/registrations/"+id, "")
	var env envelope[registration.Request]
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return env.Data
}

func TestService_RegistrationFlow(t *testing.T) {
	ctx := context.Background()
	s := startService(t, testConfig(), WithStudentLookup(collaborator.NewMemoryStudentLookup(
		&collaborator.Student{StudentID: "abc", SchoolID: "X", StatusCode: "A"})))
	h := s.Handler()

	rec := call(t, h, http.MethodPost, "/api/v1/registrations", `{"studentID":"abc","schoolID":"X"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created envelope[registration.Request]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	result, err := s.RunJob(ctx, JobSagaLauncher)
	require.NoError(t, err)
	assert.Equal(t, scheduler.ResultOK, result)

	assert.Eventually(t, func() bool {
		return getRegistration(t, h, created.Data.RequestID).Status == registration.RequestPublished
	}, 5*time.Second, 20*time.Millisecond)

	sagaID := getRegistration(t, h, created.Data.RequestID).SagaID
	rec = call(t, h, http.MethodGet, "/api/v1/sagas/"+sagaID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"COMPLETED"`)

	// 发件箱中没有待补发的记录
	result, err = s.RunJob(ctx, JobOutboxSweep)
	require.NoError(t, err)
	assert.Equal(t, scheduler.ResultOK, result)

	result, err = s.RunJob(ctx, JobSagaRecovery)
	require.NoError(t, err)
	assert.Equal(t, scheduler.ResultOK, result)

	_, err = s.RunJob(ctx, "unknown")
	assert.True(t, apperrors.IsNotFound(err))
}

// 调度器关闭时启动阶段仍执行一次恢复
func TestService_RecoveryRunsAtStartup(t *testing.T) {
	s := startService(t, testConfig())
	assert.Equal(t, float64(1),
		testutil.ToFloat64(s.metrics.SchedulerRunsTotal.WithLabelValues(JobSagaRecovery, scheduler.ResultOK)))
	assert.Zero(t, testutil.ToFloat64(s.metrics.SchedulerRunsTotal.WithLabelValues(JobOutboxSweep, scheduler.ResultOK)))
}

func TestService_HealthAndMetrics(t *testing.T) {
	s := startService(t, testConfig())
	h := s.Handler()

	rec := call(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestService_RunStopsOnCancel(t *testing.T) {
	s := startService(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestService_LoadConfigRejectsInvalid(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Kind = "kafka"
	s := New("", WithConfig(cfg), WithLogger(logging.NewNoopLogger()))
	assert.Error(t, s.LoadConfig())
}

func TestService_SchedulerJobsRegistered(t *testing.T) {
	s := startService(t, testConfig())
	assert.ElementsMatch(t, []string{JobOutboxSweep, JobSagaRecovery, JobSagaLauncher}, s.scheduler.Jobs())
}
