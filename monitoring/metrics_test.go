package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordAndExpose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("sagaflow", reg)

	m.ObserveDispatch("saga", ResultAck, 10*time.Millisecond)
	m.ObserveDispatch("saga", ResultAck, 0)
	m.SagaTransition("PUBLISH_STUDENT_REGISTRATION_SAGA", "COMPLETED")
	m.OutboxPublish("sweep", false)
	m.SetEventStoreRows(map[string]int64{"DB_COMMITTED": 3})
	m.SchedulerRun("outbox-sweep", "skipped")
	m.SetActiveSagas(42)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DispatchedTotal.WithLabelValues("saga", ResultAck)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxPublishTotal.WithLabelValues("sweep", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventStoreRows.WithLabelValues("DB_COMMITTED")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.ActiveSagas))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sagaflow_saga_transitions_total")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDispatch("x", ResultNak, time.Second)
		m.SagaTransition("x", "ERROR")
		m.ObserveStep("x", "y", time.Second)
		m.OutboxPublish("sync", true)
		m.SetEventStoreRows(nil)
		m.SchedulerRun("x", "run")
		m.SetActiveSagas(1)
	})
}
