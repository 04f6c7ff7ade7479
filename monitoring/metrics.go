// Package monitoring 提供 Prometheus 指标，所有方法对 nil 接收者安全
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 消息处理结果标签
const (
	ResultAck       = "ack"
	ResultNak       = "nak"
	ResultTerm      = "term"
	ResultUnhandled = "unhandled"
)

// Metrics sagaflow 运行指标
type Metrics struct {
	DispatchedTotal      *prometheus.CounterVec
	DispatchDuration     *prometheus.HistogramVec
	SagaTransitionsTotal *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
	OutboxPublishTotal   *prometheus.CounterVec
	EventStoreRows       *prometheus.GaugeVec
	SchedulerRunsTotal   *prometheus.CounterVec
	ActiveSagas          prometheus.Gauge
}

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// NewMetrics 创建指标并注册到 reg；reg 为 nil 时不注册（测试场景）
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_messages_total",
			Help:      "Inbound messages by handler kind and settlement result",
		}, []string{"kind", "result"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Handler execution latency",
			Buckets:   durationBuckets,
		}, []string{"kind"}),
		SagaTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_transitions_total",
			Help:      "Saga status transitions",
		}, []string{"saga_name", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_step_duration_seconds",
			Help:      "Saga step handler latency",
			Buckets:   durationBuckets,
		}, []string{"saga_name", "event_type"}),
		OutboxPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_total",
			Help:      "Outbox publish attempts by path and result",
		}, []string{"path", "result"}),
		EventStoreRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_store_rows",
			Help:      "Event store rows by status",
		}, []string{"status"}),
		SchedulerRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Scheduled job executions by result",
		}, []string{"job", "result"}),
		ActiveSagas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sagas",
			Help:      "Sagas in STARTED or IN_PROGRESS status at the last launcher run",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.DispatchedTotal, m.DispatchDuration,
			m.SagaTransitionsTotal, m.StepDuration,
			m.OutboxPublishTotal, m.EventStoreRows,
			m.SchedulerRunsTotal, m.ActiveSagas,
		)
	}
	return m
}

func (m *Metrics) ObserveDispatch(kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DispatchedTotal.WithLabelValues(kind, result).Inc()
	if elapsed > 0 {
		m.DispatchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) SagaTransition(sagaName, status string) {
	if m == nil {
		return
	}
	m.SagaTransitionsTotal.WithLabelValues(sagaName, status).Inc()
}

func (m *Metrics) ObserveStep(sagaName, eventType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(sagaName, eventType).Observe(elapsed.Seconds())
}

func (m *Metrics) OutboxPublish(path string, ok bool) {
	if m == nil {
		return
	}
	result := "published"
	if !ok {
		result = "failed"
	}
	m.OutboxPublishTotal.WithLabelValues(path, result).Inc()
}

func (m *Metrics) SetEventStoreRows(counts map[string]int64) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.EventStoreRows.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SchedulerRun(job, result string) {
	if m == nil {
		return
	}
	m.SchedulerRunsTotal.WithLabelValues(job, result).Inc()
}

func (m *Metrics) SetActiveSagas(n int) {
	if m == nil {
		return
	}
	m.ActiveSagas.Set(float64(n))
}

// Handler /metrics 端点
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
