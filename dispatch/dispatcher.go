// Package dispatch 将入站消息路由到 saga 编排器或编排事件处理器，
// 在有界工作池上执行，并在处理完成后才确认消息。
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/monitoring"
)

// EventHandler 事件处理器
type EventHandler interface {
	Handle(ctx context.Context, evt *messaging.Event) error
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, evt *messaging.Event) error

func (f HandlerFunc) Handle(ctx context.Context, evt *messaging.Event) error { return f(ctx, evt) }

const (
	kindSaga   = "saga"
	kindEvent  = "event"
	kindNone   = "none"
	kindBroken = "malformed"

	tracerName = "sagaflow/dispatch"
)

// Config 分发器配置
type Config struct {
	// 工作池大小
	Workers int `yaml:"workers" validate:"gte=0"`
	// 单条消息处理超时，0 表示不限制
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// Dispatcher 消息分发器，拥有自己的工作池
type Dispatcher struct {
	pool    *WorkerPool
	timeout time.Duration
	log     logging.Logger
	metrics *monitoring.Metrics
	tracer  trace.Tracer

	mu     sync.RWMutex
	sagas  map[string]EventHandler
	events map[messaging.EventType]EventHandler
}

// Option 分发器选项
type Option func(*Dispatcher)

// WithLogger 设置日志
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *monitoring.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracerProvider 设置链路追踪，默认使用全局 provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		if tp != nil {
			d.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewDispatcher 创建分发器
func NewDispatcher(cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:    NewWorkerPool(cfg.Workers),
		timeout: cfg.HandlerTimeout,
		log:     logging.ComponentLogger("dispatch"),
		tracer:  otel.Tracer(tracerName),
		sagas:   make(map[string]EventHandler),
		events:  make(map[messaging.EventType]EventHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterSaga 按 saga 名称注册处理器
func (d *Dispatcher) RegisterSaga(sagaName string, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sagas[sagaName] = h
}

// RegisterEventType 按事件类型注册处理器（编排事件）
func (d *Dispatcher) RegisterEventType(eventType messaging.EventType, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[eventType] = h
}

// resolve 带 sagaName 的事件只交给对应 saga，其余按 eventType 查找
func (d *Dispatcher) resolve(evt *messaging.Event) (EventHandler, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if evt.SagaName != "" {
		if h, ok := d.sagas[evt.SagaName]; ok {
			return h, kindSaga
		}
		return nil, kindNone
	}
	if h, ok := d.events[evt.EventType]; ok {
		return h, kindEvent
	}
	return nil, kindNone
}

// HandleMessage 实现 messaging.Handler
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *messaging.Message) {
	evt, err := messaging.DecodeEvent(msg.Data)
	if err != nil {
		d.log.Error(ctx, "消息无法解析，丢弃",
			logging.String("topic", msg.Topic), logging.String("message_id", msg.ID), logging.Error(err))
		d.metrics.ObserveDispatch(kindBroken, monitoring.ResultTerm, 0)
		_ = msg.Term()
		return
	}

	h, kind := d.resolve(evt)
	if h == nil {
		msgText := "没有对应的处理器，忽略"
		if evt.SagaName != "" {
			msgText = "未注册的 saga，忽略"
		}
		d.log.Warn(ctx, msgText,
			logging.EventType(string(evt.EventType)), logging.String("saga_name", evt.SagaName),
			logging.EventID(evt.EventID))
		d.metrics.ObserveDispatch(kindNone, monitoring.ResultUnhandled, 0)
		_ = msg.Ack()
		return
	}

	task := func() { d.run(ctx, msg, evt, h, kind) }
	if err := d.pool.Submit(ctx, task); err != nil {
		d.log.Warn(ctx, "提交工作池失败，消息将重新投递",
			logging.EventID(evt.EventID), logging.Error(err))
		_ = msg.Nak()
	}
}

func (d *Dispatcher) run(ctx context.Context, msg *messaging.Message, evt *messaging.Event, h EventHandler, kind string) {
	ctx = messaging.WithCorrelationID(ctx, evt.CorrelationID)
	ctx, span := d.tracer.Start(ctx, "dispatch "+string(evt.EventType),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.message_id", evt.EventID),
			attribute.String("sagaflow.dispatch_kind", kind),
			attribute.String("sagaflow.saga_id", evt.SagaID),
			attribute.String("sagaflow.correlation_id", evt.CorrelationID),
			attribute.Int("messaging.attempt", msg.Attempt),
		),
	)
	defer span.End()

	start := time.Now()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	err := d.invoke(ctx, h, evt)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.Warn(ctx, "处理失败，消息已 nak",
			logging.EventID(evt.EventID), logging.EventType(string(evt.EventType)),
			logging.SagaID(evt.SagaID), logging.Int("attempt", msg.Attempt), logging.Error(err))
		d.metrics.ObserveDispatch(kind, monitoring.ResultNak, elapsed)
		_ = msg.Nak()
		return
	}
	d.metrics.ObserveDispatch(kind, monitoring.ResultAck, elapsed)
	_ = msg.Ack()
}

func (d *Dispatcher) invoke(ctx context.Context, h EventHandler, evt *messaging.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error(ctx, "处理器 panic，已恢复",
				logging.EventID(evt.EventID), logging.Any("panic", r), logging.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, evt)
}

// Close 停止接收并等待工作池排空
func (d *Dispatcher) Close() error {
	d.pool.Close()
	return nil
}
