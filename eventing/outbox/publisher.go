package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "sagaflow/errors"
	"sagaflow/eventing"
	"sagaflow/eventing/store"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/monitoring"
	"sagaflow/patterns/retry"
)

const (
	pathSync  = "sync"
	pathSweep = "sweep"

	tracerName = "sagaflow/eventing/outbox"
)

// Publisher 从事件存储读取记录并通过 Transport 发送
type Publisher struct {
	store     store.IEventStore
	transport messaging.Transport
	cfg       Config
	log       logging.Logger
	metrics   *monitoring.Metrics
	clock     func() time.Time
	tracer    trace.Tracer

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// PublisherOption 发布器选项
type PublisherOption func(*Publisher)

// WithLogger 设置日志
func WithLogger(l logging.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *monitoring.Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithClock 设置时钟
func WithClock(clock func() time.Time) PublisherOption {
	return func(p *Publisher) { p.clock = clock }
}

// WithTracerProvider 设置链路追踪，默认使用全局 provider
func WithTracerProvider(tp trace.TracerProvider) PublisherOption {
	return func(p *Publisher) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewPublisher 创建发布器，cfg 的零值字段使用默认值
func NewPublisher(s store.IEventStore, t messaging.Transport, cfg Config, opts ...PublisherOption) *Publisher {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.User == "" {
		cfg.User = def.User
	}
	p := &Publisher{
		store:     s,
		transport: t,
		cfg:       cfg,
		log:       logging.ComponentLogger("eventing.outbox.publisher"),
		clock:     time.Now,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish 发送单条记录。
//
// 传输确认发送后翻转为 MESSAGE_PUBLISHED。传输失败时记录保持 DB_COMMITTED，
// 只记录 error 日志并返回 nil，由扫描补发。
func (p *Publisher) Publish(ctx context.Context, eventID string) error {
	evt, err := p.store.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if evt.Status != eventing.StatusDBCommitted {
		p.log.Debug(ctx, "事件已发布，跳过", logging.EventID(eventID))
		return nil
	}

	sendErr := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			p.log.Debug(ctx, "重试发送事件", logging.EventID(eventID), logging.Int("attempt", attempt))
		}
		return p.send(ctx, pathSync, evt)
	}, p.cfg.Retry)
	if sendErr != nil {
		p.metrics.OutboxPublish(pathSync, false)
		p.log.Error(ctx, "事件发送失败，等待扫描补发",
			logging.EventID(eventID), logging.EventType(string(evt.EventType)),
			logging.String("topic", evt.Topic), logging.Error(sendErr))
		return nil
	}

	p.metrics.OutboxPublish(pathSync, true)
	return p.afterSend(ctx, evt)
}

// send 每次发送一个 span，关联 ID 随消息一起发出
func (p *Publisher) send(ctx context.Context, path string, evt *eventing.DomainEvent) error {
	ctx, span := p.tracer.Start(ctx, "outbox.send "+evt.Topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", evt.Topic),
			attribute.String("messaging.message_id", evt.EventID),
			attribute.String("sagaflow.event_type", string(evt.EventType)),
			attribute.String("sagaflow.correlation_id", evt.CorrelationID),
			attribute.String("sagaflow.outbox_path", path),
		),
	)
	defer span.End()

	if err := p.transport.Publish(ctx, evt.Topic, evt.ToMessage()); err != nil {
		err = apperrors.WrapQueueError(err, "publish "+evt.EventID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (p *Publisher) afterSend(ctx context.Context, evt *eventing.DomainEvent) error {
	changed, err := p.store.MarkPublished(ctx, nil, evt.EventID, p.cfg.User)
	if err != nil {
		return apperrors.WrapDatabaseError(err, "mark published")
	}
	if !changed {
		p.log.Debug(ctx, "事件状态已被其他实例更新", logging.EventID(evt.EventID))
	}
	return nil
}

// FindAndPublishEvents 扫描并补发，单条失败不影响批次中其他记录
func (p *Publisher) FindAndPublishEvents(ctx context.Context) (int, error) {
	cutoff := p.clock().Add(-p.cfg.GracePeriod)
	events, err := p.store.FindCommittedBefore(ctx, cutoff, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find committed events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := 0
	for _, evt := range events {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if err := p.send(ctx, pathSweep, evt); err != nil {
			p.metrics.OutboxPublish(pathSweep, false)
			p.log.Error(ctx, "扫描补发失败",
				logging.EventID(evt.EventID), logging.String("topic", evt.Topic), logging.Error(err))
			if touchErr := p.store.Touch(ctx, evt.EventID); touchErr != nil {
				p.log.Warn(ctx, "刷新事件时间失败", logging.EventID(evt.EventID), logging.Error(touchErr))
			}
			continue
		}
		p.metrics.OutboxPublish(pathSweep, true)
		published++
		if err := p.afterSend(ctx, evt); err != nil {
			// 消息已发出，状态更新失败只会导致下一轮重复发送
			p.log.Error(ctx, "更新发布状态失败", logging.EventID(evt.EventID), logging.Error(err))
		}
	}

	p.log.Info(ctx, "扫描补发完成",
		logging.Int("found", len(events)), logging.Int("published", published))
	p.refreshGauges(ctx)
	return published, nil
}

func (p *Publisher) refreshGauges(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	m := make(map[string]int64, len(counts))
	for k, v := range counts {
		m[string(k)] = v
	}
	p.metrics.SetEventStoreRows(m)
}

// Start 启动内置扫描循环
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("outbox publisher already started")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.loop(ctx, p.stopCh, p.doneCh)
	return nil
}

// Stop 停止扫描循环并等待当前批次结束
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done
	return nil
}

// Close 实现关闭语义，便于作为资源统一管理
func (p *Publisher) Close() error {
	return p.Stop()
}

func (p *Publisher) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer func() { ticker.Stop(); close(doneCh) }()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.FindAndPublishEvents(ctx); err != nil {
				p.log.Error(ctx, "扫描循环执行失败", logging.Error(err))
			}
		}
	}
}

var _ IPublisher = (*Publisher)(nil)
