// Package natsjetstream 基于 NATS 的消息传输实现。
//
// 队列组订阅使用核心 NATS QueueSubscribe；主题落在 JetStream 流内时，
// 发布走 JetStream 并以 eventId 作为去重 ID，持久订阅使用 durable consumer。
package natsjetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	apperrors "sagaflow/errors"
	"sagaflow/logging"
	"sagaflow/messaging"
)

var ErrNotRunning = errors.New("nats transport not running")

// Config 传输配置
type Config struct {
	URL  string
	Name string
	// Conn 外部注入的连接，Close 时不关闭
	Conn *nats.Conn

	Stream         string
	StreamSubjects []string
	// Retention limits|interest|workqueue，默认 limits
	Retention     string
	MaxAge        time.Duration
	DuplicateWin  time.Duration
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
	// NakDelay Nak 后的重投延迟
	NakDelay       time.Duration
	PublishTimeout time.Duration
	Logger         logging.Logger
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "sagaflow"
	}
	if c.Stream == "" {
		c.Stream = "SAGAFLOW_EVENTS"
	}
	if len(c.StreamSubjects) == 0 {
		c.StreamSubjects = []string{"sagaflow.*.events"}
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.DuplicateWin <= 0 {
		c.DuplicateWin = 10 * time.Minute
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 20
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1024
	}
	if c.NakDelay <= 0 {
		c.NakDelay = 2 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.ComponentLogger("transport.nats")
	}
}

type subscription struct {
	topic   string
	group   string
	durable bool
	handler messaging.Handler
	sub     *nats.Subscription
}

// Transport 实现 messaging.Transport
type Transport struct {
	cfg    Config
	logger logging.Logger

	mu       sync.RWMutex
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool
	subs     []*subscription
	running  bool
	ctx      context.Context
}

// NewTransport 创建传输实例，连接在 Start 时建立
func NewTransport(cfg Config) *Transport {
	cfg.applyDefaults()
	return &Transport{cfg: cfg, logger: cfg.Logger}
}

// Conn 返回底层连接，未启动时为 nil（供 request/reply 客户端复用）
func (t *Transport) Conn() *nats.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// Publish 发布事件。流内主题等待 JetStream PubAck，其余主题在 Flush 返回后视为已送达
func (t *Transport) Publish(ctx context.Context, topic string, evt *messaging.Event) error {
	t.mu.RLock()
	conn, js, running := t.conn, t.js, t.running
	t.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	data, err := messaging.EncodeEvent(evt)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.PublishTimeout)
		defer cancel()
	}

	if t.inStream(topic) {
		opts := []nats.PubOpt{nats.Context(ctx)}
		if evt.EventID != "" {
			opts = append(opts, nats.MsgId(evt.EventID))
		}
		ack, err := js.Publish(topic, data, opts...)
		if err != nil {
			return apperrors.WrapQueueError(err, "jetstream publish "+topic)
		}
		if ack.Duplicate {
			t.logger.Debug(ctx, "JetStream 去重窗口内的重复消息", logging.String("topic", topic), logging.EventID(evt.EventID))
		}
		return nil
	}

	if err := conn.Publish(topic, data); err != nil {
		return apperrors.WrapQueueError(err, "nats publish "+topic)
	}
	return apperrors.WrapQueueError(conn.FlushWithContext(ctx), "nats flush "+topic)
}

// Subscribe 加入队列组
func (t *Transport) Subscribe(topic, group string, handler messaging.Handler) error {
	return t.addSubscription(&subscription{topic: topic, group: group, handler: handler})
}

// SubscribeDurable 创建 JetStream durable consumer，主题必须落在流内
func (t *Transport) SubscribeDurable(topic, durable string, handler messaging.Handler) error {
	if !t.inStream(topic) {
		return fmt.Errorf("topic %s is not covered by stream %s", topic, t.cfg.Stream)
	}
	return t.addSubscription(&subscription{topic: topic, group: durable, durable: true, handler: handler})
}

func (t *Transport) addSubscription(s *subscription) error {
	if s.handler == nil {
		return errors.New("nats transport: nil handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, s)
	if t.running {
		return t.bindLocked(s)
	}
	return nil
}

// Start 建立连接、确保流存在并绑定已登记的订阅
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("nats transport already running")
	}
	if err := t.ensureConnection(); err != nil {
		return err
	}
	if err := t.ensureStream(); err != nil {
		return err
	}
	t.ctx = ctx
	for _, s := range t.subs {
		if err := t.bindLocked(s); err != nil {
			return err
		}
	}
	t.running = true
	t.logger.Info(ctx, "NATS 传输已启动", logging.String("url", t.cfg.URL), logging.String("stream", t.cfg.Stream))
	return nil
}

// Close 排空订阅并关闭自有连接
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		if s.sub != nil {
			_ = s.sub.Drain()
			s.sub = nil
		}
	}
	t.running = false
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.js = nil
	return nil
}

func (t *Transport) ensureConnection() error {
	if t.conn != nil {
		return nil
	}
	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
	} else {
		conn, err := nats.Connect(t.cfg.URL,
			nats.Name(t.cfg.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				t.logger.Warn(context.Background(), "NATS 连接断开", logging.Error(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				t.logger.Info(context.Background(), "NATS 已重连", logging.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		t.conn = conn
		t.ownsConn = true
	}
	js, err := t.conn.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}
	t.js = js
	return nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", t.cfg.Stream, err)
	}

	retention := nats.LimitsPolicy
	switch strings.ToLower(t.cfg.Retention) {
	case "interest":
		retention = nats.InterestPolicy
	case "workqueue":
		retention = nats.WorkQueuePolicy
	}
	_, err = t.js.AddStream(&nats.StreamConfig{
		Name:       t.cfg.Stream,
		Subjects:   t.cfg.StreamSubjects,
		Retention:  retention,
		MaxAge:     t.cfg.MaxAge,
		Duplicates: t.cfg.DuplicateWin,
		Storage:    nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", t.cfg.Stream, err)
	}
	return nil
}

func (t *Transport) bindLocked(s *subscription) error {
	if s.sub != nil {
		return nil
	}
	var (
		sub *nats.Subscription
		err error
	)
	switch {
	case s.durable:
		sub, err = t.js.Subscribe(s.topic, t.callback(s, true),
			nats.Durable(s.group),
			nats.ManualAck(),
			nats.DeliverAll(),
			nats.AckWait(t.cfg.AckWait),
			nats.MaxDeliver(t.cfg.MaxDeliver),
			nats.MaxAckPending(t.cfg.MaxAckPending))
	case t.inStream(s.topic):
		// 流内主题的队列组由 JetStream 负责确认与重投
		sub, err = t.js.QueueSubscribe(s.topic, s.group, t.callback(s, true),
			nats.Durable(s.group),
			nats.ManualAck(),
			nats.AckWait(t.cfg.AckWait),
			nats.MaxDeliver(t.cfg.MaxDeliver),
			nats.MaxAckPending(t.cfg.MaxAckPending))
	default:
		sub, err = t.conn.QueueSubscribe(s.topic, s.group, t.callback(s, false))
	}
	if err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", s.topic, s.group, err)
	}
	s.sub = sub
	return nil
}

func (t *Transport) callback(s *subscription, acked bool) nats.MsgHandler {
	return func(m *nats.Msg) {
		ctx := t.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		s.handler(ctx, t.wrap(m, acked))
	}
}

func (t *Transport) wrap(m *nats.Msg, acked bool) *messaging.Message {
	id := m.Header.Get(nats.MsgIdHdr)
	attempt := 0
	var settlement messaging.Settlement
	if acked {
		if meta, err := m.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
			if id == "" {
				id = strconv.FormatUint(meta.Sequence.Stream, 10)
			}
		}
		settlement = messaging.Settlement{
			Ack:  func() error { return m.Ack() },
			Nak:  func() error { return m.NakWithDelay(t.cfg.NakDelay) },
			Term: func() error { return m.Term() },
		}
	}
	return messaging.NewMessage(m.Subject, id, m.Data, attempt, settlement)
}

func (t *Transport) inStream(topic string) bool {
	for _, pattern := range t.cfg.StreamSubjects {
		if subjectMatches(pattern, topic) {
			return true
		}
	}
	return false
}

// subjectMatches 按 NATS 通配规则匹配主题：* 匹配一个 token，> 匹配剩余所有 token
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
