// Package memory 提供基于内存队列的消息传输实现
// 适用于单机部署、开发环境和测试场景
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"sagaflow/logging"
	"sagaflow/messaging"
)

var (
	ErrNotRunning = errors.New("memory transport is not running")
	ErrQueueFull  = errors.New("memory transport queue is full")
)

// Config 内存传输配置
type Config struct {
	QueueSize       int
	WorkerCount     int
	RedeliveryDelay time.Duration
	// MaxDeliver Nak 后的最大投递次数，<=0 表示不限
	MaxDeliver int
	// RetainLimit 每个主题保留的历史消息数，新的持久订阅会从头收到这些消息
	RetainLimit int
	Logger      logging.Logger
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		QueueSize:       1000,
		WorkerCount:     4,
		RedeliveryDelay: 50 * time.Millisecond,
		MaxDeliver:      10,
		RetainLimit:     10000,
	}
}

type queueGroup struct {
	handlers []messaging.Handler
	next     int
}

type topic struct {
	groups   map[string]*queueGroup
	durables map[string]messaging.Handler
	log      [][]byte
}

type delivery struct {
	topic   string
	id      string
	data    []byte
	attempt int
	handler messaging.Handler
}

// MemoryTransport 内存消息传输实现
//
// 队列组按轮询选择组内一个处理器；持久订阅收到主题的全部历史消息，
// Nak 的消息在 RedeliveryDelay 后重新入队。
type MemoryTransport struct {
	cfg    Config
	logger logging.Logger

	mu      sync.RWMutex
	topics  map[string]*topic
	queue   chan *delivery
	running bool
	ctx     context.Context
	wg      sync.WaitGroup
	seq     atomic.Uint64
}

// NewMemoryTransport 创建内存传输实例，非正数配置项使用默认值
func NewMemoryTransport(cfg Config) *MemoryTransport {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = def.RedeliveryDelay
	}
	if cfg.RetainLimit <= 0 {
		cfg.RetainLimit = def.RetainLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("transport.memory")
	}
	return &MemoryTransport{
		cfg:    cfg,
		logger: cfg.Logger,
		topics: make(map[string]*topic),
		queue:  make(chan *delivery, cfg.QueueSize),
	}
}

func (t *MemoryTransport) topicLocked(name string) *topic {
	tp, ok := t.topics[name]
	if !ok {
		tp = &topic{groups: make(map[string]*queueGroup), durables: make(map[string]messaging.Handler)}
		t.topics[name] = tp
	}
	return tp
}

// Publish 发布事件到主题
func (t *MemoryTransport) Publish(ctx context.Context, topicName string, evt *messaging.Event) error {
	data, err := messaging.EncodeEvent(evt)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrNotRunning
	}
	id := strconv.FormatUint(t.seq.Add(1), 10)
	tp := t.topicLocked(topicName)

	tp.log = append(tp.log, data)
	if over := len(tp.log) - t.cfg.RetainLimit; over > 0 {
		tp.log = tp.log[over:]
	}

	var out []*delivery
	for _, g := range tp.groups {
		if len(g.handlers) == 0 {
			continue
		}
		h := g.handlers[g.next%len(g.handlers)]
		g.next++
		out = append(out, &delivery{topic: topicName, id: id, data: data, attempt: 1, handler: h})
	}
	for _, h := range tp.durables {
		out = append(out, &delivery{topic: topicName, id: id, data: data, attempt: 1, handler: h})
	}
	defer t.mu.Unlock()

	for _, d := range out {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case t.queue <- d:
		default:
			return ErrQueueFull
		}
	}
	return nil
}

// Subscribe 加入队列组
func (t *MemoryTransport) Subscribe(topicName, group string, handler messaging.Handler) error {
	if handler == nil {
		return errors.New("memory transport: nil handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tp := t.topicLocked(topicName)
	g, ok := tp.groups[group]
	if !ok {
		g = &queueGroup{}
		tp.groups[group] = g
	}
	g.handlers = append(g.handlers, handler)
	return nil
}

// SubscribeDurable 创建或重新绑定持久订阅；首次创建时回放主题历史消息
func (t *MemoryTransport) SubscribeDurable(topicName, durable string, handler messaging.Handler) error {
	if handler == nil {
		return errors.New("memory transport: nil handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tp := t.topicLocked(topicName)
	_, existed := tp.durables[durable]
	tp.durables[durable] = handler
	if existed || !t.running {
		return nil
	}
	for i, data := range tp.log {
		d := &delivery{topic: topicName, id: "replay-" + strconv.Itoa(i), data: data, attempt: 1, handler: handler}
		select {
		case t.queue <- d:
		default:
			t.logger.Warn(t.ctx, "回放历史消息时队列已满", logging.String("topic", topicName), logging.String("durable", durable))
			return ErrQueueFull
		}
	}
	return nil
}

// Start 启动 Worker 池
func (t *MemoryTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("memory transport is already running")
	}
	t.running = true
	t.ctx = ctx
	for i := 0; i < t.cfg.WorkerCount; i++ {
		t.wg.Add(1)
		go t.worker(ctx)
	}
	return nil
}

// Close 停止接收新消息，等待 Worker 处理完队列中已有的消息
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.queue)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

func (t *MemoryTransport) worker(ctx context.Context) {
	defer t.wg.Done()
	for d := range t.queue {
		t.deliver(ctx, d)
	}
}

func (t *MemoryTransport) deliver(ctx context.Context, d *delivery) {
	msg := messaging.NewMessage(d.topic, d.id, d.data, d.attempt, messaging.Settlement{
		Nak: func() error { t.redeliver(d); return nil },
	})

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error(ctx, "消息处理器 panic", logging.String("topic", d.topic), logging.Any("panic", r))
			_ = msg.Nak()
		}
	}()
	d.handler(ctx, msg)
}

func (t *MemoryTransport) redeliver(d *delivery) {
	if t.cfg.MaxDeliver > 0 && d.attempt >= t.cfg.MaxDeliver {
		t.logger.Warn(t.ctx, "超过最大投递次数，丢弃消息",
			logging.String("topic", d.topic), logging.String("message_id", d.id), logging.Int("attempt", d.attempt))
		return
	}
	next := &delivery{topic: d.topic, id: d.id, data: d.data, attempt: d.attempt + 1, handler: d.handler}
	time.AfterFunc(t.cfg.RedeliveryDelay, func() {
		t.mu.RLock()
		defer t.mu.RUnlock()
		if !t.running {
			return
		}
		select {
		case t.queue <- next:
		default:
			t.logger.Warn(t.ctx, "重投时队列已满", logging.String("topic", next.topic), logging.String("message_id", next.id))
		}
	})
}
