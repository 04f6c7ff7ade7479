// Package redisstreams 基于 Redis Streams 消费组的消息传输实现
package redisstreams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "sagaflow/errors"
	"sagaflow/logging"
	"sagaflow/messaging"
)

var ErrNotRunning = errors.New("redis streams transport not running")

const (
	fieldEvent       = "event"
	fieldEventID     = "event_id"
	fieldPublishedAt = "published_at"
)

// client go-redis 命令子集，便于测试替换
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config Redis Streams 传输配置
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
	// ClaimIdle 未确认消息空闲超过该时长后被重新认领投递
	ClaimIdle time.Duration
	// MaxLen 流近似最大长度，0 表示不裁剪
	MaxLen         int64
	MinReadBackoff time.Duration
	MaxReadBackoff time.Duration
	Logger         logging.Logger
}

type subscription struct {
	topic   string
	group   string
	start   string
	handler messaging.Handler
	started bool
}

// Transport 实现 messaging.Transport。
//
// 队列组与持久订阅都映射为消费组：队列组从 $ 开始只消费新消息，
// 持久订阅从 0 开始消费流中全部历史。Nak 的消息保持 pending，
// 空闲超过 ClaimIdle 后通过 XAUTOCLAIM 重投。
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	mu      sync.Mutex
	subs    []*subscription
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTransport 创建传输实例
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "stream:"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("transport.redisstreams")
	}

	var (
		cl  client
		own bool
	)
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis address not configured")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		own = true
	}

	return &Transport{cfg: cfg, client: cl, ownClient: own, logger: cfg.Logger}, nil
}

// Publish 追加事件到主题对应的流
func (t *Transport) Publish(ctx context.Context, topic string, evt *messaging.Event) error {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	data, err := messaging.EncodeEvent(evt)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: t.streamName(topic),
		Values: map[string]any{
			fieldEvent:       string(data),
			fieldEventID:     evt.EventID,
			fieldPublishedAt: time.Now().UnixNano(),
		},
	}
	if t.cfg.MaxLen > 0 {
		args.MaxLen = t.cfg.MaxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return apperrors.WrapQueueError(err, "xadd "+args.Stream)
	}
	return nil
}

// Subscribe 队列组订阅，只消费订阅之后的新消息
func (t *Transport) Subscribe(topic, group string, handler messaging.Handler) error {
	return t.add(&subscription{topic: topic, group: group, start: "$", handler: handler})
}

// SubscribeDurable 持久订阅，首次创建消费组时从流起点消费
func (t *Transport) SubscribeDurable(topic, durable string, handler messaging.Handler) error {
	return t.add(&subscription{topic: topic, group: durable, start: "0", handler: handler})
}

func (t *Transport) add(s *subscription) error {
	if s.handler == nil {
		return errors.New("redis streams transport: nil handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, s)
	if t.running {
		t.startReaderLocked(s)
	}
	return nil
}

// Start 为每个订阅启动读取协程
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("redis streams transport already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.running = true
	for _, s := range t.subs {
		t.startReaderLocked(s)
	}
	return nil
}

// Close 停止读取协程，自有客户端一并关闭
func (t *Transport) Close() error {
	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	if wasRunning && cancel != nil {
		cancel()
		t.wg.Wait()
	}
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

func (t *Transport) startReaderLocked(s *subscription) {
	if s.started {
		return
	}
	s.started = true
	stream := t.streamName(s.topic)
	// 先同步创建消费组，保证 Start 返回后发布的消息不会被 $ 起点跳过
	if err := t.ensureGroup(t.ctx, stream, s.group, s.start); err != nil {
		t.logger.Warn(t.ctx, "创建消费组失败", logging.String("stream", stream), logging.String("group", s.group), logging.Error(err))
	}
	t.wg.Add(1)
	go t.readLoop(s, stream)
}

func (t *Transport) readLoop(s *subscription, stream string) {
	defer t.wg.Done()
	ctx := t.ctx

	args := &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.BlockTimeout,
	}
	backoff := t.cfg.MinReadBackoff
	for ctx.Err() == nil {
		t.reclaim(ctx, s, stream)

		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				_ = t.ensureGroup(ctx, stream, s.group, s.start)
			}
			t.logger.Warn(ctx, "XREADGROUP 读取失败", logging.String("stream", stream), logging.Duration("backoff", backoff), logging.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, t.cfg.MaxReadBackoff)
			continue
		}
		backoff = t.cfg.MinReadBackoff
		for _, sr := range res {
			for _, entry := range sr.Messages {
				t.deliver(ctx, s, stream, entry, 1)
			}
		}
	}
}

// reclaim 认领空闲超时的 pending 消息并重投
func (t *Transport) reclaim(ctx context.Context, s *subscription, stream string) {
	msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    s.group,
		Consumer: t.cfg.ConsumerName,
		MinIdle:  t.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    t.cfg.ReadCount,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			t.logger.Debug(ctx, "XAUTOCLAIM 认领失败", logging.String("stream", stream), logging.Error(err))
		}
		return
	}
	for _, entry := range msgs {
		t.deliver(ctx, s, stream, entry, 2)
	}
}

func (t *Transport) deliver(ctx context.Context, s *subscription, stream string, entry redis.XMessage, attempt int) {
	ack := func() error { return t.client.XAck(ctx, stream, s.group, entry.ID).Err() }

	data, err := decodeEntry(entry)
	if err != nil {
		t.logger.Warn(ctx, "解析 Redis Stream 消息失败", logging.String("entry_id", entry.ID), logging.Error(err))
		_ = ack()
		return
	}
	msg := messaging.NewMessage(s.topic, entry.ID, data, attempt, messaging.Settlement{
		Ack:  ack,
		Nak:  func() error { return nil },
		Term: ack,
	})
	s.handler(ctx, msg)
}

func (t *Transport) ensureGroup(ctx context.Context, stream, group, start string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err == nil || strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func (t *Transport) streamName(topic string) string {
	return t.cfg.StreamPrefix + topic
}

func decodeEntry(entry redis.XMessage) ([]byte, error) {
	raw, ok := entry.Values[fieldEvent]
	if !ok {
		return nil, fmt.Errorf("entry %s has no %s field", entry.ID, fieldEvent)
	}
	switch v := raw.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("entry %s: unexpected %s type %T", entry.ID, fieldEvent, v)
	}
}
