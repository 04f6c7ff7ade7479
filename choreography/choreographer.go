// Package choreography 处理跨服务的一次性通知事件。
//
// 幂等依赖收件箱：每个消费方按 (consumer, eventId) 记录收到的事件，只有 RECEIVED
// 的记录会被处理，处理成功后翻转为 PROCESSED。事件存储中的发件记录由发布者在
// 确认发送后翻转，与消费进度无关。
package choreography

import (
	"context"
	"sort"
	"sync"

	"sagaflow/eventing"
	"sagaflow/eventing/store"
	"sagaflow/logging"
	"sagaflow/messaging"
)

// HandlerFunc 编排事件处理函数
type HandlerFunc func(ctx context.Context, evt *messaging.Event) error

// Choreographer 按事件类型分发编排事件
type Choreographer struct {
	inbox    store.IInbox
	consumer string
	user     string
	log      logging.Logger
	locks    *keyedMutex

	mu       sync.RWMutex
	handlers map[messaging.EventType]HandlerFunc
}

// Option 选项
type Option func(*Choreographer)

// WithLogger 设置日志
func WithLogger(l logging.Logger) Option {
	return func(c *Choreographer) {
		if l != nil {
			c.log = l
		}
	}
}

// WithUser 设置写入 update_user 的操作人
func WithUser(user string) Option {
	return func(c *Choreographer) { c.user = user }
}

// NewChoreographer 创建处理器，consumer 标识收件箱记录的归属
func NewChoreographer(inbox store.IInbox, consumer string, opts ...Option) *Choreographer {
	c := &Choreographer{
		inbox:    inbox,
		consumer: consumer,
		user:     "CHOREOGRAPHER",
		log:      logging.ComponentLogger("choreography"),
		locks:    newKeyedMutex(),
		handlers: make(map[messaging.EventType]HandlerFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register 注册事件类型的处理函数
func (c *Choreographer) Register(eventType messaging.EventType, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = fn
}

// EventTypes 已注册的事件类型
func (c *Choreographer) EventTypes() []messaging.EventType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]messaging.EventType, 0, len(c.handlers))
	for et := range c.handlers {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Handle 实现 dispatch.EventHandler；返回错误时收件箱记录保持 RECEIVED，由重投或扫描重试
func (c *Choreographer) Handle(ctx context.Context, evt *messaging.Event) error {
	log := c.log.WithFields(logging.EventID(evt.EventID), logging.EventType(string(evt.EventType)))
	if evt.EventID == "" {
		log.Warn(ctx, "编排事件缺少 eventId，忽略")
		return nil
	}

	unlock := c.locks.Lock(evt.EventID)
	defer unlock()

	entry, err := c.inbox.Receive(ctx, c.consumer, evt, c.user)
	if err != nil {
		return err
	}
	if entry.Status != eventing.InboxReceived {
		log.Info(ctx, "事件已处理，忽略重复投递")
		return nil
	}

	c.mu.RLock()
	fn, ok := c.handlers[evt.EventType]
	c.mu.RUnlock()

	if !ok {
		log.Info(ctx, "没有对应的编排处理器，忽略")
		return c.markProcessed(ctx, log, evt.EventID)
	}

	if err := fn(ctx, evt); err != nil {
		log.Error(ctx, "编排处理器执行失败", logging.Error(err))
		return err
	}
	return c.markProcessed(ctx, log, evt.EventID)
}

func (c *Choreographer) markProcessed(ctx context.Context, log logging.Logger, eventID string) error {
	changed, err := c.inbox.MarkProcessed(ctx, c.consumer, eventID, c.user)
	if err != nil {
		return err
	}
	if !changed {
		log.Info(ctx, "收件箱记录已被其他实例更新")
	}
	return nil
}
