package messaging

import (
	"context"
	"sync"
)

// Transport 消息传输接口。
//
// 两种订阅模式：
//   - Subscribe：队列组，组内仅一个成员收到消息（saga 步骤续接）
//   - SubscribeDurable：持久流，消费者离线期间的消息会在上线后投递，未确认的消息会重投（编排事件）
type Transport interface {
	Publish(ctx context.Context, topic string, evt *Event) error
	Subscribe(topic, group string, handler Handler) error
	SubscribeDurable(topic, durable string, handler Handler) error
	Start(ctx context.Context) error
	Close() error
}

// Handler 原始消息处理函数，负责对消息做出确认
type Handler func(ctx context.Context, msg *Message)

// Message 传输层投递的一条消息。
//
// Ack/Nak/Term 只有第一次调用生效；不支持确认语义的代理上为空操作。
type Message struct {
	Topic string
	ID    string
	Data  []byte
	// Attempt 投递次数，从 1 开始，代理不提供时为 0
	Attempt int

	ack, nak, term func() error
	once           sync.Once
}

// Settlement 消息确认回调
type Settlement struct {
	Ack  func() error
	Nak  func() error
	Term func() error
}

// NewMessage 创建消息
func NewMessage(topic, id string, data []byte, attempt int, s Settlement) *Message {
	return &Message{Topic: topic, ID: id, Data: data, Attempt: attempt, ack: s.Ack, nak: s.Nak, term: s.Term}
}

// Ack 确认处理成功
func (m *Message) Ack() error { return m.settle(m.ack) }

// Nak 处理失败，请求代理重投
func (m *Message) Nak() error { return m.settle(m.nak) }

// Term 终止投递，消息不再重试
func (m *Message) Term() error { return m.settle(m.term) }

func (m *Message) settle(fn func() error) (err error) {
	m.once.Do(func() {
		if fn != nil {
			err = fn()
		}
	})
	return err
}
