// Package store 提供事件存储（Event Store）的持久化实现。
//
// 事件存储同时承担发件箱（outbox）与编排收件箱（inbox）的角色：
// 业务写入与事件记录在同一事务中提交，之后由发布者或编排处理器翻转状态。
package store

import (
	"context"
	"time"

	"sagaflow/eventing"
	"sagaflow/logging"
	"sagaflow/storage/database"
)

// IEventStore 事件存储接口
//
// 写方法接受 exec 参数：传入事务即加入调用方事务，传 nil 使用存储自身连接。
type IEventStore interface {
	// Record 以 DB_COMMITTED 状态插入事件，EventID 为空时自动生成
	Record(ctx context.Context, exec database.IDatabase, evt *eventing.DomainEvent) (string, error)

	// RecordIfAbsent 插入事件，EventID 已存在时不做任何修改并返回 false
	RecordIfAbsent(ctx context.Context, exec database.IDatabase, evt *eventing.DomainEvent) (bool, error)

	// Get 按 ID 读取，不存在返回 eventing.ErrEventNotFound
	Get(ctx context.Context, eventID string) (*eventing.DomainEvent, error)

	// FindCommittedBefore 查找 updated_at 早于 cutoff 的 DB_COMMITTED 记录，按创建时间升序
	FindCommittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*eventing.DomainEvent, error)

	// MarkPublished 条件更新 DB_COMMITTED -> MESSAGE_PUBLISHED，返回是否由本次调用完成翻转
	MarkPublished(ctx context.Context, exec database.IDatabase, eventID, user string) (bool, error)

	// Touch 刷新 updated_at，使失败记录重新进入宽限窗口
	Touch(ctx context.Context, eventID string) error

	// CountByStatus 各状态记录数
	CountByStatus(ctx context.Context) (map[eventing.Status]int64, error)
}

// Option 存储选项
type Option func(*options)

type options struct {
	logger logging.Logger
	clock  func() time.Time
}

// WithLogger 设置日志
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock 设置时钟（测试中用于构造历史记录）
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: logging.ComponentLogger("eventstore"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
