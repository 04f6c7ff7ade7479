// Package outbox 实现 Outbox Pattern 的发布侧
//
// 业务事务内通过 store.IEventStore.Record 写入 DB_COMMITTED 记录，提交后调用
// Publisher.Publish 立即尝试发送；发送失败的记录由 FindAndPublishEvents 周期扫描补发。
// 投递语义为至少一次，消费方按 eventId 幂等。
package outbox

import (
	"context"
	"time"

	"sagaflow/patterns/retry"
)

// IPublisher 定义 Outbox 发布器接口
type IPublisher interface {
	// Publish 提交后立即发送一条记录，传输失败只记录日志，不向调用方返回错误
	Publish(ctx context.Context, eventID string) error

	// FindAndPublishEvents 扫描超过宽限期仍未发布的记录并逐条补发，返回成功发送数
	FindAndPublishEvents(ctx context.Context) (int, error)

	// Start 启动后台扫描循环
	Start(ctx context.Context) error

	// Stop 停止后台扫描循环
	Stop() error
}

// Config Outbox 配置
type Config struct {
	// 扫描间隔（仅 Start 启动的内置循环使用，服务模式由 scheduler 驱动）
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`

	// 宽限期：updated_at 早于 now-GracePeriod 的记录才会被扫描，避免与同步发送路径竞争
	GracePeriod time.Duration `yaml:"grace_period" validate:"gte=0"`

	// 每次扫描的最大记录数
	BatchSize int `yaml:"batch_size" validate:"gt=0"`

	// 同步发送路径的重试策略
	Retry retry.Config `yaml:"retry"`

	// 写入 update_user 的操作人
	User string `yaml:"user"`

	// 健康检查阈值
	MaxPendingCount int64         `yaml:"max_pending_count"`
	MaxPendingAge   time.Duration `yaml:"max_pending_age"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		SweepInterval:   time.Minute,
		GracePeriod:     5 * time.Minute,
		BatchSize:       500,
		Retry:           retry.DefaultConfig(),
		User:            "OUTBOX_PUBLISHER",
		MaxPendingCount: 10000,
		MaxPendingAge:   time.Hour,
	}
}
