package eventing

import (
	"time"

	"sagaflow/messaging"
)

// InboxStatus 收件箱记录状态
type InboxStatus string

const (
	// InboxReceived 已收到，处理器尚未成功执行
	InboxReceived InboxStatus = "RECEIVED"
	// InboxProcessed 处理器已成功执行，重复投递直接忽略
	InboxProcessed InboxStatus = "PROCESSED"
)

// InboxEntry 编排消费方收件箱中的一行，按 (Consumer, EventID) 唯一
type InboxEntry struct {
	Consumer   string
	EventID    string
	EventType  messaging.EventType
	Status     InboxStatus
	CreateUser string
	CreatedAt  time.Time
	UpdateUser string
	UpdatedAt  time.Time
}
