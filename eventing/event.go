// Package eventing 定义事件存储中的领域事件记录
package eventing

import (
	"time"

	"sagaflow/messaging"
)

// Status 事件存储记录状态
type Status string

const (
	// StatusDBCommitted 已随业务写入提交，尚未确认投递
	StatusDBCommitted Status = "DB_COMMITTED"
	// StatusMessagePublished 传输已确认发送
	StatusMessagePublished Status = "MESSAGE_PUBLISHED"
)

// DeliveryMode 投递模式，对应主题的订阅方式
type DeliveryMode string

const (
	// DeliveryQueue saga 步骤续接，队列组内只有一个成员收到
	DeliveryQueue DeliveryMode = "QUEUE"
	// DeliveryStream 编排通知，持久流，消费方按收件箱去重
	DeliveryStream DeliveryMode = "STREAM"
)

// DomainEvent 事件存储中的一行，记录永不删除
type DomainEvent struct {
	EventID      string
	SagaID       string
	SagaName     string
	EventType    messaging.EventType
	EventOutcome messaging.EventOutcome
	EventPayload string
	// 关联字段随信封原样传递
	AssessmentStudentID   string
	StagedStudentResultID string
	CorrelationID         string
	Topic                 string
	ReplyTo               string
	DeliveryMode          DeliveryMode
	Status                Status
	CreateUser            string
	CreatedAt             time.Time
	UpdateUser            string
	UpdatedAt             time.Time
}

// ToMessage 转换为线上传输的事件信封
func (e *DomainEvent) ToMessage() *messaging.Event {
	return &messaging.Event{
		EventID:      e.EventID,
		EventType:    e.EventType,
		EventOutcome: e.EventOutcome,
		SagaID:       e.SagaID,
		SagaName:     e.SagaName,
		ReplyTo:      e.ReplyTo,
		EventPayload: e.EventPayload,

		AssessmentStudentID:   e.AssessmentStudentID,
		StagedStudentResultID: e.StagedStudentResultID,
		CorrelationID:         e.CorrelationID,
	}
}

// FromMessage 由事件信封构造待记录的领域事件
func FromMessage(evt *messaging.Event, topic string, mode DeliveryMode, user string) *DomainEvent {
	return &DomainEvent{
		EventID:      evt.EventID,
		SagaID:       evt.SagaID,
		SagaName:     evt.SagaName,
		EventType:    evt.EventType,
		EventOutcome: evt.EventOutcome,
		EventPayload: evt.EventPayload,
		Topic:        topic,

		AssessmentStudentID:   evt.AssessmentStudentID,
		StagedStudentResultID: evt.StagedStudentResultID,
		CorrelationID:         evt.CorrelationID,
		ReplyTo:               evt.ReplyTo,
		DeliveryMode:          mode,
		CreateUser:            user,
		UpdateUser:            user,
	}
}
