// Package saga 实现基于步骤表的 saga 编排：实例与事件状态日志的持久化、
// 按 (eventType, eventOutcome) 查表执行步骤、崩溃后的重放与卡住实例的恢复。
package saga

import (
	"time"

	"sagaflow/messaging"
)

// Status Saga 状态
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusForceStopped Status = "FORCE_STOPPED"
	StatusError        Status = "ERROR"
)

// IsTerminal 终态不再接受任何事件，也不会被重放
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusForceStopped
}

// ActiveStatuses 计入并发上限、参与恢复扫描的状态
var ActiveStatuses = []Status{StatusStarted, StatusInProgress}

// 每个 saga 的起始事件
const (
	EventInitiated         messaging.EventType    = "INITIATED"
	OutcomeInitiateSuccess messaging.EventOutcome = "INITIATE_SUCCESS"
)

// SagaStateCompleted 到达结束步骤后的 saga_state
const SagaStateCompleted = "COMPLETED"

// Saga 持久化的 saga 实例。
//
// SagaState 为下一个期望处理的事件类型；Payload 为序列化后的 saga 数据。
type Saga struct {
	SagaID      string    `json:"sagaId"`
	SagaName    string    `json:"sagaName"`
	SagaState   string    `json:"sagaState"`
	Status      Status    `json:"status"`
	Payload     string    `json:"payload"`
	BusinessKey string    `json:"businessKey,omitempty"`
	CreateUser  string    `json:"createUser"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdateUser  string    `json:"updateUser"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EventState 追加写的事件状态日志，每次状态迁移一行
type EventState struct {
	ID           string                 `json:"id"`
	SagaID       string                 `json:"sagaId"`
	Seq          int64                  `json:"seq"`
	EventType    messaging.EventType    `json:"eventType"`
	EventOutcome messaging.EventOutcome `json:"eventOutcome"`
	EventPayload string                 `json:"eventPayload"`
	CreateUser   string                 `json:"createUser"`
	CreatedAt    time.Time              `json:"createdAt"`
}
