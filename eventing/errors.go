package eventing

import "errors"

var (
	// ErrEventNotFound 事件存储中不存在该事件
	ErrEventNotFound = errors.New("eventing: event not found")
	// ErrInvalidEvent 事件缺少必填字段
	ErrInvalidEvent = errors.New("eventing: invalid event")
)
