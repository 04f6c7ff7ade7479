// Package messaging 定义服务间传递的事件信封与消息传输抽象
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType 事件类型，同时也是 saga 的状态名
type EventType string

// EventOutcome 事件结果
type EventOutcome string

// ErrMalformedEvent 信封无法解析或缺少必填字段
var ErrMalformedEvent = errors.New("messaging: malformed event")

// Event 服务间传递的事件信封（JSON）。
//
// EventPayload 是嵌套的 JSON 字符串，由各步骤自行解析。
// 解码时忽略未知字段。
type Event struct {
	EventID               string       `json:"eventId,omitempty"`
	EventType             EventType    `json:"eventType"`
	EventOutcome          EventOutcome `json:"eventOutcome"`
	SagaID                string       `json:"sagaId,omitempty"`
	SagaName              string       `json:"sagaName,omitempty"`
	ReplyTo               string       `json:"replyTo,omitempty"`
	EventPayload          string       `json:"eventPayload"`
	StagedStudentResultID string       `json:"stagedStudentResultID,omitempty"`
	AssessmentStudentID   string       `json:"assessmentStudentID,omitempty"`
	CorrelationID         string       `json:"correlationID,omitempty"`
}

// EncodeEvent 序列化事件信封
func EncodeEvent(evt *Event) ([]byte, error) {
	if evt == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	return json.Marshal(evt)
}

// DecodeEvent 反序列化事件信封，缺少 eventType 视为格式错误
func DecodeEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.EventType == "" {
		return nil, fmt.Errorf("%w: missing eventType", ErrMalformedEvent)
	}
	return &evt, nil
}

// MarshalPayload 将负载对象序列化为 eventPayload 字符串
func MarshalPayload(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(b), nil
}

// UnmarshalPayload 解析 eventPayload 到 v
func (e *Event) UnmarshalPayload(v any) error {
	if e.EventPayload == "" {
		return fmt.Errorf("%w: empty eventPayload", ErrMalformedEvent)
	}
	if err := json.Unmarshal([]byte(e.EventPayload), v); err != nil {
		return fmt.Errorf("%w: eventPayload: %v", ErrMalformedEvent, err)
	}
	return nil
}
