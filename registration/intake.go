package registration

import (
	"context"

	"github.com/google/uuid"

	apperrors "sagaflow/errors"
	"sagaflow/eventing"
	evstore "sagaflow/eventing/store"
	"sagaflow/messaging"
	"sagaflow/saga"
)

// Intake 注册请求入口：受理请求由启动器按并发上限转为 saga；报表请求作为编排事件发出
type Intake struct {
	Requests    *RequestStore
	Events      evstore.IEventStore
	Publisher   saga.Publisher
	EventsTopic string
	User        string
}

// Submit 受理注册请求
func (i *Intake) Submit(ctx context.Context, r *Request) error {
	if r.CreateUser == "" {
		r.CreateUser = i.User
	}
	return i.Requests.Submit(ctx, r)
}

// Get 查询注册请求
func (i *Intake) Get(ctx context.Context, requestID string) (*Request, error) {
	return i.Requests.Get(ctx, requestID)
}

// RequestReport 记录并发布报表请求事件，返回事件 ID；发布失败时记录保留，由扫描补发
func (i *Intake) RequestReport(ctx context.Context, req ReportRequest) (string, error) {
	if req.SchoolID == "" {
		return "", apperrors.NewError(apperrors.ErrCodeInvalidInput, "schoolID is required")
	}
	payload, err := messaging.MarshalPayload(req)
	if err != nil {
		return "", err
	}
	evt := &messaging.Event{
		EventID:      uuid.NewString(),
		EventType:    EventRegistrationReportRequested,
		EventOutcome: OutcomeReportRequested,
		EventPayload: payload,
	}
	messaging.StampCorrelation(ctx, evt)
	if _, err := i.Events.Record(ctx, nil, eventing.FromMessage(evt, i.EventsTopic, eventing.DeliveryStream, i.User)); err != nil {
		return "", err
	}
	if err := i.Publisher.Publish(ctx, evt.EventID); err != nil {
		return evt.EventID, err
	}
	return evt.EventID, nil
}
