// Package registration 学生考试注册发布流程：saga 校验并发布注册，
// 发布通知与报表请求通过编排事件处理。
package registration

import (
	"context"
	"errors"
	"fmt"

	"sagaflow/collaborator"
	"sagaflow/eventing"
	"sagaflow/messaging"
	"sagaflow/saga"
)

// SagaName saga 类型名
const SagaName = "PUBLISH_STUDENT_REGISTRATION_SAGA"

// saga 步骤事件
const (
	EventValidateStudentRegistration messaging.EventType = "VALIDATE_STUDENT_REGISTRATION"
	EventPublish                     messaging.EventType = "PUBLISH"

	OutcomeValidationNoErrors    messaging.EventOutcome = "VALIDATION_SUCCESS_NO_ERRORS"
	OutcomeValidationWithErrors  messaging.EventOutcome = "VALIDATION_SUCCESS_WITH_ERRORS"
	OutcomeRegistrationPublished messaging.EventOutcome = "STUDENT_REGISTRATION_PUBLISHED"
)

// 编排事件
const (
	EventStudentRegistrationPublished messaging.EventType = "STUDENT_REGISTRATION_PUBLISHED"
	EventRegistrationReportRequested  messaging.EventType = "REGISTRATION_REPORT_REQUESTED"

	OutcomeReportRequested messaging.EventOutcome = "REPORT_REQUESTED"
)

// Data saga 数据
type Data struct {
	RequestID           string               `json:"requestID,omitempty"`
	StudentID           string               `json:"studentID"`
	SchoolID            string               `json:"schoolID"`
	AssessmentID        string               `json:"assessmentID,omitempty"`
	AssessmentStudentID string               `json:"assessmentStudentID,omitempty"`
	Issues              []collaborator.Issue `json:"issues,omitempty"`
}

// Subject 规则校验对象
type Subject struct {
	Registration Data
	Student      *collaborator.Student
}

// Notification 注册发布通知负载
type Notification struct {
	SagaID              string `json:"sagaID"`
	RequestID           string `json:"requestID,omitempty"`
	StudentID           string `json:"studentID"`
	SchoolID            string `json:"schoolID"`
	AssessmentStudentID string `json:"assessmentStudentID,omitempty"`
	IssueCount          int    `json:"issueCount"`
}

// SagaDeps 注册 saga 依赖
type SagaDeps struct {
	saga.Deps
	Lookup collaborator.StudentLookup
	Rules  collaborator.RuleEngine[Subject]
	// EventsTopic 发布通知写入的编排主题
	EventsTopic string
}

type steps struct {
	deps SagaDeps
}

// NewSaga 创建注册 saga 编排器：
//
//	(INITIATED, INITIATE_SUCCESS)                          → VALIDATE_STUDENT_REGISTRATION
//	(VALIDATE_STUDENT_REGISTRATION, VALIDATION_SUCCESS_*) → PUBLISH
//	(PUBLISH, STUDENT_REGISTRATION_PUBLISHED)              → 结束
func NewSaga(topic string, deps SagaDeps) (*saga.Orchestrator[Data], error) {
	if deps.Lookup == nil {
		return nil, errors.New("registration: student lookup is required")
	}
	if deps.Rules == nil {
		deps.Rules = DefaultRules()
	}
	if deps.EventsTopic == "" {
		return nil, errors.New("registration: events topic is required")
	}
	if deps.User == "" {
		deps.User = "REGISTRATION_SAGA"
	}
	s := &steps{deps: deps}
	table, err := saga.NewStepTable[Data]().
		Begin(EventValidateStudentRegistration, s.validate).
		Step(EventValidateStudentRegistration, OutcomeValidationNoErrors, EventPublish, s.publish).
		Step(EventValidateStudentRegistration, OutcomeValidationWithErrors, EventPublish, s.publish).
		End(EventPublish, OutcomeRegistrationPublished).
		Build()
	if err != nil {
		return nil, err
	}
	return saga.NewOrchestrator(SagaName, topic, table, deps.Deps)
}

// validate 查询学生并执行规则；问题作为数据向后传递，不使 saga 失败
func (s *steps) validate(ctx context.Context, _ *messaging.Event, _ *saga.Saga, d *Data) (*messaging.Event, error) {
	student, err := s.deps.Lookup.GetStudent(ctx, d.StudentID)
	var issues []collaborator.Issue
	switch {
	case errors.Is(err, collaborator.ErrStudentNotFound):
		issues = []collaborator.Issue{{
			Code:     "STUDENT_NOT_FOUND",
			Field:    "studentID",
			Message:  "student " + d.StudentID + " does not exist",
			Severity: collaborator.SeverityError,
		}}
	case err != nil:
		return nil, fmt.Errorf("student lookup: %w", err)
	default:
		issues = s.deps.Rules.Validate(Subject{Registration: *d, Student: student})
	}
	d.Issues = issues

	outcome := OutcomeValidationNoErrors
	if len(issues) > 0 {
		outcome = OutcomeValidationWithErrors
	}
	payload, err := messaging.MarshalPayload(issues)
	if err != nil {
		return nil, err
	}
	return &messaging.Event{EventOutcome: outcome, EventPayload: payload, AssessmentStudentID: d.AssessmentStudentID}, nil
}

// publish 记录并发送注册发布通知；通知 ID 由 saga 决定，重放不会重复记录
func (s *steps) publish(ctx context.Context, _ *messaging.Event, sg *saga.Saga, d *Data) (*messaging.Event, error) {
	payload, err := messaging.MarshalPayload(Notification{
		SagaID:              sg.SagaID,
		RequestID:           d.RequestID,
		StudentID:           d.StudentID,
		SchoolID:            d.SchoolID,
		AssessmentStudentID: d.AssessmentStudentID,
		IssueCount:          len(d.Issues),
	})
	if err != nil {
		return nil, err
	}

	// 不带 sagaName，分发器按事件类型路由到编排处理器
	note := &messaging.Event{
		EventID:             saga.OutboundEventID(sg.SagaID, "notification", EventStudentRegistrationPublished),
		EventType:           EventStudentRegistrationPublished,
		EventOutcome:        OutcomeRegistrationPublished,
		SagaID:              sg.SagaID,
		EventPayload:        payload,
		AssessmentStudentID: d.AssessmentStudentID,
	}
	messaging.StampCorrelation(ctx, note)
	if _, err := s.deps.EventStore.RecordIfAbsent(ctx, nil,
		eventing.FromMessage(note, s.deps.EventsTopic, eventing.DeliveryStream, s.deps.User)); err != nil {
		return nil, err
	}
	if err := s.deps.Publisher.Publish(ctx, note.EventID); err != nil {
		return nil, err
	}
	return &messaging.Event{EventOutcome: OutcomeRegistrationPublished, EventPayload: payload, AssessmentStudentID: d.AssessmentStudentID}, nil
}
