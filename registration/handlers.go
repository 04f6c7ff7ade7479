package registration

import (
	"context"
	"encoding/json"
	"path"

	"sagaflow/choreography"
	"sagaflow/collaborator"
	"sagaflow/logging"
	"sagaflow/messaging"
)

// ReportRequest 报表请求负载
type ReportRequest struct {
	SchoolID     string `json:"schoolID"`
	AssessmentID string `json:"assessmentID,omitempty"`
}

// Report 学校注册报表
type Report struct {
	SchoolID     string         `json:"schoolID"`
	AssessmentID string         `json:"assessmentID,omitempty"`
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"byStatus"`
	Requests     []*Request     `json:"requests"`
}

// Handlers 注册相关的编排事件处理
type Handlers struct {
	requests  *RequestStore
	artifacts collaborator.ArtifactStore
	log       logging.Logger
}

// NewHandlers 创建处理器
func NewHandlers(requests *RequestStore, artifacts collaborator.ArtifactStore, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.ComponentLogger("registration")
	}
	return &Handlers{requests: requests, artifacts: artifacts, log: logger}
}

// Register 注册到编排处理器
func (h *Handlers) Register(c *choreography.Choreographer) {
	c.Register(EventStudentRegistrationPublished, h.onPublished)
	c.Register(EventRegistrationReportRequested, h.onReportRequested)
}

// onPublished 注册请求标记为 PUBLISHED
func (h *Handlers) onPublished(ctx context.Context, evt *messaging.Event) error {
	var n Notification
	if err := evt.UnmarshalPayload(&n); err != nil {
		h.log.Warn(ctx, "无法解析注册发布通知，忽略", logging.EventID(evt.EventID), logging.Error(err))
		return nil
	}
	if n.RequestID == "" {
		h.log.Debug(ctx, "通知不关联注册请求", logging.SagaID(n.SagaID))
		return nil
	}
	changed, err := h.requests.MarkPublished(ctx, n.RequestID)
	if err != nil {
		return err
	}
	if !changed {
		h.log.Info(ctx, "注册请求不处于 LOADED 状态，未变更", logging.String("request_id", n.RequestID))
		return nil
	}
	h.log.Info(ctx, "注册请求已发布", logging.String("request_id", n.RequestID),
		logging.SagaID(n.SagaID), logging.Int("issues", n.IssueCount))
	return nil
}

// onReportRequested 生成学校注册报表写入对象存储；对象键由事件 ID 决定，重复处理覆盖同一对象
func (h *Handlers) onReportRequested(ctx context.Context, evt *messaging.Event) error {
	var req ReportRequest
	if err := evt.UnmarshalPayload(&req); err != nil || req.SchoolID == "" {
		h.log.Warn(ctx, "报表请求缺少 schoolID，忽略", logging.EventID(evt.EventID))
		return nil
	}
	requests, err := h.requests.ListBySchool(ctx, req.SchoolID, req.AssessmentID)
	if err != nil {
		return err
	}

	report := Report{
		SchoolID:     req.SchoolID,
		AssessmentID: req.AssessmentID,
		Total:        len(requests),
		ByStatus:     make(map[string]int),
		Requests:     requests,
	}
	for _, r := range requests {
		report.ByStatus[string(r.Status)]++
	}
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}

	key := ReportKey(req, evt.EventID)
	if err := h.artifacts.Put(ctx, key, body, "application/json"); err != nil {
		return err
	}
	h.log.Info(ctx, "注册报表已生成", logging.String("key", key), logging.Int("total", report.Total))
	return nil
}

// ReportKey 报表对象键
func ReportKey(req ReportRequest, eventID string) string {
	assessment := req.AssessmentID
	if assessment == "" {
		assessment = "all"
	}
	return path.Join("registration-reports", req.SchoolID, assessment, eventID+".json")
}
