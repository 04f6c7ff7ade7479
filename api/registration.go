package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sagaflow/logging"
	"sagaflow/registration"
)

type registrationRequest struct {
	StudentID    string `json:"studentID" binding:"required"`
	SchoolID     string `json:"schoolID" binding:"required"`
	AssessmentID string `json:"assessmentID"`
	User         string `json:"user"`
}

// submitRegistration 受理注册请求，saga 由启动器按并发上限创建
func (h *handler) submitRegistration(c *gin.Context) {
	var body registrationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	req := &registration.Request{
		StudentID:    body.StudentID,
		SchoolID:     body.SchoolID,
		AssessmentID: body.AssessmentID,
		CreateUser:   body.User,
	}
	if err := h.Registrations.Submit(c.Request.Context(), req); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, success(req))
}

func (h *handler) getRegistration(c *gin.Context) {
	req, err := h.Registrations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, success(req))
}

type reportRequest struct {
	SchoolID     string `json:"schoolID" binding:"required"`
	AssessmentID string `json:"assessmentID"`
}

type reportAccepted struct {
	EventID string `json:"eventId"`
}

func (h *handler) requestReport(c *gin.Context) {
	var body reportRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	id, err := h.Registrations.RequestReport(ctx, registration.ReportRequest{SchoolID: body.SchoolID, AssessmentID: body.AssessmentID})
	switch {
	case err != nil && id == "":
		h.fail(c, err)
		return
	case err != nil:
		// 事件已记录，由发件箱扫描补发
		h.Logger.Warn(ctx, "上报事件未能立即发布", logging.EventID(id), logging.Error(err))
	}
	c.JSON(http.StatusAccepted, success(reportAccepted{EventID: id}))
}
