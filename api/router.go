// Package api 管理端 HTTP 接口：健康检查、指标、saga 查询与运维操作
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	apperrors "sagaflow/errors"
	"sagaflow/eventing/outbox"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/monitoring"
	"sagaflow/registration"
	"sagaflow/saga"
)

// Pinger 数据库连通性检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps 路由依赖
type Deps struct {
	Store    saga.IStore
	Registry *saga.Registry
	Health   *outbox.HealthChecker
	DB       Pinger
	Gatherer prometheus.Gatherer
	// Registrations 为空时不注册 /registrations 路由
	Registrations *registration.Intake
	Logger        logging.Logger
	// User 管理操作未指定操作人时使用
	User string
}

type handler struct {
	Deps
}

// NewRouter 创建 gin 路由，mode 为 gin 运行模式（debug|release|test）
func NewRouter(mode string, deps Deps) *gin.Engine {
	switch mode {
	case gin.ReleaseMode, gin.TestMode, gin.DebugMode:
		gin.SetMode(mode)
	}
	if deps.Logger == nil {
		deps.Logger = logging.ComponentLogger("api")
	}
	if deps.User == "" {
		deps.User = "ADMIN_API"
	}
	h := &handler{Deps: deps}

	engine := gin.New()
	engine.Use(gin.Recovery(), correlationMiddleware(), loggingMiddleware(deps.Logger))

	engine.GET("/healthz", h.healthz)
	if deps.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(monitoring.Handler(deps.Gatherer)))
	}

	v1 := engine.Group("/api/v1")
	v1.POST("/sagas", h.startSaga)
	v1.GET("/sagas/:id", h.getSaga)
	v1.GET("/sagas/:id/events", h.listEvents)
	v1.POST("/sagas/:id/replay", h.replay)
	v1.POST("/sagas/:id/force-stop", h.forceStop)
	if deps.Registrations != nil {
		v1.POST("/registrations", h.submitRegistration)
		v1.GET("/registrations/:id", h.getRegistration)
		v1.POST("/registrations/reports", h.requestReport)
	}
	return engine
}

type healthBody struct {
	Status   string         `json:"status"`
	Database string         `json:"database"`
	Outbox   *outbox.Health `json:"outbox,omitempty"`
}

func (h *handler) healthz(c *gin.Context) {
	ctx := c.Request.Context()
	body := healthBody{Status: string(outbox.HealthStatusHealthy), Database: "up"}
	code := http.StatusOK

	if h.DB != nil {
		if err := h.DB.Ping(ctx); err != nil {
			body.Database = "down"
			body.Status = string(outbox.HealthStatusUnhealthy)
			code = http.StatusServiceUnavailable
		}
	}
	if h.Health != nil {
		report, err := h.Health.Check(ctx)
		if err != nil {
			h.fail(c, apperrors.WrapError(err, apperrors.ErrCodeDependency, "health check failed"))
			return
		}
		body.Outbox = report
		if report.Status == outbox.HealthStatusUnhealthy {
			body.Status = string(outbox.HealthStatusUnhealthy)
			code = http.StatusServiceUnavailable
		} else if report.Status == outbox.HealthStatusDegraded && code == http.StatusOK {
			body.Status = string(outbox.HealthStatusDegraded)
		}
	}
	c.JSON(code, success(body))
}

type startRequest struct {
	SagaName    string          `json:"sagaName" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
	BusinessKey string          `json:"businessKey"`
	User        string          `json:"user"`
}

// startSaga 创建并启动 saga，立即返回 202；完成情况通过查询接口观察
func (h *handler) startSaga(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	runner, err := h.Registry.Get(req.SagaName)
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	user := h.user(req.User)

	if req.BusinessKey != "" {
		existing, err := h.Store.FindActiveByBusinessKey(ctx, req.SagaName, req.BusinessKey)
		switch {
		case err == nil:
			c.JSON(http.StatusConflict, Response[*saga.Saga]{Success: false, Data: existing,
				Error: "saga already in progress for business key", Code: string(apperrors.ErrCodeConflict)})
			return
		case !errors.Is(err, saga.ErrSagaNotFound):
			h.fail(c, err)
			return
		}
	}

	sg, err := runner.CreateSagaFromPayload(ctx, string(req.Payload), user, req.BusinessKey)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := runner.StartSaga(ctx, sg); err != nil {
		// saga 已持久化，起始事件由恢复任务补发
		h.Logger.Warn(ctx, "启动事件未能立即发布", logging.SagaID(sg.SagaID), logging.Error(err))
	}
	c.JSON(http.StatusAccepted, success(sg))
}

func (h *handler) getSaga(c *gin.Context) {
	sg, ok := h.loadSaga(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, success(sg))
}

func (h *handler) listEvents(c *gin.Context) {
	sg, ok := h.loadSaga(c)
	if !ok {
		return
	}
	states, err := h.Store.ListEventStates(c.Request.Context(), sg.SagaID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, success(states))
}

func (h *handler) replay(c *gin.Context) {
	sg, ok := h.loadSaga(c)
	if !ok {
		return
	}
	runner, err := h.Registry.Get(sg.SagaName)
	if err != nil {
		h.fail(c, err)
		return
	}
	if sg.Status.IsTerminal() {
		h.fail(c, saga.ErrSagaTerminal)
		return
	}
	ctx := c.Request.Context()
	if err := runner.ReplaySaga(ctx, sg); err != nil {
		h.fail(c, err)
		return
	}
	h.Logger.Info(ctx, "收到 saga 重放请求", logging.SagaID(sg.SagaID),
		logging.String("correlation_id", messaging.CorrelationID(ctx)))

	if updated, err := h.Store.GetSaga(ctx, sg.SagaID); err == nil {
		sg = updated
	}
	c.JSON(http.StatusAccepted, success(sg))
}

type forceStopRequest struct {
	User string `json:"user"`
}

func (h *handler) forceStop(c *gin.Context) {
	var req forceStopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}
	sg, ok := h.loadSaga(c)
	if !ok {
		return
	}
	runner, err := h.Registry.Get(sg.SagaName)
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := runner.ForceStop(ctx, sg.SagaID, h.user(req.User)); err != nil {
		h.fail(c, err)
		return
	}
	updated, err := h.Store.GetSaga(ctx, sg.SagaID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, success(updated))
}

func (h *handler) loadSaga(c *gin.Context) (*saga.Saga, bool) {
	sg, err := h.Store.GetSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return sg, true
}

func (h *handler) user(u string) string {
	if u != "" {
		return u
	}
	return h.User
}
