package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "sagaflow/errors"
	"sagaflow/logging"
	"sagaflow/registration"
	"sagaflow/saga"
)

// classify 把各包的哨兵错误映射为带错误码的 AppError，其余错误交给 Normalize
func classify(err error) error {
	switch {
	case errors.Is(err, saga.ErrSagaNotFound), errors.Is(err, saga.ErrUnknownSaga),
		errors.Is(err, registration.ErrRequestNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "记录不存在")
	case errors.Is(err, saga.ErrSagaTerminal):
		return apperrors.WrapError(err, apperrors.ErrCodeSagaState, "saga 已处于终态")
	case errors.Is(err, saga.ErrConcurrentUpdate):
		return apperrors.WrapError(err, apperrors.ErrCodeConcurrency, "saga 已被并发更新")
	}
	return apperrors.Normalize(err)
}

func httpStatus(err error) int {
	code := apperrors.GetErrorCode(err)
	switch {
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case apperrors.IsConflict(err), code == apperrors.ErrCodeSagaState:
		return http.StatusConflict
	case code == apperrors.ErrCodeInvalidInput, code == apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case code == apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case code == apperrors.ErrCodeDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail 按错误码输出响应；5xx 只返回通用消息，细节写日志
func (h *handler) fail(c *gin.Context, err error) {
	msg := err.Error()
	err = classify(err)
	status := httpStatus(err)
	code := apperrors.GetErrorCode(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(c.Request.Context(), "admin request error", logging.Error(err),
			logging.String("path", c.FullPath()), logging.String("error_code", string(code)))
		msg = "internal error"
	}
	c.JSON(status, failure(msg, string(code)))
}

func (h *handler) badRequest(c *gin.Context, err error) {
	h.fail(c, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid request"))
}
