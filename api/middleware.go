package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sagaflow/logging"
	"sagaflow/messaging"
)

// HeaderCorrelationID 关联 ID 请求头，标识一次管理操作引发的整条链路
const HeaderCorrelationID = "X-Correlation-Id"

func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(HeaderCorrelationID, id)
		c.Request = c.Request.WithContext(messaging.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}

func loggingMiddleware(log logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ctx := c.Request.Context()
		fields := []logging.Field{
			logging.String("method", c.Request.Method),
			logging.String("path", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(start)),
			logging.String("correlation_id", messaging.CorrelationID(ctx)),
		}
		if c.Writer.Status() >= 500 {
			log.Warn(ctx, "管理请求失败", fields...)
			return
		}
		log.Debug(ctx, "管理请求", fields...)
	}
}
