package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"runtime"

	"sagaflow/logging"
)

// WrapWithLog 包装错误并记录警告日志，用于需要立即留痕的边界位置
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)
	all := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)
	logging.GetLogger().Warn(ctx, msg, all...)

	return WrapError(err, code, msg)
}

// WrapDatabaseError 包装数据库错误，已是 AppError 的错误保留原错误码
func WrapDatabaseError(err error, operation string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return err
	}
	return WrapError(err, ErrCodeDatabase, "数据库操作失败: "+operation)
}

// WrapQueueError 包装消息传输错误
func WrapQueueError(err error, operation string) error {
	if err == nil {
		return nil
	}
	return WrapError(err, ErrCodeQueue, "消息传输失败: "+operation)
}
