package errors

import (
	"context"
	"database/sql"
	stdErrors "errors"
)

// Normalize 将基础设施层的常见错误规范化为 AppError。
//
// 已经是 AppError 的错误原样返回；未识别的错误包装为内部错误。
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return err
	}

	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		return WrapError(err, ErrCodeNotFound, "记录不存在")
	case stdErrors.Is(err, context.DeadlineExceeded):
		return WrapError(err, ErrCodeTimeout, "操作超时")
	case stdErrors.Is(err, sql.ErrTxDone), stdErrors.Is(err, sql.ErrConnDone):
		return WrapError(err, ErrCodeDatabase, "数据库连接或事务已关闭")
	}
	return WrapError(err, ErrCodeInternal, "内部错误")
}
