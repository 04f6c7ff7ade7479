// Package errors 提供 sagaflow 统一的错误码与应用错误类型
package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"

	// 业务错误代码
	ErrCodeValidation  ErrorCode = "VALIDATION_ERROR"
	ErrCodeDependency  ErrorCode = "DEPENDENCY_ERROR"
	ErrCodeConcurrency ErrorCode = "CONCURRENCY_ERROR"
	ErrCodeSagaState   ErrorCode = "SAGA_STATE_ERROR"

	// 基础设施错误代码
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
	ErrCodeNetwork  ErrorCode = "NETWORK_ERROR"
	ErrCodeConfig   ErrorCode = "CONFIG_ERROR"
)

// AppError 携带错误码、原因与详情的应用错误
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) *AppError {
	return &AppError{
		code:    code,
		message: message,
		stack:   captureStack(),
	}
}

// NewErrorWithCause 创建带原因的错误
func NewErrorWithCause(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		code:    code,
		message: message,
		cause:   cause,
		stack:   captureStack(),
	}
}

// WrapError 包装错误，err 为 nil 时返回 nil
func WrapError(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return NewErrorWithCause(code, message, err)
}

// Errorf 以格式化消息创建错误
func Errorf(code ErrorCode, format string, args ...any) *AppError {
	return NewError(code, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Code 获取错误代码
func (e *AppError) Code() ErrorCode { return e.code }

// Message 获取错误消息
func (e *AppError) Message() string { return e.message }

// Cause 获取原始错误
func (e *AppError) Cause() error { return e.cause }

// Stack 获取创建时的调用栈
func (e *AppError) Stack() string { return e.stack }

// Details 返回错误详情的副本
func (e *AppError) Details() map[string]any {
	return copyMap(e.details)
}

// Unwrap 支持 errors.Is / errors.As
func (e *AppError) Unwrap() error { return e.cause }

// Is 相同错误码的 AppError 视为同一类错误
func (e *AppError) Is(target error) bool {
	var other *AppError
	if stdErrors.As(target, &other) {
		return other.code == e.code
	}
	return false
}

// WithDetail 返回附加了一个详情键值的新错误
func (e *AppError) WithDetail(key string, value any) *AppError {
	details := copyMap(e.details)
	details[key] = value
	return &AppError{
		code:    e.code,
		message: e.message,
		cause:   e.cause,
		details: details,
		stack:   e.stack,
	}
}

// IsErrorCode 检查错误链中是否存在指定错误码
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrCodeNotFound)
}

// IsConflict 检查是否为冲突类错误（含并发冲突）
func IsConflict(err error) bool {
	code := GetErrorCode(err)
	return code == ErrCodeConflict || code == ErrCodeConcurrency
}

// GetErrorCode 获取错误码，非 AppError 视为内部错误
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeInternal
}

func captureStack() string {
	var pcs [24]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return b.String()
}

func copyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
