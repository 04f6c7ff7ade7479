// Package logging 提供统一的日志接口抽象
package logging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"
)

// Level 日志级别
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel 解析配置中的日志级别，未知值按 info 处理
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger 日志接口
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// WithFields 添加字段，返回新的Logger
	WithFields(fields ...Field) Logger
}

// Field 日志字段
type Field struct {
	Key   string
	Value any
}

// 字段构造函数
func String(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

func Any(key string, value any) Field { return Field{Key: key, Value: value} }

func Error(err error) Field { return Field{Key: "error", Value: err} }

func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// 领域常用字段
func SagaID(id string) Field { return String("saga_id", id) }

func EventID(id string) Field { return String("event_id", id) }

func EventType(t string) Field { return String("event_type", t) }

// StdLogger 标准库log实现，开发与测试时使用
type StdLogger struct {
	prefix string
	level  Level
	fields []Field
}

// NewStdLogger 创建标准库Logger
func NewStdLogger(prefix string) *StdLogger {
	return &StdLogger{prefix: prefix, level: DebugLevel}
}

// WithLevel 设置最低输出级别
func (l *StdLogger) WithLevel(level Level) *StdLogger {
	return &StdLogger{prefix: l.prefix, level: level, fields: l.fields}
}

func (l *StdLogger) format(msg string, fields []Field) string {
	var b strings.Builder
	if l.prefix != "" {
		b.WriteString(l.prefix)
		b.WriteByte(' ')
	}
	b.WriteString(msg)
	for _, f := range l.fields {
		b.WriteString(" " + f.Key + "=" + formatValue(f.Value))
	}
	for _, f := range fields {
		b.WriteString(" " + f.Key + "=" + formatValue(f.Value))
	}
	return b.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		if val == nil {
			return "<nil>"
		}
		return val.Error()
	default:
		return fmt.Sprint(val)
	}
}

func (l *StdLogger) output(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}
	log.Println("["+level.String()+"]", l.format(msg, fields))
}

func (l *StdLogger) Debug(_ context.Context, msg string, fields ...Field) {
	l.output(DebugLevel, msg, fields)
}

func (l *StdLogger) Info(_ context.Context, msg string, fields ...Field) {
	l.output(InfoLevel, msg, fields)
}

func (l *StdLogger) Warn(_ context.Context, msg string, fields ...Field) {
	l.output(WarnLevel, msg, fields)
}

func (l *StdLogger) Error(_ context.Context, msg string, fields ...Field) {
	l.output(ErrorLevel, msg, fields)
}

func (l *StdLogger) WithFields(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &StdLogger{prefix: l.prefix, level: l.level, fields: merged}
}

// NoopLogger 空日志实现（用于测试）
type NoopLogger struct{}

func NewNoopLogger() *NoopLogger { return &NoopLogger{} }

func (l *NoopLogger) Debug(context.Context, string, ...Field) {}
func (l *NoopLogger) Info(context.Context, string, ...Field)  {}
func (l *NoopLogger) Warn(context.Context, string, ...Field)  {}
func (l *NoopLogger) Error(context.Context, string, ...Field) {}
func (l *NoopLogger) WithFields(...Field) Logger              { return l }

type loggerHolder struct{ Logger }

var globalLogger atomic.Value

func init() {
	globalLogger.Store(loggerHolder{NewStdLogger("")})
}

// SetLogger 设置全局Logger，nil 被忽略
func SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	globalLogger.Store(loggerHolder{logger})
}

// GetLogger 获取全局Logger
func GetLogger() Logger {
	return globalLogger.Load().(loggerHolder).Logger
}

// ComponentLogger 返回带 component 字段的全局 Logger
func ComponentLogger(component string) Logger {
	return GetLogger().WithFields(String("component", component))
}
