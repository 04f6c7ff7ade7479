package logging

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger 基于 zap 的 Logger 实现，生产环境使用
type ZapLogger struct {
	l *zap.Logger
}

// NewZapLogger 按运行模式创建 zap Logger。
//
// mode 为 "production" 时输出 JSON，其余值使用开发配置（彩色控制台）。
func NewZapLogger(mode string, level Level) (*ZapLogger, error) {
	var cfg zap.Config
	if mode == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(toZapLevel(level))

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{l: l}, nil
}

// NewZapLoggerFrom 包装已有的 zap.Logger
func NewZapLoggerFrom(l *zap.Logger) *ZapLogger {
	return &ZapLogger{l: l}
}

func (z *ZapLogger) Debug(_ context.Context, msg string, fields ...Field) {
	z.l.Debug(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Info(_ context.Context, msg string, fields ...Field) {
	z.l.Info(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Warn(_ context.Context, msg string, fields ...Field) {
	z.l.Warn(msg, toZapFields(fields)...)
}

func (z *ZapLogger) Error(_ context.Context, msg string, fields ...Field) {
	z.l.Error(msg, toZapFields(fields)...)
}

func (z *ZapLogger) WithFields(fields ...Field) Logger {
	return &ZapLogger{l: z.l.With(toZapFields(fields)...)}
}

// Sync 刷新缓冲
func (z *ZapLogger) Sync() error {
	return z.l.Sync()
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out = append(out, zap.String(f.Key, v))
		case int:
			out = append(out, zap.Int(f.Key, v))
		case int64:
			out = append(out, zap.Int64(f.Key, v))
		case bool:
			out = append(out, zap.Bool(f.Key, v))
		case time.Duration:
			out = append(out, zap.Duration(f.Key, v))
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}
