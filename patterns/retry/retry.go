// Package retry 提供带指数退避的重试执行器
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Operation 可重试的操作，attempt 从 1 开始
type Operation func(ctx context.Context, attempt int) error

// Config 重试配置
type Config struct {
	MaxAttempts   int           `yaml:"max_attempts" validate:"gte=1"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" validate:"gte=1"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// DefaultConfig 默认 3 次尝试，100ms 起步翻倍退避，上限 2s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      2 * time.Second,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent 标记不应重试的错误，Do 会立即返回其内部错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Delay 计算第 attempt 次失败后的等待时间
func (c Config) Delay(attempt int) time.Duration {
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(factor, float64(attempt-1)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Do 执行操作直到成功、遇到 Permanent 错误、用尽次数或上下文取消。
// 返回最后一次的错误。
func Do(ctx context.Context, op Operation, cfg Config) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// IsPermanent 判断错误是否被 Permanent 标记
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}
