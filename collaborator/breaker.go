package collaborator

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"sagaflow/logging"
	"sagaflow/patterns/retry"
)

// BreakerConfig 熔断与重试配置
type BreakerConfig struct {
	Name             string        `yaml:"name"`
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold" validate:"gte=1"`
	Retry            retry.Config  `yaml:"retry"`
}

// DefaultBreakerConfig 连续 5 次失败熔断 30s
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		Retry:            retry.DefaultConfig(),
	}
}

// Breaker 熔断器加重试
type Breaker struct {
	cb    *gobreaker.CircuitBreaker
	retry retry.Config
}

// NewBreaker 创建熔断器；被 retry.Permanent 标记的错误不计入失败
func NewBreaker(cfg BreakerConfig, logger logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.ComponentLogger("collaborator")
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	threshold := cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "熔断器状态变更",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || retry.IsPermanent(err)
		},
	})
	return &Breaker{cb: cb, retry: cfg.Retry}
}

// State 当前熔断状态
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Do 执行远程调用；op 返回 retry.Permanent 包装的错误时立即返回内部错误
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, func(ctx context.Context, _ int) error {
		_, err := b.cb.Execute(func() (any, error) {
			return nil, op(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return retry.Permanent(err)
		}
		return err
	}, b.retry)
}
