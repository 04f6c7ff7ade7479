// Package server 管理服务进程的生命周期：加载配置、装配依赖、启动后台任务、运行、优雅关闭
package server

import (
	"context"
	"time"

	"sagaflow/logging"
)

// State 引擎生命周期状态
type State int

const (
	StatePending State = iota
	StateInitializing
	// StatePrepared 依赖已装配，等待启动
	StatePrepared
	StateRunning
	StateStopping
	StateStopped
	// StateError 不可恢复的错误
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInitializing:
		return "Initializing"
	case StatePrepared:
		return "Prepared"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Hook 生命周期回调
type Hook func(ctx context.Context) error

// Options 引擎选项
type Options struct {
	Name            string
	Version         string
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	Logger          logging.Logger

	OnBeforeStart []Hook
	OnAfterStop   []Hook
}

// Option 选项函数
type Option func(*Options)

// DefaultOptions 默认选项
func DefaultOptions() *Options {
	return &Options{
		Name:            "sagaflow",
		Version:         "0.0.0",
		StartupTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

func WithVersion(version string) Option {
	return func(o *Options) { o.Version = version }
}

func WithStartupTimeout(t time.Duration) Option {
	return func(o *Options) { o.StartupTimeout = t }
}

func WithShutdownTimeout(t time.Duration) Option {
	return func(o *Options) { o.ShutdownTimeout = t }
}

// WithLogger 设置引擎日志，默认使用全局 Logger
func WithLogger(l logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithBeforeStart 后台任务启动前执行
func WithBeforeStart(fn Hook) Option {
	return func(o *Options) { o.OnBeforeStart = append(o.OnBeforeStart, fn) }
}

// WithAfterStop 关闭完成后执行，失败只记录日志
func WithAfterStop(fn Hook) Option {
	return func(o *Options) { o.OnAfterStop = append(o.OnAfterStop, fn) }
}
