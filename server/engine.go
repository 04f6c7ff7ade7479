package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"sagaflow/logging"
)

// IServer 应用实现的生命周期步骤
type IServer interface {
	Name() string

	// LoadConfig 解析配置文件与环境变量
	LoadConfig() error

	// SetupDependencies 连接数据库与消息传输，装配存储、发件箱、分发器和 saga
	SetupDependencies(ctx context.Context) error

	// StartBackgroundTasks 启动订阅与定时任务，必须是非阻塞的
	StartBackgroundTasks(ctx context.Context) error

	// Run 运行主服务直到 ctx 取消或出错
	Run(ctx context.Context) error

	// Shutdown 停止后台任务并释放资源
	Shutdown(ctx context.Context) error
}

// Engine 按固定顺序驱动 IServer：LoadConfig → Setup → Background → Run → 信号 → Shutdown
type Engine struct {
	server  IServer
	options *Options
	log     logging.Logger
	signals <-chan os.Signal

	mu    sync.RWMutex
	state State
}

// NewEngine 创建启动引擎，server.Name() 非空时作为默认名称
func NewEngine(server IServer, opts ...Option) *Engine {
	options := DefaultOptions()
	if name := server.Name(); name != "" {
		options.Name = name
	}
	for _, o := range opts {
		o(options)
	}
	log := options.Logger
	if log == nil {
		log = logging.ComponentLogger("server")
	}
	return &Engine{
		server:  server,
		options: options,
		log:     log.WithFields(logging.String("app", options.Name)),
		state:   StatePending,
	}
}

// State 当前状态
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) fail(err error) error {
	e.setState(StateError)
	return err
}

// Start 执行完整生命周期，直到 Run 返回或收到 SIGINT/SIGTERM
func (e *Engine) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.log.Info(ctx, "应用启动中", logging.String("version", e.options.Version))
	e.setState(StateInitializing)
	if err := e.server.LoadConfig(); err != nil {
		return e.fail(fmt.Errorf("failed to load config: %w", err))
	}

	setupCtx, setupCancel := context.WithTimeout(ctx, e.options.StartupTimeout)
	defer setupCancel()
	if err := e.server.SetupDependencies(setupCtx); err != nil {
		return e.fail(fmt.Errorf("failed to setup dependencies: %w", err))
	}
	e.setState(StatePrepared)

	for _, hook := range e.options.OnBeforeStart {
		if err := hook(ctx); err != nil {
			return e.fail(fmt.Errorf("before start hook failed: %w", err))
		}
	}
	if err := e.server.StartBackgroundTasks(ctx); err != nil {
		// 已装配的资源仍需释放
		e.shutdown()
		return e.fail(fmt.Errorf("failed to start background tasks: %w", err))
	}

	e.setState(StateRunning)
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.server.Run(ctx)
	}()

	quit := e.signals
	if quit == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		quit = ch
	}

	var runErr error
	select {
	case runErr = <-errCh:
		if runErr != nil {
			e.log.Error(ctx, "服务异常退出，开始关闭", logging.Error(runErr))
		} else {
			e.log.Info(ctx, "服务已退出，开始关闭")
		}
	case sig := <-quit:
		e.log.Info(ctx, "收到信号，开始关闭", logging.String("signal", sig.String()))
	}
	cancel()

	if err := e.shutdown(); err != nil {
		return e.fail(err)
	}
	if runErr != nil {
		return e.fail(fmt.Errorf("server execution error: %w", runErr))
	}
	e.setState(StateStopped)
	e.log.Info(context.Background(), "shutdown complete")
	return nil
}

func (e *Engine) shutdown() error {
	e.setState(StateStopping)
	ctx, cancel := context.WithTimeout(context.Background(), e.options.ShutdownTimeout)
	defer cancel()

	if err := e.server.Shutdown(ctx); err != nil {
		e.log.Error(ctx, "关闭出错", logging.Error(err))
		return err
	}
	for _, hook := range e.options.OnAfterStop {
		if err := hook(ctx); err != nil {
			e.log.Warn(ctx, "停止后回调执行失败", logging.Error(err))
		}
	}
	return nil
}
