// Package app 组装 sagaflow 服务进程：配置、存储、消息传输、发件箱、分发器、saga、定时任务与管理端 HTTP
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"sagaflow/choreography"
	"sagaflow/collaborator"
	"sagaflow/config"
	"sagaflow/dispatch"
	"sagaflow/eventing/outbox"
	evstore "sagaflow/eventing/store"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/monitoring"
	"sagaflow/saga"
	"sagaflow/scheduler"
	"sagaflow/server"
	"sagaflow/storage/database/basic"
)

// 定时任务名，同时作为分布式锁名
const (
	JobOutboxSweep  = "outbox-sweep"
	JobSagaRecovery = "saga-recovery"
	JobSagaLauncher = "saga-launcher"
)

// Service 实现 server.IServer
type Service struct {
	configPath string
	envFiles   []string
	cfg        *config.Config
	log        logging.Logger
	zap        *logging.ZapLogger
	lookup     collaborator.StudentLookup
	instanceID string

	registry   *prometheus.Registry
	metrics    *monitoring.Metrics
	db         *basic.DB
	natsConn   *nats.Conn
	redis      redis.UniversalClient
	transport  messaging.Transport
	events     evstore.IEventStore
	sagas      *saga.SQLStore
	publisher  *outbox.Publisher
	dispatcher *dispatch.Dispatcher
	runners    *saga.Registry
	chor       *choreography.Choreographer
	scheduler  *scheduler.Scheduler
	jobs       map[string]scheduler.Job
	router     *gin.Engine
	http       *http.Server
	listener   net.Listener
}

var _ server.IServer = (*Service)(nil)

// Option 服务选项
type Option func(*Service)

// WithConfig 使用给定配置，跳过文件与环境变量加载
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithEnvFiles 指定 .env 文件
func WithEnvFiles(files ...string) Option {
	return func(s *Service) { s.envFiles = files }
}

// WithLogger 替换 zap 日志
func WithLogger(l logging.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithStudentLookup 替换配置中的学生查询协作方
func WithStudentLookup(l collaborator.StudentLookup) Option {
	return func(s *Service) { s.lookup = l }
}

// New 创建服务，configPath 为空时只使用默认值与环境变量
func New(configPath string, opts ...Option) *Service {
	s := &Service{configPath: configPath}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string {
	if s.cfg != nil {
		return s.cfg.Service.Name
	}
	return "sagaflow"
}

// Config 已加载的配置
func (s *Service) Config() *config.Config { return s.cfg }

// Handler 管理端 HTTP 处理器，SetupDependencies 之后可用
func (s *Service) Handler() http.Handler { return s.router }

func (s *Service) LoadConfig() error {
	if s.cfg == nil {
		cfg, err := config.Load(s.configPath, s.envFiles...)
		if err != nil {
			return err
		}
		s.cfg = cfg
	} else if err := s.cfg.Validate(); err != nil {
		return err
	}

	if s.log == nil {
		zl, err := logging.NewZapLogger(s.cfg.Service.LogMode, logging.ParseLevel(s.cfg.Service.LogLevel))
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		s.zap = zl
		s.log = zl
	}
	s.instanceID = s.cfg.Service.InstanceID
	if s.instanceID == "" {
		host, _ := os.Hostname()
		s.instanceID = host + "-" + uuid.NewString()[:8]
	}
	s.log = s.log.WithFields(logging.String("service", s.cfg.Service.Name), logging.String("instance", s.instanceID))
	logging.SetLogger(s.log)
	return nil
}

// component 子组件日志
func (s *Service) component(name string) logging.Logger {
	return s.log.WithFields(logging.String("component", name))
}

func (s *Service) StartBackgroundTasks(ctx context.Context) error {
	for _, rn := range s.runners.All() {
		if err := s.transport.Subscribe(rn.Topic(), s.cfg.Service.Name, s.dispatcher.HandleMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", rn.Topic(), err)
		}
	}
	if err := s.transport.SubscribeDurable(s.cfg.EventsTopic(), s.cfg.Service.Name+"-choreography", s.dispatcher.HandleMessage); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.EventsTopic(), err)
	}
	if err := s.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	// 启动时先恢复一次上次进程退出时卡住的 saga，不等第一个周期
	result, _ := s.RunJob(ctx, JobSagaRecovery)
	s.log.Info(ctx, "启动恢复任务完成", logging.String("result", result))

	if !s.cfg.Scheduler.Enabled {
		s.log.Info(ctx, "定时任务已关闭")
		return nil
	}
	return s.scheduler.Start(ctx)
}

// Run 运行 HTTP 服务直到 ctx 取消
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.HTTP.Addr, err)
	}
	s.listener = ln
	s.log.Info(ctx, "HTTP 服务开始监听", logging.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown 依次停止 HTTP、定时任务、传输与分发器，最后关闭连接
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if s.http != nil {
		timeout := s.cfg.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := s.http.Shutdown(httpCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}
	if s.scheduler != nil {
		if err := s.scheduler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.natsConn != nil {
		s.natsConn.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	if s.zap != nil {
		_ = s.zap.Sync()
	}
	s.log.Info(ctx, "服务已停止")
	return errors.Join(errs...)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}
