package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"sagaflow/api"
	"sagaflow/choreography"
	"sagaflow/collaborator"
	"sagaflow/dispatch"
	apperrors "sagaflow/errors"
	"sagaflow/eventing/outbox"
	evstore "sagaflow/eventing/store"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/messaging/transport/memory"
	"sagaflow/messaging/transport/natsjetstream"
	"sagaflow/messaging/transport/redisstreams"
	"sagaflow/monitoring"
	"sagaflow/registration"
	"sagaflow/saga"
	"sagaflow/scheduler"
	"sagaflow/storage/database/basic"
	"sagaflow/storage/database/schema"
)

// SetupDependencies 按依赖顺序装配组件，失败时已打开的连接由 Shutdown 关闭
func (s *Service) SetupDependencies(ctx context.Context) error {
	cfg := s.cfg
	s.registry = newRegistry()
	s.metrics = monitoring.NewMetrics("sagaflow", s.registry)

	if err := s.openDatabase(ctx); err != nil {
		return err
	}
	if err := s.openConnections(ctx); err != nil {
		return err
	}
	transport, err := s.newTransport()
	if err != nil {
		return err
	}
	s.transport = transport

	s.events = evstore.NewSQLEventStore(s.db, evstore.WithLogger(s.component("eventstore")))
	s.sagas = saga.NewSQLStore(s.db)
	s.publisher = outbox.NewPublisher(s.events, s.transport, cfg.Outbox,
		outbox.WithLogger(s.component("outbox")), outbox.WithMetrics(s.metrics))

	lookup, err := s.newStudentLookup()
	if err != nil {
		return err
	}
	artifacts, err := s.newArtifactStore(ctx)
	if err != nil {
		return err
	}

	user := cfg.Service.Name
	orch, err := registration.NewSaga(cfg.SagaTopic(registration.SagaName), registration.SagaDeps{
		Deps: saga.Deps{
			DB:         s.db,
			Store:      s.sagas,
			EventStore: s.events,
			Publisher:  s.publisher,
			Logger:     s.component("saga.registration"),
			Metrics:    s.metrics,
		},
		Lookup:      lookup,
		EventsTopic: cfg.EventsTopic(),
	})
	if err != nil {
		return err
	}
	s.runners = saga.NewRegistry(orch)

	requests := registration.NewRequestStore(s.db, user)
	inbox := evstore.NewSQLInbox(s.db, evstore.WithLogger(s.component("inbox")))
	s.chor = choreography.NewChoreographer(inbox, cfg.Service.Name,
		choreography.WithLogger(s.component("choreography")), choreography.WithUser(user))
	registration.NewHandlers(requests, artifacts, s.component("registration")).Register(s.chor)

	s.dispatcher = dispatch.NewDispatcher(cfg.Dispatcher,
		dispatch.WithLogger(s.component("dispatcher")), dispatch.WithMetrics(s.metrics))
	for _, rn := range s.runners.All() {
		s.dispatcher.RegisterSaga(rn.Name(), rn)
	}
	for _, et := range s.chor.EventTypes() {
		s.dispatcher.RegisterEventType(et, s.chor)
	}

	if err := s.setupScheduler(requests); err != nil {
		return err
	}

	s.router = api.NewRouter(cfg.HTTP.Mode, api.Deps{
		Store:    s.sagas,
		Registry: s.runners,
		Health:   outbox.NewHealthChecker(s.events, cfg.Outbox),
		DB:       s.db,
		Gatherer: s.registry,
		Logger:   s.component("api"),
		Registrations: &registration.Intake{
			Requests:    requests,
			Events:      s.events,
			Publisher:   s.publisher,
			EventsTopic: cfg.EventsTopic(),
			User:        "ADMIN_API",
		},
	})
	s.http = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	s.log.Info(ctx, "依赖装配完成",
		logging.String("db", cfg.Database.Driver),
		logging.String("transport", cfg.Transport.Kind),
		logging.String("lock", cfg.Scheduler.Lock))
	return nil
}

func (s *Service) openDatabase(ctx context.Context) error {
	db, err := basic.Open(s.cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.db = db

	pingCtx := ctx
	if t := s.cfg.Database.PingTimeout; t > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if err := db.Ping(pingCtx); err != nil {
		return apperrors.WrapWithLog(ctx, err, apperrors.ErrCodeDependency, "数据库不可达",
			logging.String("driver", s.cfg.Database.Driver))
	}
	if err := schema.Migrate(ctx, db, registration.Schema...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// openConnections 传输与协作方共用 NATS 连接，传输与分布式锁共用 Redis 客户端
func (s *Service) openConnections(ctx context.Context) error {
	cfg := s.cfg
	if cfg.Transport.Kind == "nats" || (s.lookup == nil && cfg.Collaborators.StudentLookup.Kind == "nats") {
		conn, err := nats.Connect(cfg.Transport.NATS.URL, nats.Name(cfg.Service.Name+"-"+s.instanceID))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		s.natsConn = conn
	}
	if cfg.Transport.Kind == "redis" || cfg.Scheduler.Lock == "redis" {
		r := cfg.Transport.Redis
		client := redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		s.redis = client
	}
	return nil
}

func (s *Service) newTransport() (messaging.Transport, error) {
	cfg := s.cfg.Transport
	switch cfg.Kind {
	case "nats":
		return natsjetstream.NewTransport(natsjetstream.Config{
			Conn:           s.natsConn,
			Name:           s.cfg.Service.Name,
			Stream:         cfg.NATS.Stream,
			StreamSubjects: []string{s.cfg.EventsTopic()},
			AckWait:        cfg.NATS.AckWait,
			MaxDeliver:     cfg.NATS.MaxDeliver,
			Logger:         s.component("transport.nats"),
		}), nil
	case "redis":
		return redisstreams.NewTransport(redisstreams.Config{
			Client:       s.redis,
			StreamPrefix: cfg.Redis.StreamPrefix,
			ConsumerName: s.instanceID,
			Logger:       s.component("transport.redis"),
		})
	default:
		mc := memory.DefaultConfig()
		mc.Logger = s.component("transport.memory")
		return memory.NewMemoryTransport(mc), nil
	}
}

func (s *Service) newStudentLookup() (collaborator.StudentLookup, error) {
	if s.lookup != nil {
		return s.lookup, nil
	}
	lc := s.cfg.Collaborators.StudentLookup
	switch lc.Kind {
	case "nats":
		breaker := collaborator.NewBreaker(lc.Breaker, s.component("collaborator.student"))
		return collaborator.NewCachedStudentLookup(
			collaborator.NewNATSStudentLookup(s.natsConn, lc.Subject, lc.Timeout, breaker), lc.Cache), nil
	default:
		s.log.Warn(context.Background(), "using in-memory student lookup, every student is reported as not found")
		return collaborator.NewMemoryStudentLookup(), nil
	}
}

func (s *Service) newArtifactStore(ctx context.Context) (collaborator.ArtifactStore, error) {
	ac := s.cfg.Collaborators.Artifacts
	switch ac.Kind {
	case "s3":
		breaker := collaborator.NewBreaker(ac.Breaker, s.component("collaborator.s3"))
		store, err := collaborator.NewS3ArtifactStore(ctx, ac.S3, breaker)
		if err != nil {
			return nil, fmt.Errorf("create s3 artifact store: %w", err)
		}
		return store, nil
	default:
		return collaborator.NewMemoryArtifactStore(), nil
	}
}

// setupScheduler 注册发件箱扫描、卡住 saga 恢复与待处理请求启动三个任务
func (s *Service) setupScheduler(source saga.PendingSource) error {
	sc := s.cfg.Scheduler
	var locker scheduler.Locker
	if sc.Lock == "redis" {
		locker = scheduler.NewRedisLocker(s.redis, s.cfg.Service.Name+":lock")
	} else {
		locker = scheduler.NewSQLLocker(s.db, s.instanceID)
	}
	s.scheduler = scheduler.New(locker,
		scheduler.WithLogger(s.component("scheduler")), scheduler.WithMetrics(s.metrics))

	recoverer := saga.NewRecoverer(s.sagas, s.runners, s.cfg.Recovery, s.component("saga.recovery"))
	launcher := saga.NewLauncher(s.sagas, s.runners, source, s.cfg.Recovery, s.component("saga.launcher"), s.metrics)

	jobs := []scheduler.Job{
		{
			Name:     JobOutboxSweep,
			Interval: sc.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := s.publisher.FindAndPublishEvents(ctx)
				return err
			},
		},
		{
			Name:     JobSagaRecovery,
			Interval: sc.RecoveryInterval,
			Run: func(ctx context.Context) error {
				_, err := recoverer.RecoverStuck(ctx)
				return err
			},
		},
		{
			Name:     JobSagaLauncher,
			Interval: sc.LaunchInterval,
			Run: func(ctx context.Context) error {
				_, err := launcher.LaunchPending(ctx)
				return err
			},
		},
	}
	s.jobs = make(map[string]scheduler.Job, len(jobs))
	for _, job := range jobs {
		job.LockAtMostFor = sc.LockAtMostFor
		job.LockAtLeastFor = sc.LockAtLeastFor
		if err := s.scheduler.Add(job); err != nil {
			return err
		}
		s.jobs[job.Name] = job
	}
	return nil
}

// RunJob 立即执行一次定时任务（持锁），返回执行结果
func (s *Service) RunJob(ctx context.Context, name string) (string, error) {
	job, ok := s.jobs[name]
	if !ok {
		return "", apperrors.Errorf(apperrors.ErrCodeNotFound, "unknown job %q", name)
	}
	return s.scheduler.RunOnce(ctx, job), nil
}
