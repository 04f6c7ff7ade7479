// Package scheduler 按固定间隔运行具名任务，每次运行前获取同名分布式锁
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sagaflow/logging"
	"sagaflow/monitoring"
)

// 运行结果标签
const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
	ResultLockError = "lock_error"
)

// Job 周期任务
type Job struct {
	Name string

	Interval time.Duration

	// LockAtMostFor 锁的最长持有时间，持有者崩溃后锁在此之后失效；同时作为单次运行超时
	LockAtMostFor time.Duration

	// LockAtLeastFor 运行结束后锁至少保持的时长，避免多实例时钟偏差导致重复执行
	LockAtLeastFor time.Duration

	Run func(ctx context.Context) error
}

func (j Job) validate() error {
	switch {
	case j.Name == "":
		return errors.New("scheduler: job name is required")
	case j.Interval <= 0:
		return fmt.Errorf("scheduler: job %s interval must be positive", j.Name)
	case j.LockAtMostFor <= 0:
		return fmt.Errorf("scheduler: job %s lockAtMostFor must be positive", j.Name)
	case j.LockAtLeastFor > j.LockAtMostFor:
		return fmt.Errorf("scheduler: job %s lockAtLeastFor exceeds lockAtMostFor", j.Name)
	case j.Run == nil:
		return fmt.Errorf("scheduler: job %s has no run func", j.Name)
	}
	return nil
}

// Scheduler 周期任务调度器
type Scheduler struct {
	locker  Locker
	log     logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Option 调度器选项
type Option func(*Scheduler)

func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New 创建调度器
func New(locker Locker, opts ...Option) *Scheduler {
	s := &Scheduler{locker: locker, log: logging.ComponentLogger("scheduler")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add 注册任务，需在 Start 之前调用
func (s *Scheduler) Add(job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler: cannot add job %s while running", job.Name)
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("scheduler: duplicate job %s", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs 已注册任务名
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

// Start 为每个任务启动一个 ticker 协程
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(runCtx, job)
	}
	s.log.Info(ctx, "定时任务已启动", logging.Int("jobs", len(s.jobs)))
	return nil
}

// Stop 取消所有任务并等待正在运行的任务返回
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, job)
		}
	}
}

// RunOnce 获取锁并执行一次任务，返回结果标签
func (s *Scheduler) RunOnce(ctx context.Context, job Job) string {
	log := s.log.WithFields(logging.String("job", job.Name))

	lease, err := s.locker.TryLock(ctx, job.Name, job.LockAtMostFor)
	if errors.Is(err, ErrLockNotAcquired) {
		log.Debug(ctx, "锁被其他实例持有，跳过本次运行")
		s.metrics.SchedulerRun(job.Name, ResultSkipped)
		return ResultSkipped
	}
	if err != nil {
		log.Warn(ctx, "获取任务锁失败", logging.Error(err))
		s.metrics.SchedulerRun(job.Name, ResultLockError)
		return ResultLockError
	}

	result := s.run(ctx, job, log)

	// 父 ctx 已取消时仍需释放锁
	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.locker.Unlock(unlockCtx, lease, job.LockAtLeastFor); err != nil {
		log.Warn(ctx, "释放任务锁失败", logging.Error(err))
	}
	s.metrics.SchedulerRun(job.Name, result)
	return result
}

func (s *Scheduler) run(ctx context.Context, job Job, log logging.Logger) (result string) {
	runCtx, cancel := context.WithTimeout(ctx, job.LockAtMostFor)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "任务 panic", logging.Any("panic", r))
			result = ResultFailed
		}
	}()
	if err := job.Run(runCtx); err != nil {
		log.Error(ctx, "任务执行失败", logging.Error(err), logging.Duration("elapsed", time.Since(start)))
		return ResultFailed
	}
	log.Debug(ctx, "任务执行完成", logging.Duration("elapsed", time.Since(start)))
	return ResultOK
}
