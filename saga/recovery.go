package saga

import (
	"context"
	"errors"
	"time"

	"sagaflow/logging"
	"sagaflow/monitoring"
)

// DefaultMaxActive 同时处于 STARTED/IN_PROGRESS 的 saga 上限
const DefaultMaxActive = 100

// RecoveryConfig 恢复与启动配置
type RecoveryConfig struct {
	// StuckAfter 超过该时长未更新的活跃 saga 视为卡住
	StuckAfter time.Duration `yaml:"stuck_after" validate:"gt=0"`
	// MaxActive 活跃 saga 上限，同时也是单次恢复的最大数量
	MaxActive int `yaml:"max_active" validate:"gt=0"`
	// User 启动 saga 时写入的操作人
	User string `yaml:"user"`
}

// DefaultRecoveryConfig 默认配置
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{StuckAfter: 5 * time.Minute, MaxActive: DefaultMaxActive, User: "SAGA_RECOVERY"}
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	def := DefaultRecoveryConfig()
	if c.StuckAfter <= 0 {
		c.StuckAfter = def.StuckAfter
	}
	if c.MaxActive <= 0 {
		c.MaxActive = def.MaxActive
	}
	if c.User == "" {
		c.User = def.User
	}
	return c
}

// Recoverer 查找卡住的 saga 并重放
type Recoverer struct {
	store    IStore
	registry *Registry
	cfg      RecoveryConfig
	log      logging.Logger
	clock    func() time.Time
}

// NewRecoverer 创建恢复器
func NewRecoverer(store IStore, registry *Registry, cfg RecoveryConfig, logger logging.Logger) *Recoverer {
	if logger == nil {
		logger = logging.ComponentLogger("saga.recovery")
	}
	return &Recoverer{store: store, registry: registry, cfg: cfg.withDefaults(), log: logger, clock: time.Now}
}

// RecoverStuck 重放卡住的 saga，返回重放数量；单个 saga 失败不影响其他
func (r *Recoverer) RecoverStuck(ctx context.Context) (int, error) {
	cutoff := r.clock().Add(-r.cfg.StuckAfter)
	stuck, err := r.store.FindStuck(ctx, ActiveStatuses, cutoff, r.cfg.MaxActive)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, sg := range stuck {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		rn, err := r.registry.Get(sg.SagaName)
		if err != nil {
			r.log.Warn(ctx, "未注册的 saga 类型，跳过恢复", logging.SagaID(sg.SagaID), logging.String("saga_name", sg.SagaName))
			continue
		}
		if err := rn.ReplaySaga(ctx, sg); err != nil {
			r.log.Error(ctx, "saga 重放失败", logging.SagaID(sg.SagaID), logging.Error(err))
			continue
		}
		replayed++
	}
	if len(stuck) > 0 {
		r.log.Info(ctx, "卡住的 saga 恢复完成", logging.Int("found", len(stuck)), logging.Int("replayed", replayed))
	}
	return replayed, nil
}

// PendingRequest 待启动的 saga 请求
type PendingRequest struct {
	ID          string
	SagaName    string
	BusinessKey string
	Payload     string
	User        string
}

// PendingSource saga 创建请求的待处理队列
type PendingSource interface {
	// FetchPending 按先后顺序取出最多 limit 条待处理请求
	FetchPending(ctx context.Context, limit int) ([]PendingRequest, error)
	// MarkLoaded 请求已转为 saga
	MarkLoaded(ctx context.Context, requestID, sagaID string) error
}

// Launcher 在活跃 saga 数量低于上限时从待处理队列创建并启动 saga
type Launcher struct {
	store    IStore
	registry *Registry
	source   PendingSource
	cfg      RecoveryConfig
	log      logging.Logger
	metrics  *monitoring.Metrics
}

// NewLauncher 创建启动器
func NewLauncher(store IStore, registry *Registry, source PendingSource, cfg RecoveryConfig, logger logging.Logger, metrics *monitoring.Metrics) *Launcher {
	if logger == nil {
		logger = logging.ComponentLogger("saga.launcher")
	}
	return &Launcher{store: store, registry: registry, source: source, cfg: cfg.withDefaults(), log: logger, metrics: metrics}
}

// LaunchPending 返回本次启动的 saga 数量
func (l *Launcher) LaunchPending(ctx context.Context) (int, error) {
	active, err := l.store.CountByStatuses(ctx, ActiveStatuses...)
	if err != nil {
		return 0, err
	}
	l.metrics.SetActiveSagas(int(active))

	capacity := int64(l.cfg.MaxActive) - active
	if capacity <= 0 {
		l.log.Info(ctx, "活跃 saga 已达上限，暂不启动新的 saga",
			logging.Int64("active", active), logging.Int("max_active", l.cfg.MaxActive))
		return 0, nil
	}

	pending, err := l.source.FetchPending(ctx, int(capacity))
	if err != nil {
		return 0, err
	}

	launched := 0
	for _, req := range pending {
		if ctx.Err() != nil {
			return launched, ctx.Err()
		}
		ok, err := l.launch(ctx, req)
		if err != nil {
			l.log.Error(ctx, "启动 saga 失败", logging.String("request_id", req.ID), logging.Error(err))
			continue
		}
		if ok {
			launched++
		}
	}
	return launched, nil
}

func (l *Launcher) launch(ctx context.Context, req PendingRequest) (bool, error) {
	rn, err := l.registry.Get(req.SagaName)
	if err != nil {
		return false, err
	}

	existing, err := l.store.FindActiveByBusinessKey(ctx, req.SagaName, req.BusinessKey)
	switch {
	case err == nil:
		l.log.Info(ctx, "已有进行中的 saga，跳过创建",
			logging.String("request_id", req.ID), logging.SagaID(existing.SagaID))
		return false, l.source.MarkLoaded(ctx, req.ID, existing.SagaID)
	case !errors.Is(err, ErrSagaNotFound):
		return false, err
	}

	user := req.User
	if user == "" {
		user = l.cfg.User
	}
	sg, err := rn.CreateSagaFromPayload(ctx, req.Payload, user, req.BusinessKey)
	if err != nil {
		return false, err
	}
	if err := l.source.MarkLoaded(ctx, req.ID, sg.SagaID); err != nil {
		return false, err
	}
	if err := rn.StartSaga(ctx, sg); err != nil {
		// saga 已创建，起始事件未记录时由恢复任务重放
		l.log.Warn(ctx, "saga 已创建但启动失败，等待恢复", logging.SagaID(sg.SagaID), logging.Error(err))
	}
	return true, nil
}
