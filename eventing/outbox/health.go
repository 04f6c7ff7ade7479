package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sagaflow/eventing"
	"sagaflow/eventing/store"
)

// HealthStatus 健康状态
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"   // 健康
	HealthStatusDegraded  HealthStatus = "degraded"  // 降级
	HealthStatusUnhealthy HealthStatus = "unhealthy" // 不健康
)

// Health Outbox 健康快照
type Health struct {
	Status           HealthStatus  `json:"status"`
	Message          string        `json:"message"`
	CommittedCount   int64         `json:"committed_count"`
	PublishedCount   int64         `json:"published_count"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
	CollectedAt      time.Time     `json:"collected_at"`
}

// HealthChecker 根据积压数量与最老记录年龄判断发布链路是否健康
type HealthChecker struct {
	store           store.IEventStore
	maxPendingCount int64
	maxPendingAge   time.Duration
	clock           func() time.Time
}

// NewHealthChecker 创建健康检查器，阈值为 0 时使用默认值
func NewHealthChecker(s store.IEventStore, cfg Config) *HealthChecker {
	def := DefaultConfig()
	if cfg.MaxPendingCount <= 0 {
		cfg.MaxPendingCount = def.MaxPendingCount
	}
	if cfg.MaxPendingAge <= 0 {
		cfg.MaxPendingAge = def.MaxPendingAge
	}
	return &HealthChecker{
		store:           s,
		maxPendingCount: cfg.MaxPendingCount,
		maxPendingAge:   cfg.MaxPendingAge,
		clock:           time.Now,
	}
}

// Check 采集并评估健康状态
func (c *HealthChecker) Check(ctx context.Context) (*Health, error) {
	now := c.clock()
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return &Health{Status: HealthStatusUnhealthy, Message: "failed to count events", CollectedAt: now}, err
	}
	h := &Health{
		CommittedCount: counts[eventing.StatusDBCommitted],
		PublishedCount: counts[eventing.StatusMessagePublished],
		CollectedAt:    now,
	}

	oldest, err := c.store.FindCommittedBefore(ctx, now, 1)
	if err != nil {
		h.Status, h.Message = HealthStatusUnhealthy, "failed to query pending events"
		return h, err
	}
	if len(oldest) > 0 {
		h.OldestPendingAge = now.Sub(oldest[0].CreatedAt)
	}

	var issues []string
	if h.CommittedCount > c.maxPendingCount {
		issues = append(issues, fmt.Sprintf("pending count too high: %d (threshold: %d)", h.CommittedCount, c.maxPendingCount))
	}
	if h.OldestPendingAge > c.maxPendingAge {
		issues = append(issues, fmt.Sprintf("oldest pending age too old: %s (threshold: %s)", h.OldestPendingAge, c.maxPendingAge))
	}

	switch len(issues) {
	case 0:
		h.Status, h.Message = HealthStatusHealthy, "all metrics within thresholds"
	case 1:
		h.Status, h.Message = HealthStatusDegraded, "degraded: "+issues[0]
	default:
		h.Status, h.Message = HealthStatusUnhealthy, "unhealthy: "+strings.Join(issues, "; ")
	}
	return h, nil
}
