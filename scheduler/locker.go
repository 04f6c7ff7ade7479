package scheduler

import (
	"context"
	"errors"
	"time"
)

// ErrLockNotAcquired 锁被其他实例持有，属于正常跳过
var ErrLockNotAcquired = errors.New("scheduler: lock not acquired")

// Lease 已获取的锁
type Lease struct {
	Name     string
	Token    string
	LockedAt time.Time
}

// Locker 具名分布式锁
type Locker interface {
	// TryLock 尝试获取锁，最长持有 atMostFor；被占用时返回 ErrLockNotAcquired
	TryLock(ctx context.Context, name string, atMostFor time.Duration) (*Lease, error)

	// Unlock 释放锁，但至少保持到 LockedAt+atLeastFor
	Unlock(ctx context.Context, lease *Lease, atLeastFor time.Duration) error
}

// holdUntil 释放时锁应保持到的时刻，零值表示立即释放
func holdUntil(lease *Lease, atLeastFor time.Duration, now time.Time) time.Time {
	until := lease.LockedAt.Add(atLeastFor)
	if !until.After(now) {
		return time.Time{}
	}
	return until
}
