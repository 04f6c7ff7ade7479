package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "sagaflow/errors"
	"sagaflow/storage/database"
	"sagaflow/storage/database/schema"
	sqlbuilder "sagaflow/storage/database/sql"
)

// SQLLocker 基于租约行的锁，表结构见 schema.TableLock
type SQLLocker struct {
	db    database.IDatabase
	owner string
	clock func() time.Time
}

// NewSQLLocker 创建 SQL 锁，owner 标识当前实例
func NewSQLLocker(db database.IDatabase, owner string) *SQLLocker {
	if owner == "" {
		owner = "sagaflow"
	}
	return &SQLLocker{db: db, owner: owner, clock: time.Now}
}

// TryLock 先尝试插入租约行，已存在时仅在租约过期后接管
func (l *SQLLocker) TryLock(ctx context.Context, name string, atMostFor time.Duration) (*Lease, error) {
	now := l.clock().UTC()
	lease := &Lease{Name: name, Token: l.owner + "#" + uuid.NewString(), LockedAt: now}
	until := now.Add(atMostFor)

	res, err := sqlbuilder.New(l.db).InsertInto(schema.TableLock).
		Columns("name", "lock_until", "locked_at", "locked_by").
		Values(name, until, now, lease.Token).
		OnConflictDoNothing("name").
		Exec(ctx)
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "insert lock")
	}
	if sqlbuilder.RowsAffected(res) == 1 {
		return lease, nil
	}

	res, err = sqlbuilder.New(l.db).Update(schema.TableLock).
		Set("lock_until", until).
		Set("locked_at", now).
		Set("locked_by", lease.Token).
		Where("name = ?", name).
		Where("lock_until <= ?", now).
		Exec(ctx)
	if err != nil {
		return nil, apperrors.WrapDatabaseError(err, "take over lock")
	}
	if sqlbuilder.RowsAffected(res) == 1 {
		return lease, nil
	}
	return nil, ErrLockNotAcquired
}

// Unlock 将 lock_until 缩短到 max(now, LockedAt+atLeastFor)
func (l *SQLLocker) Unlock(ctx context.Context, lease *Lease, atLeastFor time.Duration) error {
	now := l.clock().UTC()
	until := holdUntil(lease, atLeastFor, now)
	if until.IsZero() {
		until = now
	}
	_, err := sqlbuilder.New(l.db).Update(schema.TableLock).
		Set("lock_until", until.UTC()).
		Where("name = ?", lease.Name).
		Where("locked_by = ?", lease.Token).
		Exec(ctx)
	return apperrors.WrapDatabaseError(err, "release lock")
}

var _ Locker = (*SQLLocker)(nil)
