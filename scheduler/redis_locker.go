package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "sagaflow/errors"
)

// releaseScript 仅当值与令牌一致时删除
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// shortenScript 仅当值与令牌一致时重设过期时间
const shortenScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

// RedisLocker 基于 SET NX PX 的锁
type RedisLocker struct {
	client    redis.Cmdable
	keyPrefix string
	clock     func() time.Time
}

// NewRedisLocker 创建 Redis 锁
func NewRedisLocker(client redis.Cmdable, keyPrefix string) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "sagaflow:lock"
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix, clock: time.Now}
}

func (l *RedisLocker) key(name string) string {
	return l.keyPrefix + ":" + name
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, atMostFor time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(name), token, atMostFor).Result()
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeDependency, "redis lock")
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &Lease{Name: name, Token: token, LockedAt: l.clock()}, nil
}

// Unlock 未满 atLeastFor 时把过期时间缩短为剩余时长，否则删除
func (l *RedisLocker) Unlock(ctx context.Context, lease *Lease, atLeastFor time.Duration) error {
	now := l.clock()
	var err error
	if until := holdUntil(lease, atLeastFor, now); !until.IsZero() {
		err = l.client.Eval(ctx, shortenScript, []string{l.key(lease.Name)}, lease.Token, until.Sub(now).Milliseconds()).Err()
	} else {
		err = l.client.Eval(ctx, releaseScript, []string{l.key(lease.Name)}, lease.Token).Err()
	}
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDependency, "redis unlock")
	}
	return nil
}

var _ Locker = (*RedisLocker)(nil)
