package authinfra

import (
	"context"
	"errors"
	"time"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/auth"
	"github.com/redis/go-redis/v9"
)

var lockoutErrors = errx.NewRegistry("LOCKOUT")

var ErrLockoutStore = lockoutErrors.Register("STORE", errx.TypeExternal, 0, "Lockout store unavailable")

func attemptsKey(key string) string { return "auth_lockout:attempts:" + key }
func countKey(key string) string    { return "auth_lockout:count:" + key }
func untilKey(key string) string    { return "auth_lockout:until:" + key }

// failureScript counts one failure inside the window. When the threshold is
// reached it clears the counter and returns the new lock number, else 0.
var failureScript = redis.NewScript(`
local attempts = redis.call('INCR', KEYS[1])
if attempts == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
if attempts < tonumber(ARGV[2]) then
	return 0
end
redis.call('DEL', KEYS[1])
local n = redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return n
`)

// RedisLockout keeps per-account failure counters in Redis so every
// instance sees the same lock.
type RedisLockout struct {
	rdb    *redis.Client
	policy auth.LockoutPolicy
	now    func() time.Time
}

func NewRedisLockout(rdb *redis.Client, policy auth.LockoutPolicy) *RedisLockout {
	return &RedisLockout{rdb: rdb, policy: policy, now: time.Now}
}

var _ auth.Lockout = (*RedisLockout)(nil)

func (l *RedisLockout) LockedUntil(ctx context.Context, key string) (time.Time, error) {
	ms, err := l.rdb.Get(ctx, untilKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, lockoutErrors.NewWithCause(ErrLockoutStore, err)
	}
	until := time.UnixMilli(ms)
	if !until.After(l.now()) {
		return time.Time{}, nil
	}
	return until, nil
}

func (l *RedisLockout) RecordFailure(ctx context.Context, key string) (time.Time, error) {
	// the lock number decays once the account stays quiet past the longest lock
	countTTL := l.policy.Max + l.policy.Window

	n, err := failureScript.Run(ctx, l.rdb,
		[]string{attemptsKey(key), countKey(key)},
		l.policy.Window.Milliseconds(), l.policy.MaxAttempts, countTTL.Milliseconds(),
	).Int()
	if err != nil {
		return time.Time{}, lockoutErrors.NewWithCause(ErrLockoutStore, err)
	}
	if n == 0 {
		return time.Time{}, nil
	}

	d := l.policy.Duration(n)
	until := l.now().Add(d)
	if err := l.rdb.Set(ctx, untilKey(key), until.UnixMilli(), d).Err(); err != nil {
		return time.Time{}, lockoutErrors.NewWithCause(ErrLockoutStore, err)
	}
	return until, nil
}

func (l *RedisLockout) Reset(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, attemptsKey(key), countKey(key)).Err(); err != nil {
		return lockoutErrors.NewWithCause(ErrLockoutStore, err)
	}
	return nil
}
