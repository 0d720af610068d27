package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is already held by another owner.
var ErrNotAcquired = errors.New("lock already held")

// releaseScript deletes the key only if it still belongs to the caller, so a
// lock that expired and was re-acquired by someone else is never released by
// the stale owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AttemptLock is a Redis-backed single-flight lock with TTL. One lock guards
// one (tenant, exam, user) key for the lifetime of an attempt; the TTL plus
// the sweeper reclaim abandoned locks of crashed clients.
type AttemptLock struct {
	rdb *redis.Client
}

// NewAttemptLock creates an AttemptLock on the given Redis client.
func NewAttemptLock(rdb *redis.Client) *AttemptLock {
	return &AttemptLock{rdb: rdb}
}

// Acquire takes the lock for owner with the given TTL. Exactly one of N
// concurrent callers succeeds; the rest get ErrNotAcquired.
func (l *AttemptLock) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := l.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	return nil
}

// Held reports whether the lock is currently held by owner. Callers use it
// as a fencing check before applying writes: a missing or foreign value
// means the attempt was reclaimed and the in-flight write must be rejected.
func (l *AttemptLock) Held(ctx context.Context, key, owner string) (bool, error) {
	val, err := l.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == owner, nil
}

// Owner returns the current lock holder, or "" when the lock is free.
func (l *AttemptLock) Owner(ctx context.Context, key string) (string, error) {
	val, err := l.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Release frees the lock if owner still holds it. Releasing a lock held by
// someone else (or already expired) is a no-op, not an error.
func (l *AttemptLock) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, l.rdb, []string{key}, owner).Err()
}
