package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"atelier/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultLockKey     = "atelier:maintenance-lock"
	lockTTL            = 30 * time.Second // lock TTL, guards against dead holders
	lockAcquireTimeout = 5 * time.Second
	lockRenewInterval  = 10 * time.Second
	maxLockHold        = 2 * time.Minute // holder gives up the lock after this
)

// Lock serializes background maintenance passes (retention purge, cache
// preload) across replicas so only one instance runs them.
type Lock interface {
	// TryLock attempts to acquire the lock without blocking on contention.
	TryLock(ctx context.Context) (bool, error)

	// Unlock releases the lock if this instance holds it.
	Unlock(ctx context.Context) error

	// IsHeld reports whether this instance currently holds the lock.
	IsHeld() bool
}

// DistributedLock is the Redis-backed Lock implementation. The lock value is
// unique per instance so one replica can never release another's lock.
type DistributedLock struct {
	client       *redis.Client
	lockKey      string
	lockValue    string
	ttl          time.Duration
	isHeld       bool
	acquiredAt   time.Time
	stopRenew    chan struct{}
	renewStopped bool
	mu           sync.Mutex
}

// NewDistributedLock creates a lock on the given key. An empty key falls back
// to the shared maintenance lock key.
func NewDistributedLock(client *redis.Client, lockKey string) *DistributedLock {
	if lockKey == "" {
		lockKey = defaultLockKey
	}
	return &DistributedLock{
		client:    client,
		lockKey:   lockKey,
		lockValue: fmt.Sprintf("%s-%s", lockKey, uuid.New().String()),
		ttl:       lockTTL,
		stopRenew: make(chan struct{}),
	}
}

// TryLock attempts SET NX with a TTL. A nil client degrades to single-instance
// mode where the lock is always granted.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		logger.Warn("redis client is nil, skipping distributed lock (running in single-instance mode)")
		l.mu.Lock()
		l.isHeld = true
		l.mu.Unlock()
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, l.lockKey, l.lockValue, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !acquired {
		logger.DebugCtx(ctx, "maintenance lock already held by another instance, key: %s", l.lockKey)
		return false, nil
	}

	l.mu.Lock()
	l.isHeld = true
	l.acquiredAt = time.Now()
	// Fresh channel per acquisition so TryLock/Unlock cycles can repeat.
	l.stopRenew = make(chan struct{})
	l.renewStopped = false
	l.mu.Unlock()

	go l.renewLock(ctx)

	logger.DebugCtx(ctx, "maintenance lock acquired, key: %s", l.lockKey)
	return true, nil
}

// Unlock stops renewal and deletes the key, but only when the stored value
// still matches this instance.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.isHeld {
		l.mu.Unlock()
		return nil
	}

	if l.client == nil {
		l.isHeld = false
		l.mu.Unlock()
		return nil
	}

	if !l.renewStopped {
		l.renewStopped = true
		close(l.stopRenew)
	}
	l.mu.Unlock()

	// Compare-and-delete so we never remove a lock another instance re-acquired
	// after our TTL lapsed.
	luaScript := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	result, err := l.client.Eval(ctx, luaScript, []string{l.lockKey}, l.lockValue).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	l.mu.Lock()
	l.isHeld = false
	l.mu.Unlock()

	if result.(int64) == 1 {
		logger.DebugCtx(ctx, "maintenance lock released, key: %s", l.lockKey)
	} else {
		logger.WarnCtx(ctx, "lock was already released or held by another instance, key: %s", l.lockKey)
	}

	return nil
}

// IsHeld reports whether this instance believes it holds the lock.
func (l *DistributedLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isHeld
}

// renewLock extends the TTL while the holder is alive. Runs until Unlock,
// context cancellation, renewal failure, or the max hold duration.
func (l *DistributedLock) renewLock(ctx context.Context) {
	ticker := time.NewTicker(lockRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRenew:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			holdDuration := time.Since(l.acquiredAt)
			l.mu.Unlock()

			if holdDuration > maxLockHold {
				logger.WarnCtx(ctx, "lock held for %.0f seconds, marking lost so the holder backs off", holdDuration.Seconds())
				// Never call Unlock from here; the owning goroutine does that.
				l.mu.Lock()
				l.isHeld = false
				l.mu.Unlock()
				return
			}

			// Compare-and-expire so we only extend our own lock.
			luaScript := `
				if redis.call("get", KEYS[1]) == ARGV[1] then
					return redis.call("expire", KEYS[1], ARGV[2])
				else
					return 0
				end
			`

			result, err := l.client.Eval(ctx, luaScript,
				[]string{l.lockKey},
				l.lockValue,
				int(l.ttl.Seconds())).Result()

			if err != nil {
				logger.WarnCtx(ctx, "failed to renew lock: %v", err)
				l.mu.Lock()
				l.isHeld = false
				l.mu.Unlock()
				return
			}

			if result.(int64) == 0 {
				logger.WarnCtx(ctx, "lock renewal failed, lock lost, key: %s", l.lockKey)
				l.mu.Lock()
				l.isHeld = false
				l.mu.Unlock()
				return
			}

			logger.DebugCtx(ctx, "maintenance lock renewed, key: %s", l.lockKey)
		}
	}
}
