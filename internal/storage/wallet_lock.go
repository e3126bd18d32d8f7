package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wallet-insights/internal/logging"
)

// ErrLockNotAcquired is returned when another process holds the wallet lock
var ErrLockNotAcquired = errors.New("wallet lock held by another writer")

// releaseScript deletes the lock only when the caller still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only while the caller still owns it
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisWalletLock serializes writers of one wallet across processes. A held
// lock is renewed every third of its ttl, so ttl only bounds how long a
// crashed holder blocks others, not how long a write may run.
type RedisWalletLock struct {
	redis *RedisCache
	ttl   time.Duration
	wait  time.Duration
	poll  time.Duration
}

// NewRedisWalletLock creates a lock whose keys expire after ttl unless
// renewed. Acquire
// polls for up to wait before giving up.
func NewRedisWalletLock(redis *RedisCache, ttl, wait time.Duration) *RedisWalletLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisWalletLock{redis: redis, ttl: ttl, wait: wait, poll: 25 * time.Millisecond}
}

func walletLockKey(walletID string) string {
	return "lock:wallet:" + walletID
}

// Acquire takes the lock for walletID and returns its release function
func (l *RedisWalletLock) Acquire(ctx context.Context, walletID string) (func(), error) {
	key := walletLockKey(walletID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire wallet lock: %w", err)
		}
		if ok {
			return l.hold(ctx, key, token), nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// hold renews the lock at key until the returned release is called
func (l *RedisWalletLock) hold(ctx context.Context, key, token string) func() {
	log := logging.FromContext(ctx).WithField("lock", key)
	stop := make(chan struct{})
	done := make(chan struct{})
	interval := l.ttl / 3

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			rctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := renewScript.Run(rctx, l.redis.Client(), []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				log.WithError(err).Warn("wallet lock renewal failed")
			case n == 0:
				log.Warn("wallet lock lost before release")
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// background context so release survives caller cancellation
			_ = releaseScript.Run(context.Background(), l.redis.Client(), []string{key}, token).Err()
		})
	}
}
