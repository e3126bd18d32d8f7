package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisWalletLock_MutualExclusion(t *testing.T) {
	rc, _ := newMiniRedis(t)
	lock := NewRedisWalletLock(rc, 5*time.Second, 50*time.Millisecond)
	ctx := testContext(t)

	release, err := lock.Acquire(ctx, "w-1")
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, "w-1")
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	// other wallets are independent
	releaseOther, err := lock.Acquire(ctx, "w-2")
	require.NoError(t, err)
	releaseOther()

	release()
	release2, err := lock.Acquire(ctx, "w-1")
	require.NoError(t, err)
	release2()
}

func TestRedisWalletLock_ReleaseOnlyOwnToken(t *testing.T) {
	rc, mr := newMiniRedis(t)
	lock := NewRedisWalletLock(rc, time.Second, 10*time.Millisecond)
	ctx := testContext(t)

	release, err := lock.Acquire(ctx, "w-1")
	require.NoError(t, err)

	// lock expires and is taken by a second writer
	mr.FastForward(2 * time.Second)
	release2, err := lock.Acquire(ctx, "w-1")
	require.NoError(t, err)

	// the stale holder must not delete the new owner's key
	release()
	assert.True(t, mr.Exists(walletLockKey("w-1")))
	release2()
	assert.False(t, mr.Exists(walletLockKey("w-1")))
}

func TestRedisWalletLock_ContextCancelled(t *testing.T) {
	rc, _ := newMiniRedis(t)
	lock := NewRedisWalletLock(rc, 5*time.Second, time.Minute)

	release, err := lock.Acquire(context.Background(), "w-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = lock.Acquire(ctx, "w-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisWalletLock_RenewedWhileHeld(t *testing.T) {
	rc, mr := newMiniRedis(t)
	lock := NewRedisWalletLock(rc, 90*time.Millisecond, 10*time.Millisecond)
	ctx := testContext(t)
	key := walletLockKey("w-1")

	release, err := lock.Acquire(ctx, "w-1")
	require.NoError(t, err)

	// a write running past the ttl keeps the lock
	mr.FastForward(60 * time.Millisecond)
	require.Eventually(t, func() bool { return mr.TTL(key) > 60*time.Millisecond }, time.Second, 5*time.Millisecond)
	mr.FastForward(60 * time.Millisecond)
	require.Eventually(t, func() bool { return mr.TTL(key) > 60*time.Millisecond }, time.Second, 5*time.Millisecond)
	assert.True(t, mr.Exists(key))
	_, err = lock.Acquire(ctx, "w-1")
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	release()
	assert.False(t, mr.Exists(key))
	// releasing twice is harmless
	release()
}

func TestRedisWalletLock_RenewalNeverExtendsAnotherOwner(t *testing.T) {
	rc, mr := newMiniRedis(t)
	lock := NewRedisWalletLock(rc, 90*time.Millisecond, 10*time.Millisecond)
	ctx := testContext(t)
	key := walletLockKey("w-1")

	release, err := lock.Acquire(ctx, "w-1")
	require.NoError(t, err)
	defer release()

	// the holder stalls, its key expires and another writer owns the wallet
	mr.FastForward(time.Second)
	require.NoError(t, mr.Set(key, "other-writer"))
	mr.SetTTL(key, 50*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, mr.TTL(key))
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "other-writer", got)
}
