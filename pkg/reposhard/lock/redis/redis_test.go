package redis_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamba-org/reposhard/pkg/reposhard/lock"
	"github.com/mamba-org/reposhard/pkg/reposhard/lock/redis"
)

// skipIfRedisNotAvailable skips the test unless a live Redis server has been
// opted into via REPOSHARD_ENABLE_REDIS_TESTS=1.
func skipIfRedisNotAvailable(t *testing.T) {
	t.Helper()

	if os.Getenv("REPOSHARD_ENABLE_REDIS_TESTS") != "1" {
		t.Skip("Redis tests disabled (set REPOSHARD_ENABLE_REDIS_TESTS=1 to enable)")
	}
}

func getTestConfig() redis.Config {
	addrs := []string{"localhost:6379"}

	if envAddrs := os.Getenv("REPOSHARD_TEST_REDIS_ADDRS"); envAddrs != "" {
		addrs = []string{envAddrs}
	}

	return redis.Config{
		Addrs:     addrs,
		KeyPrefix: "test:reposhard:lock:",
	}
}

func getTestRetryConfig() lock.RetryConfig {
	return lock.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Jitter:       true,
	}
}

func getUniqueKey(t *testing.T, prefix string) string {
	t.Helper()

	return prefix + "-" + t.Name() + "-" + time.Now().Format("20060102-150405.000000")
}

func TestLocker_BasicLockUnlock(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()

	locker, err := redis.NewLocker(ctx, getTestConfig(), getTestRetryConfig(), false)
	require.NoError(t, err)

	key := getUniqueKey(t, "basic-lock")

	require.NoError(t, locker.Lock(ctx, key, 10*time.Second))
	require.NoError(t, locker.Unlock(ctx, key))
}

func TestLocker_ConcurrentLockContention(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()
	cfg := getTestConfig()
	retryCfg := getTestRetryConfig()

	locker1, err := redis.NewLocker(ctx, cfg, retryCfg, false)
	require.NoError(t, err)

	locker2, err := redis.NewLocker(ctx, cfg, retryCfg, false)
	require.NoError(t, err)

	key := getUniqueKey(t, "contention")

	require.NoError(t, locker1.Lock(ctx, key, 2*time.Second))

	ctx2, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	err = locker2.Lock(ctx2, key, 2*time.Second)
	require.Error(t, err, "second locker should not acquire lock while first holds it")

	require.NoError(t, locker1.Unlock(ctx, key))

	require.NoError(t, locker2.Lock(ctx, key, 2*time.Second))
	require.NoError(t, locker2.Unlock(ctx, key))
}

func TestLocker_TryLock(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()
	cfg := getTestConfig()
	retryCfg := getTestRetryConfig()

	locker1, err := redis.NewLocker(ctx, cfg, retryCfg, false)
	require.NoError(t, err)

	locker2, err := redis.NewLocker(ctx, cfg, retryCfg, false)
	require.NoError(t, err)

	key := getUniqueKey(t, "trylock")

	acquired, err := locker1.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "first TryLock should succeed")

	acquired2, err := locker2.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired2, "second TryLock should fail while first holds lock")

	require.NoError(t, locker1.Unlock(ctx, key))

	acquired3, err := locker2.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired3, "TryLock should succeed after lock released")

	require.NoError(t, locker2.Unlock(ctx, key))
}

func TestLocker_LockExpiry(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()
	cfg := getTestConfig()
	retryCfg := getTestRetryConfig()

	locker1, err := redis.NewLocker(ctx, cfg, retryCfg, false)
	require.NoError(t, err)

	locker2, err := redis.NewLocker(ctx, cfg, retryCfg, false)
	require.NoError(t, err)

	key := getUniqueKey(t, "expiry")

	require.NoError(t, locker1.Lock(ctx, key, 1*time.Second))

	time.Sleep(2 * time.Second)

	err = locker2.Lock(ctx, key, 5*time.Second)
	require.NoError(t, err, "should acquire lock after TTL expiry")

	require.NoError(t, locker2.Unlock(ctx, key))
}

func TestLocker_DegradedMode(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()

	cfg := redis.Config{
		Addrs:     []string{"localhost:9999"},
		KeyPrefix: "test:reposhard:lock:",
	}

	locker, err := redis.NewLocker(ctx, cfg, getTestRetryConfig(), true)
	require.NoError(t, err, "should create locker in degraded mode")

	key := getUniqueKey(t, "degraded")

	require.NoError(t, locker.Lock(ctx, key, 5*time.Second))
	require.NoError(t, locker.Unlock(ctx, key))
}

func TestLocker_DegradedModeDisabled(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()

	cfg := redis.Config{
		Addrs:     []string{"localhost:9999"},
		KeyPrefix: "test:reposhard:lock:",
	}

	_, err := redis.NewLocker(ctx, cfg, getTestRetryConfig(), false)
	require.Error(t, err, "should fail to create locker without degraded mode")
}

func TestLocker_NoAddresses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := redis.NewLocker(ctx, redis.Config{}, getTestRetryConfig(), false)
	assert.ErrorIs(t, err, redis.ErrNoRedisAddrs)
}

func TestRWLocker_BasicReadWriteLock(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()

	locker, err := redis.NewRWLocker(ctx, getTestConfig(), getTestRetryConfig(), false)
	require.NoError(t, err)

	key := getUniqueKey(t, "rw-basic")

	require.NoError(t, locker.RLock(ctx, key, 10*time.Second))
	require.NoError(t, locker.RUnlock(ctx, key))

	require.NoError(t, locker.Lock(ctx, key, 10*time.Second))
	require.NoError(t, locker.Unlock(ctx, key))
}

func TestRWLocker_MultipleReaders(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()
	cfg := getTestConfig()
	retryCfg := getTestRetryConfig()

	const numReaders = 5

	readerLockers := make([]interface {
		RLock(context.Context, string, time.Duration) error
		RUnlock(context.Context, string) error
	}, numReaders)

	for i := range readerLockers {
		l, err := redis.NewRWLocker(ctx, cfg, retryCfg, false)
		require.NoError(t, err)

		readerLockers[i] = l
	}

	key := getUniqueKey(t, "rw-readers")

	var (
		wg            sync.WaitGroup
		barrier       sync.WaitGroup
		readersActive int64
	)

	barrier.Add(numReaders)

	for _, l := range readerLockers {
		wg.Add(1)

		go func(l interface {
			RLock(context.Context, string, time.Duration) error
			RUnlock(context.Context, string) error
		},
		) {
			defer wg.Done()

			err := l.RLock(ctx, key, 10*time.Second)
			assert.NoError(t, err)

			atomic.AddInt64(&readersActive, 1)

			barrier.Done()
			barrier.Wait()

			active := atomic.LoadInt64(&readersActive)
			assert.GreaterOrEqual(t, active, int64(numReaders), "all readers should be active simultaneously")

			time.Sleep(50 * time.Millisecond)

			atomic.AddInt64(&readersActive, -1)

			assert.NoError(t, l.RUnlock(ctx, key))
		}(l)
	}

	wg.Wait()
}

func TestRWLocker_WriterBlocksReaders(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()
	cfg := getTestConfig()
	retryCfg := getTestRetryConfig()

	locker1, err := redis.NewRWLocker(ctx, cfg, retryCfg, false)
	require.NoError(t, err)

	locker2, err := redis.NewRWLocker(ctx, cfg, retryCfg, false)
	require.NoError(t, err)

	key := getUniqueKey(t, "rw-writer-blocks")

	require.NoError(t, locker1.Lock(ctx, key, 5*time.Second))

	ctx2, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	err = locker2.RLock(ctx2, key, 5*time.Second)
	require.Error(t, err, "read lock should be blocked by write lock")

	require.NoError(t, locker1.Unlock(ctx, key))

	require.NoError(t, locker2.RLock(ctx, key, 5*time.Second))
	require.NoError(t, locker2.RUnlock(ctx, key))
}

func TestRWLocker_TryLockWithReaders(t *testing.T) {
	t.Parallel()
	skipIfRedisNotAvailable(t)

	ctx := context.Background()
	cfg := getTestConfig()
	retryCfg := getTestRetryConfig()

	locker1, err := redis.NewRWLocker(ctx, cfg, retryCfg, false)
	require.NoError(t, err)

	locker2, err := redis.NewRWLocker(ctx, cfg, retryCfg, false)
	require.NoError(t, err)

	key := getUniqueKey(t, "rw-trylock-readers")

	require.NoError(t, locker1.RLock(ctx, key, 5*time.Second))

	acquired, err := locker2.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired, "write TryLock should fail when readers present")

	require.NoError(t, locker1.RUnlock(ctx, key))

	acquired2, err := locker2.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired2, "write TryLock should succeed after readers release")

	require.NoError(t, locker2.Unlock(ctx, key))
}
