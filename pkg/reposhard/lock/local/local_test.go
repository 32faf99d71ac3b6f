package local_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamba-org/reposhard/pkg/reposhard/lock/local"
)

// ensureLockHeld gives a concurrent goroutine time to observe a lock state
// before the caller continues.
func ensureLockHeld(t *testing.T) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
}

func TestLocker_BasicLockUnlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	err := locker.Lock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)

	err = locker.Unlock(ctx, "test-key")
	require.NoError(t, err)
}

func TestLocker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	var (
		counter int64
		wg      sync.WaitGroup
	)

	for range 10 {
		wg.Go(func() {
			for range 100 {
				err := locker.Lock(ctx, "counter", 5*time.Second)
				require.NoError(t, err)

				val := atomic.LoadInt64(&counter)

				time.Sleep(time.Microsecond)
				atomic.StoreInt64(&counter, val+1)

				err = locker.Unlock(ctx, "counter")
				assert.NoError(t, err)
			}
		})
	}

	wg.Wait()

	assert.Equal(t, int64(1000), atomic.LoadInt64(&counter))
}

func TestLocker_TryLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	acquired, err := locker.TryLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired2, err := locker.TryLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired2)

	err = locker.Unlock(ctx, "test-key")
	require.NoError(t, err)

	acquired3, err := locker.TryLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired3)

	err = locker.Unlock(ctx, "test-key")
	require.NoError(t, err)
}

func TestLocker_PerKeyLocksAndIgnoresTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	err := locker.Lock(ctx, "key1", 1*time.Second)
	require.NoError(t, err)

	acquired, err := locker.TryLock(ctx, "key2", 1*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "local lock should use per-key mutexes")

	acquired2, err := locker.TryLock(ctx, "key1", 1*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired2, "same key should be locked")

	err = locker.Unlock(ctx, "key1")
	require.NoError(t, err)

	err = locker.Unlock(ctx, "key2")
	require.NoError(t, err)

	err = locker.Lock(ctx, "key3", 999*time.Hour)
	require.NoError(t, err)

	err = locker.Unlock(ctx, "key3")
	require.NoError(t, err)
}

// TestLocker_ConcurrentUnlock exercises many goroutines racing to Unlock the
// same key; none should panic.
func TestLocker_ConcurrentUnlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewLocker()

	err := locker.Lock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup

	start := make(chan struct{})

	for range 10 {
		wg.Go(func() {
			<-start

			_ = locker.Unlock(ctx, "test-key")
		})
	}

	close(start)
	wg.Wait()
}

func TestRWLocker_BasicReadWriteLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewRWLocker()

	err := locker.RLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)

	err = locker.RUnlock(ctx, "test-key")
	require.NoError(t, err)

	err = locker.Lock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)

	err = locker.Unlock(ctx, "test-key")
	require.NoError(t, err)
}

func TestRWLocker_MultipleReaders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewRWLocker()

	numReaders := 5

	var (
		wg            sync.WaitGroup
		barrier       sync.WaitGroup
		readersActive int64
	)

	barrier.Add(numReaders)

	for range numReaders {
		wg.Go(func() {
			err := locker.RLock(ctx, "test-key", 5*time.Second)
			require.NoError(t, err)

			atomic.AddInt64(&readersActive, 1)

			barrier.Done()
			barrier.Wait()

			active := atomic.LoadInt64(&readersActive)
			assert.GreaterOrEqual(t, active, int64(numReaders), "all readers should be active simultaneously")

			ensureLockHeld(t)

			atomic.AddInt64(&readersActive, -1)

			err = locker.RUnlock(ctx, "test-key")
			assert.NoError(t, err)
		})
	}

	wg.Wait()
}

func TestRWLocker_WriterBlocksReaders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewRWLocker()

	err := locker.Lock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)

	var writerHolding atomic.Int32
	writerHolding.Store(1)

	var readerAcquired atomic.Int32

	go func() {
		err := locker.RLock(ctx, "test-key", 5*time.Second)
		assert.NoError(t, err)

		assert.Equal(t, int32(0), writerHolding.Load(), "reader acquired while writer still holding")

		readerAcquired.Store(1)

		err = locker.RUnlock(ctx, "test-key")
		assert.NoError(t, err)
	}()

	ensureLockHeld(t)

	writerHolding.Store(0)

	err = locker.Unlock(ctx, "test-key")
	require.NoError(t, err)

	ensureLockHeld(t)
	assert.Equal(t, int32(1), readerAcquired.Load(), "reader should have acquired lock")
}

func TestRWLocker_TryLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewRWLocker()

	err := locker.Lock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)

	acquired, err := locker.TryLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	err = locker.Unlock(ctx, "test-key")
	require.NoError(t, err)

	acquired2, err := locker.TryLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired2)

	err = locker.Unlock(ctx, "test-key")
	require.NoError(t, err)
}

func TestRWLocker_ConcurrentUnlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewRWLocker()

	err := locker.Lock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup

	start := make(chan struct{})

	for range 10 {
		wg.Go(func() {
			<-start

			_ = locker.Unlock(ctx, "test-key")
		})
	}

	close(start)
	wg.Wait()
}

func TestRWLocker_ConcurrentRUnlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	locker := local.NewRWLocker()

	err := locker.RLock(ctx, "test-key", 5*time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup

	start := make(chan struct{})

	for range 10 {
		wg.Go(func() {
			<-start

			_ = locker.RUnlock(ctx, "test-key")
		})
	}

	close(start)
	wg.Wait()
}
