package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mamba-org/reposhard/pkg/reposhard/lock"
	"github.com/mamba-org/reposhard/pkg/reposhard/lock/local"
)

// RWLocker implements lock.RWLocker using Redis: a SETNX key for the writer
// and a hash of reader-id -> expiry for readers, so a writer can wait for
// readers to either finish or time out.
type RWLocker struct {
	client            redis.UniversalClient
	keyPrefix         string
	retryConfig       lock.RetryConfig
	allowDegradedMode bool

	readerIDMu sync.Mutex
	readerID   string

	fallbackLocker lock.RWLocker
	circuitBreaker *circuitBreaker

	// writeAcquisitionTimes tracks write-lock hold duration for metrics.
	// Read-lock duration isn't tracked since reads overlap concurrently.
	writeAcquisitionTimes sync.Map
}

// NewRWLocker connects to Redis (a cluster client if cfg.Addrs has more
// than one entry) and returns an RWLocker, falling back to a process-local
// RWLocker when allowDegradedMode is true and Redis is unreachable.
func NewRWLocker(ctx context.Context, cfg Config, retryCfg lock.RetryConfig, allowDegradedMode bool) (lock.RWLocker, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrNoRedisAddrs
	}

	var client redis.UniversalClient

	if len(cfg.Addrs) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addrs,
			Username: cfg.Username,
			Password: cfg.Password,
			PoolSize: cfg.PoolSize,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addrs[0],
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		if allowDegradedMode {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Redis unavailable, running in degraded mode with local locks")

			return local.NewRWLocker(), nil
		}

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}

	mode := "single-node"
	if len(cfg.Addrs) > 1 {
		mode = "cluster"
	}

	zerolog.Ctx(ctx).Info().Str("mode", mode).Int("nodes", len(cfg.Addrs)).Msg("connected to Redis for read-write locking")

	return &RWLocker{
		client:            client,
		keyPrefix:         cfg.KeyPrefix,
		retryConfig:       retryCfg,
		allowDegradedMode: allowDegradedMode,
		fallbackLocker:    local.NewRWLocker(),
		circuitBreaker:    newCircuitBreaker(5, 1*time.Minute),
	}, nil
}

func (rw *RWLocker) writerKey(key string) string  { return fmt.Sprintf("%s{%s}:writer", rw.keyPrefix, key) }
func (rw *RWLocker) readersKey(key string) string { return fmt.Sprintf("%s{%s}:readers", rw.keyPrefix, key) }

// Lock acquires an exclusive write lock, retrying with exponential backoff
// and waiting for any active readers to finish or expire.
func (rw *RWLocker) Lock(ctx context.Context, key string, ttl time.Duration) error {
	if rw.circuitBreaker.isOpen() {
		lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

		if rw.allowDegradedMode {
			return rw.fallbackLocker.Lock(ctx, key, ttl)
		}

		return ErrCircuitBreakerOpen
	}

	writerKey := rw.writerKey(key)
	readersKey := rw.readersKey(key)

	var lastErr error

	for attempt := 0; attempt < rw.retryConfig.MaxAttempts; attempt++ {
		if attempt > 0 {
			lock.RecordLockRetryAttempt(ctx, lock.LockTypeWrite)

			select {
			case <-ctx.Done():
				lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureContextCanceled)

				return ctx.Err()
			case <-time.After(lock.CalculateBackoff(rw.retryConfig, attempt)):
			}
		}

		success, err := rw.client.SetNX(ctx, writerKey, "1", ttl).Result()
		if err != nil {
			lastErr = err

			if isConnectionError(err) {
				rw.circuitBreaker.recordFailure()

				if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
					lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

					return rw.fallbackLocker.Lock(ctx, key, ttl)
				}
			}

			continue
		}

		if !success {
			lastErr = ErrWriteLockHeld

			continue
		}

		if err := rw.waitForReaders(ctx, key, readersKey, writerKey, ttl); err != nil {
			lastErr = err

			if err == ctx.Err() {
				return err
			}

			continue
		}

		rw.circuitBreaker.recordSuccess()
		lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultSuccess)
		rw.writeAcquisitionTimes.Store(key, time.Now())

		return nil
	}

	lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureMaxRetries)

	return fmt.Errorf("failed to acquire write lock after %d attempts: %w", rw.retryConfig.MaxAttempts, lastErr)
}

// waitForReaders blocks (cleaning up the writer key on any exit path other
// than success) until readersKey has no non-expired entries.
func (rw *RWLocker) waitForReaders(ctx context.Context, key, readersKey, writerKey string, ttl time.Duration) error {
	deadline := time.Now().Add(ttl)

	for {
		readers, err := rw.client.HGetAll(ctx, readersKey).Result()
		if err != nil {
			rw.client.Del(ctx, writerKey)

			return fmt.Errorf("error checking readers: %w", err)
		}

		now := time.Now()
		activeReaders := 0

		for readerID, expiresAtStr := range readers {
			expiresAt, err := time.Parse(time.RFC3339, expiresAtStr)
			if err != nil {
				rw.client.HDel(ctx, readersKey, readerID)

				continue
			}

			if expiresAt.After(now) {
				activeReaders++
			} else {
				rw.client.HDel(ctx, readersKey, readerID)
			}
		}

		if activeReaders == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			rw.client.Del(ctx, writerKey)

			return ErrReadersTimeout
		}

		select {
		case <-ctx.Done():
			rw.client.Del(ctx, writerKey)

			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Unlock releases an exclusive write lock.
func (rw *RWLocker) Unlock(ctx context.Context, key string) error {
	if val, ok := rw.writeAcquisitionTimes.LoadAndDelete(key); ok {
		if startTime, ok := val.(time.Time); ok {
			lock.RecordLockDuration(ctx, lock.LockTypeWrite, lock.LockModeDistributed, time.Since(startTime).Seconds())
		}
	}

	if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
		return rw.fallbackLocker.Unlock(ctx, key)
	}

	return rw.client.Del(ctx, rw.writerKey(key)).Err()
}

// TryLock attempts to acquire an exclusive write lock without blocking.
func (rw *RWLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if rw.circuitBreaker.isOpen() {
		lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

		if rw.allowDegradedMode {
			return rw.fallbackLocker.TryLock(ctx, key, ttl)
		}

		return false, ErrCircuitBreakerOpen
	}

	writerKey := rw.writerKey(key)
	readersKey := rw.readersKey(key)

	success, err := rw.client.SetNX(ctx, writerKey, "1", ttl).Result()
	if err != nil {
		if isConnectionError(err) {
			rw.circuitBreaker.recordFailure()

			if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
				lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

				return rw.fallbackLocker.TryLock(ctx, key, ttl)
			}
		}

		lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureRedisError)

		return false, fmt.Errorf("error trying write lock: %w", err)
	}

	if !success {
		lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultContention)

		return false, nil
	}

	readers, err := rw.client.HGetAll(ctx, readersKey).Result()
	if err != nil {
		rw.client.Del(ctx, writerKey)

		lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureRedisError)

		return false, fmt.Errorf("error checking readers: %w", err)
	}

	now := time.Now()

	for readerID, expiresAtStr := range readers {
		expiresAt, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil || expiresAt.Before(now) {
			rw.client.HDel(ctx, readersKey, readerID)

			continue
		}

		rw.client.Del(ctx, writerKey)
		lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultContention)

		return false, nil
	}

	rw.circuitBreaker.recordSuccess()
	lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultSuccess)
	rw.writeAcquisitionTimes.Store(key, time.Now())

	return true, nil
}

// RLock acquires a shared read lock, waiting for any active writer to
// finish or time out.
func (rw *RWLocker) RLock(ctx context.Context, key string, ttl time.Duration) error {
	if rw.circuitBreaker.isOpen() {
		lock.RecordLockFailure(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

		if rw.allowDegradedMode {
			return rw.fallbackLocker.RLock(ctx, key, ttl)
		}

		return ErrCircuitBreakerOpen
	}

	readersKey := rw.readersKey(key)
	writerKey := rw.writerKey(key)
	readerID := rw.getOrCreateReaderID()

	deadline := time.Now().Add(ttl)

	for {
		exists, err := rw.client.Exists(ctx, writerKey).Result()
		if err != nil {
			if isConnectionError(err) {
				rw.circuitBreaker.recordFailure()

				if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
					return rw.fallbackLocker.RLock(ctx, key, ttl)
				}
			}

			lock.RecordLockFailure(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockFailureRedisError)

			return fmt.Errorf("error checking writer lock: %w", err)
		}

		if exists == 0 {
			break
		}

		if time.Now().After(deadline) {
			lock.RecordLockFailure(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockFailureTimeout)

			return ErrWriteLockTimeout
		}

		time.Sleep(10 * time.Millisecond)
	}

	expiresAt := time.Now().Add(ttl).Format(time.RFC3339)

	if err := rw.client.HSet(ctx, readersKey, readerID, expiresAt).Err(); err != nil {
		lock.RecordLockFailure(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockFailureRedisError)

		return fmt.Errorf("error acquiring read lock: %w", err)
	}

	rw.circuitBreaker.recordSuccess()
	lock.RecordLockAcquisition(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockResultSuccess)

	return nil
}

// RUnlock releases a shared read lock.
func (rw *RWLocker) RUnlock(ctx context.Context, key string) error {
	if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
		return rw.fallbackLocker.RUnlock(ctx, key)
	}

	return rw.client.HDel(ctx, rw.readersKey(key), rw.getOrCreateReaderID()).Err()
}

// getOrCreateReaderID returns a unique reader ID for this RWLocker instance.
func (rw *RWLocker) getOrCreateReaderID() string {
	rw.readerIDMu.Lock()
	defer rw.readerIDMu.Unlock()

	if rw.readerID == "" {
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		rw.readerID = hex.EncodeToString(b)
	}

	return rw.readerID
}
