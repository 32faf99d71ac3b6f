// Package lock provides the advisory locking abstraction the repodata
// subsystem uses to protect cache directories: local (single-process)
// implementations built on per-key mutexes whose map entries are
// reference-counted, and a Redis-backed implementation for deployments that share
// one cache store across processes.
package lock

import (
	"context"
	"time"
)

// Locker provides exclusive locking semantics, keyed by an arbitrary string
// (in this subsystem, a cache directory path or a derived cache filename).
//
// Within a process, the local implementation gives each key one exclusive,
// non-reentrant mutex: a Lock on a key that is already held blocks until it
// is unlocked, including a nested Lock from the same caller, so nested
// acquisitions are not shared. A reference count only keeps the key's entry
// alive until its last holder or waiter is done. Different keys never
// contend.
type Locker interface {
	// Lock acquires an exclusive lock for key, blocking until available or
	// ctx is cancelled. For local implementations, ttl is ignored.
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// Unlock releases an exclusive lock for key.
	Unlock(ctx context.Context, key string) error

	// TryLock attempts to acquire an exclusive lock without blocking.
	// Returns (true, nil) if acquired, (false, nil) if held elsewhere.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RWLocker provides read-write locking semantics: multiple readers may hold
// the lock concurrently, but a writer has exclusive access. Configuration
// state uses this so reads (the common case) never contend with each other.
type RWLocker interface {
	Locker

	// RLock acquires a shared read lock for key.
	RLock(ctx context.Context, key string, ttl time.Duration) error

	// RUnlock releases a shared read lock for key.
	RUnlock(ctx context.Context, key string) error
}
