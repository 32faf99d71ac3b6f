// Package config carries the plain, explicitly-constructed configuration
// structs consumed by the fetch, subdir, and shard-index components:
// RemoteFetchParams, SubdirParams, SubdirDownloadParams, plus an RWLocker-
// guarded mutable store for the few settings (mirrors, auth) that change at
// runtime. There is no package-level mutable state — every value is passed
// explicitly, the way pkg/config/config.go threads a *Config through rather
// than reaching for globals.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mamba-org/reposhard/pkg/reposhard/auth"
	"github.com/mamba-org/reposhard/pkg/reposhard/lock"
	"github.com/mamba-org/reposhard/pkg/reposhard/mirror"
)

// RemoteFetchParams controls the HTTP client behavior of the fetch engine:
// TLS verification, identification, and retry/backoff policy. Mirrors
// mamba's Context::RemoteFetchParams.
type RemoteFetchParams struct {
	// SSLVerify is "" for regular verification, "<false>" to disable
	// verification, or a path to a CA bundle/directory.
	SSLVerify   string
	SSLNoRevoke bool

	UserAgent string

	ConnectTimeout time.Duration
	RetryTimeout   time.Duration
	RetryBackoff   int
	MaxRetries     int

	ProxyServers map[string]string

	// DownloadThreads bounds concurrent fetches (errgroup.SetLimit), mirrors
	// Context::ThreadsParams::download_threads.
	DownloadThreads int
}

// DefaultRemoteFetchParams returns mamba's documented defaults.
func DefaultRemoteFetchParams() RemoteFetchParams {
	return RemoteFetchParams{
		UserAgent:       "reposhard/0",
		ConnectTimeout:  10 * time.Second,
		RetryTimeout:    2 * time.Second,
		RetryBackoff:    3,
		MaxRetries:      3,
		DownloadThreads: 5,
	}
}

// SubdirParams controls per-subdir cache behavior: TTL override, offline
// mode, and forcing zst use without a probe. Mirrors
// mamba::SubdirParams.
type SubdirParams struct {
	// LocalRepodataTTL overrides the server-provided Cache-Control max-age
	// when non-nil.
	LocalRepodataTTL *time.Duration
	Offline          bool
	RepodataForceUseZst bool
}

// SubdirDownloadParams controls a single subdir download pass. Mirrors
// mamba::SubdirDownloadParams.
type SubdirDownloadParams struct {
	Offline          bool
	RepodataCheckZst bool
}

// DefaultSubdirDownloadParams matches mamba's defaults (zst probing on,
// online).
func DefaultSubdirDownloadParams() SubdirDownloadParams {
	return SubdirDownloadParams{RepodataCheckZst: true}
}

const (
	lockKeyPrefix = "reposhard_config_"
	lockTTL       = 5 * time.Minute

	keyMirrors = "mirrors"
	keyAuthDB  = "auth_db"
)

// ErrNotConfigured is returned by Get* when the corresponding Set* hasn't
// been called yet.
var ErrNotConfigured = errors.New("no value configured for this key")

// Runtime holds the mutable, RWLocker-guarded configuration shared across a
// process: the mirror map and authentication database. Reads take a read
// lock, writes take a write lock, matching pkg/config/config.go's
// get/setConfig pattern (adapted from a database-backed store to an
// in-memory one since this domain has no persistent config database).
type Runtime struct {
	rwLocker lock.RWLocker

	mirrors *mirror.Map
	authDB  *auth.DB
}

// NewRuntime returns a Runtime guarded by rwLocker. Pass
// lock/local.NewRWLocker() for a single-process deployment.
func NewRuntime(rwLocker lock.RWLocker) *Runtime {
	return &Runtime{rwLocker: rwLocker}
}

// Mirrors returns the configured mirror map, or ErrNotConfigured if none has
// been set.
func (r *Runtime) Mirrors(ctx context.Context) (*mirror.Map, error) {
	if err := r.rlock(ctx, keyMirrors); err != nil {
		return nil, err
	}
	defer r.runlock(ctx, keyMirrors)

	if r.mirrors == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, keyMirrors)
	}

	return r.mirrors, nil
}

// SetMirrors replaces the configured mirror map.
func (r *Runtime) SetMirrors(ctx context.Context, m *mirror.Map) error {
	if err := r.lock(ctx, keyMirrors); err != nil {
		return err
	}
	defer r.unlock(ctx, keyMirrors)

	r.mirrors = m

	return nil
}

// AuthDB returns the configured authentication database, or
// ErrNotConfigured if none has been set.
func (r *Runtime) AuthDB(ctx context.Context) (*auth.DB, error) {
	if err := r.rlock(ctx, keyAuthDB); err != nil {
		return nil, err
	}
	defer r.runlock(ctx, keyAuthDB)

	if r.authDB == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, keyAuthDB)
	}

	return r.authDB, nil
}

// SetAuthDB replaces the configured authentication database.
func (r *Runtime) SetAuthDB(ctx context.Context, db *auth.DB) error {
	if err := r.lock(ctx, keyAuthDB); err != nil {
		return err
	}
	defer r.unlock(ctx, keyAuthDB)

	r.authDB = db

	return nil
}

func (r *Runtime) rlock(ctx context.Context, key string) error {
	if err := r.rwLocker.RLock(ctx, lockKeyPrefix+key, lockTTL); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Msg("failed to acquire config read lock")

		return fmt.Errorf("failed to acquire read lock for %s: %w", key, err)
	}

	return nil
}

func (r *Runtime) runlock(ctx context.Context, key string) {
	if err := r.rwLocker.RUnlock(ctx, lockKeyPrefix+key); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Msg("failed to release config read lock")
	}
}

func (r *Runtime) lock(ctx context.Context, key string) error {
	if err := r.rwLocker.Lock(ctx, lockKeyPrefix+key, lockTTL); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Msg("failed to acquire config write lock")

		return fmt.Errorf("failed to acquire write lock for %s: %w", key, err)
	}

	return nil
}

func (r *Runtime) unlock(ctx context.Context, key string) {
	if err := r.rwLocker.Unlock(ctx, lockKeyPrefix+key); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Msg("failed to release config write lock")
	}
}
