// Package cachestore implements the Cache Store (C2): a directory per
// pkgs_dir holding, per canonical URL, the validated repodata JSON, its
// state sidecar, the cached shard index, and content-addressed individual
// shards. Grounded on the file layout and atomic-rename-then-adopt pattern
// of teacher's pkg/storage/local/local.go, generalized from a fixed
// narinfo/nar layout to the name-derived, sidecar-validated layout §4.2
// describes, and on pkg/reposhard/lock for the advisory directory locking
// §4.2 requires of every mutation.
package cachestore

import (
	"context"
	"crypto/md5" //nolint:gosec // used only for filename derivation, not security
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mamba-org/reposhard/pkg/reposhard/lock"
	"github.com/mamba-org/reposhard/pkg/reposhard/types"
)

const (
	dirMode  = 0o700
	fileMode = 0o600

	otelPackageName = "github.com/mamba-org/reposhard/pkg/reposhard/cachestore"
)

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// ErrPathMustBeAbsolute is returned when the directory given to New is not
// an absolute path.
var ErrPathMustBeAbsolute = errors.New("cachestore: path must be absolute")

// ErrNotFound is returned when a requested cache artifact does not exist.
var ErrNotFound = errors.New("cachestore: artifact not found")

// Store owns one pkgs_dir: a directory holding cache artifacts for every
// URL ever fetched into it.
type Store struct {
	dir string

	// locker guards mutations; nil means locking is disabled by
	// configuration and every operation proceeds unlocked, per §4.2.
	locker lock.Locker
}

// New validates dir (must be absolute), creates it if it does not exist yet,
// and returns a Store rooted there. Pass a nil locker to run unlocked.
func New(dir string, locker lock.Locker) (*Store, error) {
	if !filepath.IsAbs(dir) {
		return nil, ErrPathMustBeAbsolute
	}

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("cachestore: creating %q: %w", dir, err)
	}

	return &Store{dir: dir, locker: locker}, nil
}

// Name derives the stable, filesystem-safe, human-readable artifact name
// for url: the first 8 hex characters of MD5(url), a dash, then url's
// basename.
func Name(url string) string {
	sum := md5.Sum([]byte(url)) //nolint:gosec

	return hex.EncodeToString(sum[:])[:8] + "-" + filepath.Base(url)
}

func (s *Store) jsonPath(name string) string     { return filepath.Join(s.dir, name+".json") }
func (s *Store) statePath(name string) string    { return filepath.Join(s.dir, name+".state.json") }
func (s *Store) shardIdxPath(name string) string { return filepath.Join(s.dir, name+".msgpack.zst") }
func (s *Store) solvPath(name string) string     { return filepath.Join(s.dir, name+".solv") }

// ShardPath returns the path of the content-addressed shard file for hash,
// keyed by hash rather than by URL name since shards are deduplicated
// across subdirs.
func (s *Store) ShardPath(hash types.Hash) string {
	return filepath.Join(s.dir, hash.String()+".msgpack.zst")
}

func (s *Store) tmpPath(pattern string) (string, error) {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return "", fmt.Errorf("cachestore: creating %q: %w", s.dir, err)
	}

	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return "", fmt.Errorf("cachestore: creating temp file: %w", err)
	}

	path := f.Name()

	return path, f.Close()
}

// lockKey returns the key mutations against this store's directory lock
// under, shared by every artifact in the directory per §4.2's "advisory
// file lock on the cache directory" (not per-artifact).
func (s *Store) lockKey() string { return s.dir }

func (s *Store) lock(ctx context.Context) error {
	if s.locker == nil {
		return nil
	}

	return s.locker.Lock(ctx, s.lockKey(), 0)
}

func (s *Store) unlock(ctx context.Context) {
	if s.locker == nil {
		return
	}

	if err := s.locker.Unlock(ctx, s.lockKey()); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("dir", s.dir).Msg("failed to release cache directory lock")
	}
}

// GetRepodata returns the validated repodata JSON bytes for url, or
// ErrNotFound if absent. Readers never lock, per §4.2.
func (s *Store) GetRepodata(ctx context.Context, url string) ([]byte, error) {
	_, span := tracer.Start(ctx, "cachestore.GetRepodata", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	return s.readFile(s.jsonPath(Name(url)))
}

// PutRepodata atomically replaces the repodata JSON for url and writes its
// state sidecar, in that order, matching §4.2's "sidecar written after the
// data file is renamed into place" invariant.
func (s *Store) PutRepodata(ctx context.Context, url string, data []byte, state types.SubdirCacheState) error {
	_, span := tracer.Start(ctx, "cachestore.PutRepodata", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	if err := s.lock(ctx); err != nil {
		return fmt.Errorf("cachestore: acquiring lock: %w", err)
	}
	defer s.unlock(ctx)

	name := Name(url)

	info, err := s.writeAtomic(s.jsonPath(name), data, "repodata-*.json")
	if err != nil {
		return err
	}

	state.Mtime = info.ModTime()
	state.Size = info.Size()

	return s.writeState(name, state)
}

// GetRepodataState reads and validates the state sidecar for url against
// the current data file's mtime/size, per §4.2's freshness invariant. It
// returns (nil, nil) — not an error — if no valid state exists, mirroring
// the "as if no state existed" language in the spec.
func (s *Store) GetRepodataState(ctx context.Context, url string) (*types.SubdirCacheState, error) {
	_, span := tracer.Start(ctx, "cachestore.GetRepodataState", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	name := Name(url)

	raw, err := s.readFile(s.statePath(name))
	if errors.Is(err, ErrNotFound) {
		return nil, nil //nolint:nilnil
	}

	if err != nil {
		return nil, err
	}

	var state types.SubdirCacheState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("cachestore: parsing state sidecar for %q: %w", url, err)
	}

	dataInfo, err := os.Stat(s.jsonPath(name))
	if err != nil {
		return nil, nil //nolint:nilnil
	}

	if !state.Mtime.Equal(dataInfo.ModTime()) || state.Size != dataInfo.Size() {
		return nil, nil //nolint:nilnil
	}

	return &state, nil
}

// UpdateState loads the current (possibly stale) state sidecar for url,
// applies mutate, and writes it back without touching the data file. This
// is how phase-A checks (zst/shards HEAD probes, 304 freshness refreshes)
// record what they learned without requiring a full repodata payload in
// hand, per §4.3's "update state sidecar in place" language. If no sidecar
// exists yet, mutate is applied to a zero-value state seeded with url.
func (s *Store) UpdateState(ctx context.Context, url string, mutate func(*types.SubdirCacheState)) error {
	if err := s.lock(ctx); err != nil {
		return fmt.Errorf("cachestore: acquiring lock: %w", err)
	}
	defer s.unlock(ctx)

	name := Name(url)

	var state types.SubdirCacheState

	raw, err := s.readFile(s.statePath(name))
	switch {
	case errors.Is(err, ErrNotFound):
		state = types.SubdirCacheState{URL: url}
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("cachestore: parsing state sidecar for %q: %w", url, err)
		}
	}

	if info, statErr := os.Stat(s.jsonPath(name)); statErr == nil {
		state.Mtime = info.ModTime()
		state.Size = info.Size()
	}

	mutate(&state)

	return s.writeState(name, state)
}

func (s *Store) writeState(name string, state types.SubdirCacheState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("cachestore: encoding state sidecar: %w", err)
	}

	_, err = s.writeAtomic(s.statePath(name), raw, "state-*.json")

	return err
}

// GetShardIndex returns the cached shard-index bytes for url, or
// ErrNotFound.
func (s *Store) GetShardIndex(ctx context.Context, url string) ([]byte, error) {
	_, span := tracer.Start(ctx, "cachestore.GetShardIndex", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	return s.readFile(s.shardIdxPath(Name(url)))
}

// PutShardIndex atomically replaces the cached shard-index bytes for url.
func (s *Store) PutShardIndex(ctx context.Context, url string, data []byte) error {
	_, span := tracer.Start(ctx, "cachestore.PutShardIndex", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	if err := s.lock(ctx); err != nil {
		return fmt.Errorf("cachestore: acquiring lock: %w", err)
	}
	defer s.unlock(ctx)

	_, err := s.writeAtomic(s.shardIdxPath(Name(url)), data, "shardidx-*.msgpack.zst")

	return err
}

// GetShard returns the content-addressed shard bytes for hash, or
// ErrNotFound.
func (s *Store) GetShard(ctx context.Context, hash types.Hash) ([]byte, error) {
	_, span := tracer.Start(ctx, "cachestore.GetShard", trace.WithAttributes(attribute.String("hash", hash.String())))
	defer span.End()

	return s.readFile(s.ShardPath(hash))
}

// PutShard writes a content-addressed shard. Shards never change content
// for a given hash, so a pre-existing file is left untouched rather than
// rewritten.
func (s *Store) PutShard(ctx context.Context, hash types.Hash, data []byte) error {
	_, span := tracer.Start(ctx, "cachestore.PutShard", trace.WithAttributes(attribute.String("hash", hash.String())))
	defer span.End()

	path := s.ShardPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := s.lock(ctx); err != nil {
		return fmt.Errorf("cachestore: acquiring lock: %w", err)
	}
	defer s.unlock(ctx)

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	_, err := s.writeAtomic(path, data, "shard-*.msgpack.zst")

	return err
}

// HasSolvCache reports whether a .solv file exists for url. This subsystem
// only tracks presence/freshness; the solver-native content is out of
// scope per §4.2.
func (s *Store) HasSolvCache(url string) bool {
	_, err := os.Stat(s.solvPath(Name(url)))

	return err == nil
}

// AdoptSolvCache renames an externally-produced .solv file at tmpPath into
// place for url, following the same lock-then-rename discipline as the
// other artifacts even though this package never writes .solv content
// itself.
func (s *Store) AdoptSolvCache(ctx context.Context, url, tmpPath string) error {
	if err := s.lock(ctx); err != nil {
		return fmt.Errorf("cachestore: acquiring lock: %w", err)
	}
	defer s.unlock(ctx)

	if err := os.Rename(tmpPath, s.solvPath(Name(url))); err != nil {
		return fmt.Errorf("cachestore: adopting solv cache: %w", err)
	}

	return nil
}

// TempFile creates a new exclusively-owned temp file within the store's
// directory, suitable as a fetch.Request.Filename target: the Fetch Engine
// writes to it directly, and the caller adopts it into place (AdoptFile)
// only after validating its content, per the §3 ownership invariant.
func (s *Store) TempFile(pattern string) (string, error) {
	return s.tmpPath(pattern)
}

// AdoptFile renames an exclusively-owned temp file at tmpPath into place as
// the repodata JSON for url and writes its state sidecar, matching
// PutRepodata's write-then-sidecar ordering without requiring the caller to
// hold the full content in memory.
func (s *Store) AdoptFile(ctx context.Context, url, tmpPath string, state types.SubdirCacheState) error {
	if err := s.lock(ctx); err != nil {
		return fmt.Errorf("cachestore: acquiring lock: %w", err)
	}
	defer s.unlock(ctx)

	name := Name(url)
	dest := s.jsonPath(name)

	if err := os.Chmod(tmpPath, fileMode); err != nil {
		return fmt.Errorf("cachestore: chmod'ing %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("cachestore: adopting %q as %q: %w", tmpPath, dest, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("cachestore: stat'ing adopted file %q: %w", dest, err)
	}

	state.Mtime = info.ModTime()
	state.Size = info.Size()

	return s.writeState(name, state)
}

func (s *Store) readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("cachestore: reading %q: %w", path, err)
	}

	return data, nil
}

// writeAtomic writes data to a temp file in s.dir and renames it into
// place at dest, so readers never observe a partially-written file.
func (s *Store) writeAtomic(dest string, data []byte, pattern string) (os.FileInfo, error) {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return nil, fmt.Errorf("cachestore: creating %q: %w", s.dir, err)
	}

	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("cachestore: creating temp file: %w", err)
	}

	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)

		return nil, fmt.Errorf("cachestore: writing %q: %w", tmpPath, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)

		return nil, fmt.Errorf("cachestore: closing %q: %w", tmpPath, err)
	}

	if err := os.Chmod(tmpPath, fileMode); err != nil {
		os.Remove(tmpPath)

		return nil, fmt.Errorf("cachestore: chmod'ing %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)

		return nil, fmt.Errorf("cachestore: renaming %q to %q: %w", tmpPath, dest, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("cachestore: stat'ing %q: %w", dest, err)
	}

	return info, nil
}
