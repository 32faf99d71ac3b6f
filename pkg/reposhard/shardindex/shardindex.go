// Package shardindex implements the Shard Index Loader (C4): fetching,
// caching, and decoding repodata_shards.msgpack.zst, the name-to-hash map
// that a Shards instance (pkg/reposhard/shards) uses to resolve individual
// package shards. Grounded on the structure of original_source's
// shard_index_loader.cpp (parse_shard_index_map, decompress_shard_index_zstd)
// for the decode/cap/degrade semantics, and on pkg/reposhard/subdir and
// pkg/reposhard/cachestore for the availability-gate and persistence this
// package reuses rather than reimplements.
package shardindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mamba-org/reposhard/pkg/reposhard/auth"
	"github.com/mamba-org/reposhard/pkg/reposhard/cachestore"
	"github.com/mamba-org/reposhard/pkg/reposhard/config"
	"github.com/mamba-org/reposhard/pkg/reposhard/fetch"
	"github.com/mamba-org/reposhard/pkg/reposhard/mirror"
	"github.com/mamba-org/reposhard/pkg/reposhard/rerrors"
	"github.com/mamba-org/reposhard/pkg/reposhard/types"
	"github.com/mamba-org/reposhard/pkg/reposhard/zstdutil"
)

// maxDecompressedSize caps a shard index's decompressed size, matching the
// 100 MiB hard limit in the original decompress_shard_index_zstd.
const maxDecompressedSize = 100 * 1024 * 1024

// FetchAndParse loads the shard index for one subdir: it refreshes the
// "does this subdir have shards" flag if stale, returns (nil, nil) if shards
// are not available (not an error, per spec.md §4.4), otherwise serves the
// cached copy or downloads and caches a fresh one.
func FetchAndParse(
	ctx context.Context,
	store *cachestore.Store,
	engine *fetch.Engine,
	mirrors *mirror.Map,
	remote config.RemoteFetchParams,
	authDB *auth.DB,
	channel string,
	subdirURL string,
	shardsIndexURL string,
	ttl time.Duration,
) (*types.ShardsIndex, error) {
	now := time.Now()

	state, err := store.GetRepodataState(ctx, subdirURL)
	if err != nil {
		return nil, fmt.Errorf("shardindex: reading subdir cache state: %w", err)
	}

	if !state.HasUpToDateShards(now, ttl) {
		zerolog.Ctx(ctx).Debug().Str("channel", channel).Str("subdir_url", subdirURL).Msg("shard availability stale or unknown, refreshing")

		state, err = refreshShardsAvailability(ctx, store, engine, mirrors, remote, authDB, subdirURL, shardsIndexURL)
		if err != nil {
			return nil, err
		}

		if !state.HasUpToDateShards(now, ttl) {
			return nil, nil //nolint:nilnil
		}
	}

	if cached, err := store.GetShardIndex(ctx, shardsIndexURL); err == nil {
		if idx, perr := decodeCompressed(ctx, cached); perr == nil {
			return idx, nil
		}
	} else if !errors.Is(err, cachestore.ErrNotFound) {
		return nil, fmt.Errorf("shardindex: reading cached shard index: %w", err)
	}

	req := fetch.Request{
		Name:          channel + ":shard-index",
		MirrorName:    channel,
		URLPath:       shardsIndexURL,
		IgnoreFailure: true,
	}

	results := engine.Download(ctx, []fetch.Request{req}, mirrors, remote, authDB, fetch.Options{})
	result := results[0]

	if !result.Ok {
		zerolog.Ctx(ctx).Debug().Str("channel", channel).Str("shards_url", shardsIndexURL).Str("message", result.Message).Msg("shard index download failed, degrading to no shards")

		return nil, nil //nolint:nilnil
	}

	idx, err := decodeCompressed(ctx, result.Content)
	if err != nil {
		return nil, err
	}

	if err := store.PutShardIndex(ctx, shardsIndexURL, result.Content); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("shards_url", shardsIndexURL).Msg("failed to cache downloaded shard index")
	}

	return idx, nil
}

// refreshShardsAvailability issues a single HEAD request against
// shardsIndexURL and records whether it returned success in the subdir's
// cache state sidecar, the same sidecar pkg/reposhard/subdir maintains.
func refreshShardsAvailability(
	ctx context.Context,
	store *cachestore.Store,
	engine *fetch.Engine,
	mirrors *mirror.Map,
	remote config.RemoteFetchParams,
	authDB *auth.DB,
	subdirURL string,
	shardsIndexURL string,
) (*types.SubdirCacheState, error) {
	req := fetch.Request{
		Name:          "shard-index-check",
		URLPath:       shardsIndexURL,
		HeadOnly:      true,
		IgnoreFailure: true,
	}

	results := engine.Download(ctx, []fetch.Request{req}, mirrors, remote, authDB, fetch.Options{})
	ok := results[0].Ok
	now := time.Now()

	if err := store.UpdateState(ctx, subdirURL, func(s *types.SubdirCacheState) {
		s.HasShards = &types.CheckedFlag{Value: ok, LastChecked: now}
	}); err != nil {
		return nil, fmt.Errorf("shardindex: recording shard availability: %w", err)
	}

	state, err := store.GetRepodataState(ctx, subdirURL)
	if err != nil {
		return nil, fmt.Errorf("shardindex: re-reading subdir cache state: %w", err)
	}

	return state, nil
}

// decodeCompressed decompresses a zstd-compressed shard index (capped at
// maxDecompressedSize) and parses it as msgpack.
func decodeCompressed(ctx context.Context, compressed []byte) (*types.ShardsIndex, error) {
	if len(compressed) == 0 {
		return nil, rerrors.New(rerrors.CacheNotLoaded, "shard index data is empty")
	}

	data, err := decompressCapped(compressed)
	if err != nil {
		return nil, rerrors.New(rerrors.Unknown, err.Error())
	}

	idx, err := ParseShardIndex(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, rerrors.New(rerrors.Unknown, err.Error())
	}

	return idx, nil
}

func decompressCapped(compressed []byte) ([]byte, error) {
	dec, err := zstdutil.NewPooledReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	defer dec.Close()

	limited := io.LimitReader(dec, maxDecompressedSize+1)

	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("decompressing shard index: %w", err)
	}

	if len(data) > maxDecompressedSize {
		return nil, fmt.Errorf("decompressed shard index exceeds %d bytes", maxDecompressedSize)
	}

	return data, nil
}

// ParseShardIndex decodes a root msgpack map into a ShardsIndex, tolerating
// either "version" or "repodata_version" for the schema version and either a
// raw-binary or hex-string encoding for each package's shard hash. Missing
// "info" or "shards" keys produce a partial (or, if both are missing, empty)
// index rather than an error, per spec.md §4.4.
func ParseShardIndex(ctx context.Context, r io.Reader) (*types.ShardsIndex, error) {
	var root map[string]interface{}

	if err := msgpack.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("decoding shard index msgpack: %w", err)
	}

	idx := &types.ShardsIndex{Shards: make(map[string]types.Hash)}

	hasInfo := false
	hasShards := false

	if infoRaw, ok := root["info"]; ok {
		if infoMap, ok := infoRaw.(map[string]interface{}); ok {
			idx.Info = parseInfoMap(infoMap)
			hasInfo = true
		}
	}

	if v, ok := root["version"]; ok {
		if n, ok := toUint64(v); ok {
			idx.Version = n
		}
	} else if v, ok := root["repodata_version"]; ok {
		if n, ok := toUint64(v); ok {
			idx.Version = n
		}
	}

	if shardsRaw, ok := root["shards"]; ok {
		if shardsMap, ok := shardsRaw.(map[string]interface{}); ok {
			for name, v := range shardsMap {
				hash, ok := toHash(v)
				if !ok {
					zerolog.Ctx(ctx).Warn().Str("package", name).Msg("shard index: unrecognized hash encoding, skipping")

					continue
				}

				idx.Shards[name] = hash
			}

			hasShards = true
		}
	}

	if !hasInfo || !hasShards {
		zerolog.Ctx(ctx).Warn().Bool("has_info", hasInfo).Bool("has_shards", hasShards).Msg("shard index missing expected top-level fields")
	}

	return idx, nil
}

func parseInfoMap(m map[string]interface{}) types.RepoMetadata {
	var info types.RepoMetadata

	if v, ok := m["base_url"].(string); ok {
		info.BaseURL = v
	}

	if v, ok := m["shards_base_url"].(string); ok {
		info.ShardsBaseURL = v
	}

	if v, ok := m["subdir"].(string); ok {
		info.Subdir = v
	}

	return info
}

func toHash(v interface{}) (types.Hash, bool) {
	switch value := v.(type) {
	case []byte:
		h, err := types.HashFromBytes(value)

		return h, err == nil
	case string:
		h, err := types.HashFromHex(value)

		return h, err == nil
	default:
		return types.Hash{}, false
	}
}

// toUint64 converts a decoded msgpack integer to u64. A negative value is
// cast by its two's-complement bit pattern rather than rejected, matching
// shard_index_loader.cpp's `static_cast<std::size_t>(val_obj.via.i64)` for
// the version/repodata_version field (spec.md §4.4: "positive or negative
// integer, cast to u64").
func toUint64(v interface{}) (uint64, bool) {
	switch value := v.(type) {
	case uint64:
		return value, true
	case int64:
		return uint64(value), true
	case int:
		return uint64(value), true
	case uint:
		return uint64(value), true
	case uint8:
		return uint64(value), true
	case uint16:
		return uint64(value), true
	case uint32:
		return uint64(value), true
	case int8:
		return uint64(value), true
	case int16:
		return uint64(value), true
	case int32:
		return uint64(value), true
	default:
		return 0, false
	}
}
