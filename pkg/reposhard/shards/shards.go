// Package shards implements Shards (C5): lazily fetching individual package
// shards named by a ShardsIndex and composing the visited set into a
// deterministic, monolithic Repodata for a downstream solver. Grounded on
// shards.cpp's Shards class (shards_base_url/shard_url memoization,
// at-most-once fetch_shards, the build_repodata sort key) and on
// pkg/reposhard/shardindex for the shared decode-zstd-then-msgpack shape;
// the mutex-guarded visited map follows the same pattern as teacher's
// nixcacheindex.Client (shardCacheMu/shardCache).
package shards

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mamba-org/reposhard/pkg/reposhard/auth"
	"github.com/mamba-org/reposhard/pkg/reposhard/cachestore"
	"github.com/mamba-org/reposhard/pkg/reposhard/config"
	"github.com/mamba-org/reposhard/pkg/reposhard/fetch"
	"github.com/mamba-org/reposhard/pkg/reposhard/mirror"
	"github.com/mamba-org/reposhard/pkg/reposhard/types"
	"github.com/mamba-org/reposhard/pkg/reposhard/zstdutil"
)

// maxDecompressedSize caps one decompressed shard, matching the 100 MiB
// cap the shard index decoder applies (spec.md §4.5 "same cap as §4.4").
const maxDecompressedSize = 100 * 1024 * 1024

// DefaultDownloadThreads is the thread budget used when the caller does not
// override it, matching spec.md §4.5's "thread budget (default 10)".
const DefaultDownloadThreads = 10

// ErrPackageNotIndexed is returned when a requested package name has no
// entry in the shard index.
type ErrPackageNotIndexed struct{ Package string }

func (e *ErrPackageNotIndexed) Error() string {
	return fmt.Sprintf("shards: package %q not found in shard index", e.Package)
}

// ErrShardNotVisited is returned by VisitPackage for a package that has not
// been fetched into memory yet.
type ErrShardNotVisited struct{ Package string }

func (e *ErrShardNotVisited) Error() string {
	return fmt.Sprintf("shards: shard for package %q has not been visited", e.Package)
}

// Shards owns one ShardsIndex plus the set of package shards fetched into
// memory so far. Safe for concurrent use.
type Shards struct {
	index   *types.ShardsIndex
	url     string // the URL the shard index was fetched from
	channel string

	store           *cachestore.Store
	engine          *fetch.Engine
	mirrors         *mirror.Map
	remote          config.RemoteFetchParams
	authDB          *auth.DB
	downloadThreads int

	mu            sync.Mutex
	shardsBaseURL string // memoized on first call to ShardsBaseURL
	visited       map[string]types.ShardDict
}

// New constructs a Shards for one channel's index. downloadThreads <= 0
// falls back to DefaultDownloadThreads.
func New(
	index *types.ShardsIndex,
	shardsIndexURL string,
	channel string,
	store *cachestore.Store,
	engine *fetch.Engine,
	mirrors *mirror.Map,
	remote config.RemoteFetchParams,
	authDB *auth.DB,
	downloadThreads int,
) *Shards {
	if downloadThreads <= 0 {
		downloadThreads = DefaultDownloadThreads
	}

	return &Shards{
		index:           index,
		url:             shardsIndexURL,
		channel:         channel,
		store:           store,
		engine:          engine,
		mirrors:         mirrors,
		remote:          remote,
		authDB:          authDB,
		downloadThreads: downloadThreads,
		visited:         make(map[string]types.ShardDict),
	}
}

// URL returns the URL the shard index was fetched from.
func (s *Shards) URL() string { return s.url }

// Channel returns the owning channel name.
func (s *Shards) Channel() string { return s.channel }

// BaseURL returns the channel's package base URL (info.base_url).
func (s *Shards) BaseURL() string { return s.index.Info.BaseURL }

// PackageNames returns every package name known to the shard index, in no
// particular order.
func (s *Shards) PackageNames() []string {
	names := make([]string, 0, len(s.index.Shards))
	for name := range s.index.Shards {
		names = append(names, name)
	}

	return names
}

// Contains reports whether the shard index lists package.
func (s *Shards) Contains(pkg string) bool {
	_, ok := s.index.Shards[pkg]

	return ok
}

// IsShardPresent reports whether pkg's shard is already in memory.
func (s *Shards) IsShardPresent(pkg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.visited[pkg]

	return ok
}

// VisitPackage returns the in-memory ShardDict for pkg, failing if it has
// not been fetched yet.
func (s *Shards) VisitPackage(pkg string) (types.ShardDict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shard, ok := s.visited[pkg]
	if !ok {
		return types.ShardDict{}, &ErrShardNotVisited{Package: pkg}
	}

	return shard, nil
}

// ShardsBaseURL resolves info.shards_base_url into an absolute,
// trailing-slash-terminated URL, memoizing the result. An absolute
// shards_base_url is used as-is; a relative one is resolved against the
// shard index's own URL, per spec.md §4.5.
func (s *Shards) ShardsBaseURL() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shardsBaseURL != "" {
		return s.shardsBaseURL, nil
	}

	resolved, err := resolveShardsBaseURL(s.url, s.index.Info.ShardsBaseURL)
	if err != nil {
		return "", err
	}

	s.shardsBaseURL = resolved

	return resolved, nil
}

func resolveShardsBaseURL(indexURL, shardsBaseURL string) (string, error) {
	base, err := url.Parse(indexURL)
	if err != nil {
		return "", fmt.Errorf("shards: parsing shard index URL %q: %w", indexURL, err)
	}

	ref, err := url.Parse(shardsBaseURL)
	if err != nil {
		return "", fmt.Errorf("shards: parsing shards_base_url %q: %w", shardsBaseURL, err)
	}

	resolved := ref
	if !ref.IsAbs() {
		resolved = base.ResolveReference(ref)
	}

	result := resolved.String()
	if !strings.HasSuffix(result, "/") {
		result += "/"
	}

	return result, nil
}

// ShardURL returns the absolute URL of pkg's shard file. Since
// ShardsBaseURL is always resolved to an absolute URL, this is also the
// path handed to the Fetch Engine: its automatic pass-through-mirror
// routing for absolute URLPaths (fetch.resolveMirrorName) makes the
// original's separate shard_path/mirror-name-extraction derivation
// unnecessary here.
func (s *Shards) ShardURL(pkg string) (string, error) {
	hash, ok := s.index.Shards[pkg]
	if !ok {
		return "", &ErrPackageNotIndexed{Package: pkg}
	}

	base, err := s.ShardsBaseURL()
	if err != nil {
		return "", err
	}

	return base + hash.String() + ".msgpack.zst", nil
}

// FetchShard is a convenience wrapper over FetchShards([pkg]).
func (s *Shards) FetchShard(ctx context.Context, pkg string) (types.ShardDict, error) {
	results, err := s.FetchShards(ctx, []string{pkg})
	if err != nil {
		return types.ShardDict{}, err
	}

	shard, ok := results[pkg]
	if !ok {
		return types.ShardDict{}, fmt.Errorf("shards: package %q not found after fetch", pkg)
	}

	return shard, nil
}

// FetchShards resolves names at-most-once: names already visited are
// served from memory, the remainder are downloaded in parallel bounded by
// the configured thread budget. Individual failures are logged and simply
// omitted from the result, per spec.md §4.5's partial-success contract.
func (s *Shards) FetchShards(ctx context.Context, names []string) (map[string]types.ShardDict, error) {
	results := make(map[string]types.ShardDict, len(names))

	type pending struct {
		name string
		url  string
		hash types.Hash
	}

	var toFetch []pending

	s.mu.Lock()
	for _, name := range names {
		if shard, ok := s.visited[name]; ok {
			results[name] = shard

			continue
		}

		hash, ok := s.index.Shards[name]
		if !ok {
			zerolog.Ctx(ctx).Warn().Str("package", name).Msg("shards: package not in shard index, skipping")

			continue
		}

		toFetch = append(toFetch, pending{name: name, hash: hash})
	}
	s.mu.Unlock()

	if len(toFetch) == 0 {
		return results, nil
	}

	var requests []fetch.Request

	indexByPackage := make(map[string]int, len(toFetch))

	for i := range toFetch {
		if cached, err := s.store.GetShard(ctx, toFetch[i].hash); err == nil {
			shard, derr := decodeShard(ctx, cached)
			if derr == nil {
				s.commit(toFetch[i].name, shard, results)

				continue
			}

			zerolog.Ctx(ctx).Warn().Str("package", toFetch[i].name).Err(derr).Msg("shards: cached shard failed to decode, refetching")
		}

		shardURL, err := s.ShardURL(toFetch[i].name)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Str("package", toFetch[i].name).Err(err).Msg("shards: failed to build shard URL, skipping")

			continue
		}

		indexByPackage[toFetch[i].name] = len(requests)
		requests = append(requests, fetch.Request{
			Name:          s.channel + ":" + toFetch[i].name + "-shard",
			MirrorName:    s.channel,
			URLPath:       shardURL,
			IgnoreFailure: true,
		})
	}

	if len(requests) == 0 {
		return results, nil
	}

	fetchResults := s.engine.Download(ctx, requests, s.mirrors, s.remote, s.authDB, fetch.Options{DownloadThreads: s.downloadThreads})

	for _, p := range toFetch {
		i, ok := indexByPackage[p.name]
		if !ok {
			continue // served from cache above
		}

		result := fetchResults[i]
		if !result.Ok {
			zerolog.Ctx(ctx).Warn().Str("package", p.name).Str("message", result.Message).Msg("shards: failed to download shard")

			continue
		}

		shard, err := decodeShard(ctx, result.Content)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Str("package", p.name).Err(err).Msg("shards: failed to parse shard")

			continue
		}

		if err := s.store.PutShard(ctx, p.hash, result.Content); err != nil {
			zerolog.Ctx(ctx).Warn().Str("package", p.name).Err(err).Msg("shards: failed to cache downloaded shard")
		}

		s.commit(p.name, shard, results)
	}

	return results, nil
}

func (s *Shards) commit(pkg string, shard types.ShardDict, results map[string]types.ShardDict) {
	s.mu.Lock()
	s.visited[pkg] = shard
	s.mu.Unlock()

	results[pkg] = shard
}

// BuildRepodata assembles a deterministic Repodata from the visited set,
// applying the sort key of spec.md §4.5: name ascending, parsed version
// descending (falling back to raw string, then to input order), build
// number descending, build string descending.
func (s *Shards) BuildRepodata() types.Repodata {
	s.mu.Lock()
	visitedNames := make([]string, 0, len(s.visited))

	for name := range s.visited {
		visitedNames = append(visitedNames, name)
	}

	sort.Strings(visitedNames)

	type entry struct {
		filename string
		record   types.ShardPackageRecord
	}

	var packages, condaPackages []entry

	for _, name := range visitedNames {
		shard := s.visited[name]

		filenames := make([]string, 0, len(shard.Packages))
		for fn := range shard.Packages {
			filenames = append(filenames, fn)
		}

		sort.Strings(filenames)

		for _, fn := range filenames {
			packages = append(packages, entry{filename: fn, record: shard.Packages[fn]})
		}

		condaFilenames := make([]string, 0, len(shard.CondaPackages))
		for fn := range shard.CondaPackages {
			condaFilenames = append(condaFilenames, fn)
		}

		sort.Strings(condaFilenames)

		for _, fn := range condaFilenames {
			condaPackages = append(condaPackages, entry{filename: fn, record: shard.CondaPackages[fn]})
		}
	}
	s.mu.Unlock()

	less := func(entries []entry) func(i, j int) bool {
		return func(i, j int) bool {
			return recordLess(entries[i].record, entries[j].record)
		}
	}

	sort.SliceStable(packages, less(packages))
	sort.SliceStable(condaPackages, less(condaPackages))

	repodata := types.Repodata{
		Info:            s.index.Info,
		RepodataVersion: 2,
		Packages:        make(map[string]types.ShardPackageRecord, len(packages)),
		PackageOrder:    make([]string, 0, len(packages)),
		CondaPackages:   make(map[string]types.ShardPackageRecord, len(condaPackages)),
		CondaPackageOrder: make([]string, 0, len(condaPackages)),
	}

	for _, e := range packages {
		repodata.Packages[e.filename] = e.record
		repodata.PackageOrder = append(repodata.PackageOrder, e.filename)
	}

	for _, e := range condaPackages {
		repodata.CondaPackages[e.filename] = e.record
		repodata.CondaPackageOrder = append(repodata.CondaPackageOrder, e.filename)
	}

	return repodata
}

// recordLess reports whether a sorts before b under the §4.5 key.
func recordLess(a, b types.ShardPackageRecord) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}

	va, okA := parseVersion(a.Version)
	vb, okB := parseVersion(b.Version)

	switch {
	case okA && okB:
		if c := compareVersions(va, vb); c != 0 {
			return c > 0 // descending: higher version sorts first
		}
	case okA != okB:
		return okA // the parseable one wins
	default:
		if a.Version != b.Version {
			return a.Version > b.Version // descending string fallback
		}
	}

	if a.BuildNumber != b.BuildNumber {
		return a.BuildNumber > b.BuildNumber
	}

	return a.Build > b.Build
}

// decodeShard decompresses (zstd, capped) and msgpack-decodes one shard
// file into a ShardDict, recognizing the "packages" and "packages.conda"
// top-level keys.
func decodeShard(ctx context.Context, compressed []byte) (types.ShardDict, error) {
	data, err := decompressCapped(compressed)
	if err != nil {
		return types.ShardDict{}, err
	}

	var root map[string]interface{}
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return types.ShardDict{}, fmt.Errorf("shards: decoding shard msgpack: %w", err)
	}

	shard := types.NewShardDict()

	if v, ok := root["packages"]; ok {
		parsePackageRecords(ctx, v, shard.Packages)
	}

	if v, ok := root["packages.conda"]; ok {
		parsePackageRecords(ctx, v, shard.CondaPackages)
	}

	return shard, nil
}

// decompressCapped mirrors pkg/reposhard/shardindex's decoder: a zstd
// stream read through a capped io.LimitReader rather than the original's
// manual ZSTD_inBuffer/ZSTD_outBuffer loop.
func decompressCapped(compressed []byte) ([]byte, error) {
	dec, err := zstdutil.NewPooledReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	defer dec.Close()

	limited := io.LimitReader(dec, maxDecompressedSize+1)

	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("decompressing shard: %w", err)
	}

	if len(data) > maxDecompressedSize {
		return nil, fmt.Errorf("decompressed shard exceeds %d bytes", maxDecompressedSize)
	}

	return data, nil
}

func parsePackageRecords(ctx context.Context, raw interface{}, target map[string]types.ShardPackageRecord) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return
	}

	for filename, recRaw := range m {
		recMap, ok := recRaw.(map[string]interface{})
		if !ok {
			zerolog.Ctx(ctx).Warn().Str("filename", filename).Msg("shards: package record is not a map, skipping")

			continue
		}

		record, ok := parseRecord(ctx, recMap)
		if !ok {
			zerolog.Ctx(ctx).Warn().Str("filename", filename).Msg("shards: package record missing required fields, skipping")

			continue
		}

		target[filename] = record
	}
}

// parseRecord decodes one package record, skipping (returning ok=false)
// when a required field (name, version, build, build_number) is missing
// or nil, per spec.md §4.5.
func parseRecord(ctx context.Context, m map[string]interface{}) (types.ShardPackageRecord, bool) {
	name, ok := m["name"].(string)
	if !ok {
		return types.ShardPackageRecord{}, false
	}

	version, ok := m["version"].(string)
	if !ok {
		return types.ShardPackageRecord{}, false
	}

	build, ok := m["build"].(string)
	if !ok {
		return types.ShardPackageRecord{}, false
	}

	buildNumber, ok := toUint64(m["build_number"])
	if !ok {
		return types.ShardPackageRecord{}, false
	}

	record := types.ShardPackageRecord{
		Name:        name,
		Version:     version,
		Build:       build,
		BuildNumber: buildNumber,
	}

	if v, ok := m["sha256"]; ok {
		if h, ok := toHash(v); ok {
			record.SHA256 = &h
		}
	}

	if v, ok := m["md5"]; ok {
		if h, ok := toHash(v); ok {
			record.MD5 = &h
		}
	}

	if v, ok := m["size"]; ok {
		if n, ok := toUint64(v); ok {
			record.Size = &n
		}
	}

	record.Depends = toStringSlice(ctx, m["depends"], "depends")
	record.Constrains = toStringSlice(ctx, m["constrains"], "constrains")

	if v, ok := m["noarch"].(string); ok {
		record.NoArch = types.NoArch(v)
	}

	return record, true
}

func toStringSlice(ctx context.Context, raw interface{}, field string) []string {
	if raw == nil {
		return nil
	}

	arr, ok := raw.([]interface{})
	if !ok {
		zerolog.Ctx(ctx).Warn().Str("field", field).Msg("shards: field has unexpected type, treating as empty")

		return nil
	}

	out := make([]string, 0, len(arr))

	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}

	return out
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

func toUint64(v interface{}) (uint64, bool) {
	switch value := v.(type) {
	case uint64:
		return value, true
	case int64:
		if value < 0 {
			return 0, false
		}

		return uint64(value), true
	case int:
		if value < 0 {
			return 0, false
		}

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
		if value < 0 {
			return 0, false
		}

		return uint64(value), true
	case int16:
		if value < 0 {
			return 0, false
		}

		return uint64(value), true
	case int32:
		if value < 0 {
			return 0, false
		}

		return uint64(value), true
	default:
		return 0, false
	}
}

// versionPart is one dot/dash/underscore-delimited run of a version
// string, split further into numeric and alphabetic runs so that "1.10"
// compares numerically greater than "1.9" rather than lexically less.
type versionPart struct {
	num   int64
	str   string
	isNum bool
}

// parsedVersion is a conda-ish version string broken into an optional
// epoch and an ordered list of parts, enough to give build_repodata a
// deterministic, mostly-correct descending order. This is a simplification
// of mamba's full specs::Version grammar (no pack/local-version handling),
// justified by the Non-goal that this core never resolves version
// constraints — it only needs *a* consistent ordering, not authoritative
// conda version semantics.
type parsedVersion struct {
	epoch int64
	parts []versionPart
}

// parseVersion parses s into a parsedVersion. Only the empty string fails
// to parse, matching the "if neither parses" escape hatch in spec.md §4.5
// (which in practice never triggers here, but callers already handle the
// fallback).
func parseVersion(s string) (parsedVersion, bool) {
	if s == "" {
		return parsedVersion{}, false
	}

	var pv parsedVersion

	rest := s
	if i := strings.IndexByte(s, '!'); i >= 0 {
		if epoch, err := strconv.ParseInt(s[:i], 10, 64); err == nil {
			pv.epoch = epoch
			rest = s[i+1:]
		}
	}

	for _, segment := range strings.FieldsFunc(rest, func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	}) {
		pv.parts = append(pv.parts, splitAlphaNumeric(segment)...)
	}

	return pv, true
}

// splitAlphaNumeric breaks a segment like "rc12" into ["rc", 12].
func splitAlphaNumeric(segment string) []versionPart {
	var parts []versionPart

	i := 0
	for i < len(segment) {
		start := i
		isDigit := segment[i] >= '0' && segment[i] <= '9'

		for i < len(segment) && (segment[i] >= '0' && segment[i] <= '9') == isDigit {
			i++
		}

		run := segment[start:i]
		if isDigit {
			n, err := strconv.ParseInt(run, 10, 64)
			if err != nil {
				parts = append(parts, versionPart{str: run})

				continue
			}

			parts = append(parts, versionPart{num: n, isNum: true})
		} else {
			parts = append(parts, versionPart{str: run})
		}
	}

	return parts
}

// compareVersions returns -1, 0, or 1. A numeric part outranks an
// alphabetic part at the same position (conda treats a missing/absent
// component as lower than any present one); missing trailing parts are
// treated as lower than any extra trailing part.
func compareVersions(a, b parsedVersion) int {
	if a.epoch != b.epoch {
		if a.epoch < b.epoch {
			return -1
		}

		return 1
	}

	for i := 0; i < len(a.parts) || i < len(b.parts); i++ {
		var pa, pb versionPart

		var hasA, hasB bool

		if i < len(a.parts) {
			pa, hasA = a.parts[i], true
		}

		if i < len(b.parts) {
			pb, hasB = b.parts[i], true
		}

		if !hasA || !hasB {
			if hasA == hasB {
				return 0
			}

			if hasA {
				return 1
			}

			return -1
		}

		if c := comparePart(pa, pb); c != 0 {
			return c
		}
	}

	return 0
}

func comparePart(a, b versionPart) int {
	if a.isNum != b.isNum {
		if a.isNum {
			return 1
		}

		return -1
	}

	if a.isNum {
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(a.str, b.str)
}
