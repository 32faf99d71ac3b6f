// Package subdir implements the Subdir Index Loader (C3): for one
// (channel, platform), decide whether the cached repodata.json is valid
// and, if not, drive the two-phase check-then-download sequence over the
// Fetch Engine that makes it valid. Grounded on the "check store, else
// pull, then store" shape of teacher's Cache.GetNarInfo/pullNarInfo
// (pkg/cache/cache.go), generalized from a single hash lookup to a
// state-machine-per-subdir batch driver, and on pkg/reposhard/cachestore
// for persistence and pkg/reposhard/fetch for the actual HTTP work.
package subdir

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/mamba-org/reposhard/pkg/reposhard/cachestore"
	"github.com/mamba-org/reposhard/pkg/reposhard/config"
	"github.com/mamba-org/reposhard/pkg/reposhard/types"
)

// State is one point in the lifecycle described in spec.md §4.3.
type State int

const (
	StateNoCache State = iota
	StateChecking
	StateDownloading
	StateValid
	StateExpiredUse
	StateForbidden
	StateError
)

func (s State) String() string {
	switch s {
	case StateNoCache:
		return "no_cache"
	case StateChecking:
		return "checking"
	case StateDownloading:
		return "downloading"
	case StateValid:
		return "valid"
	case StateExpiredUse:
		return "expired_use"
	case StateForbidden:
		return "forbidden"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Loader tracks one (channel, platform)'s repodata.json cache lifecycle.
// URL is the canonical, absolute URL of the subdir's repodata.json (e.g.
// "https://conda.anaconda.org/conda-forge/linux-64/repodata.json").
type Loader struct {
	Channel  string
	Platform string
	URL      string

	store  *cachestore.Store
	params config.SubdirParams

	state      State
	validPath  string
	cacheState *types.SubdirCacheState
	err        error
}

// NewLoader constructs a Loader and immediately applies the entry
// freshness policy from spec.md §4.3: offline-with-any-cache accepts it
// regardless of age; a valid sidecar within TTL (local or HTTP) transitions
// straight to VALID; anything else starts at NO_CACHE/EXPIRED_USE pending a
// check phase.
func NewLoader(ctx context.Context, store *cachestore.Store, channel, platform, url string, params config.SubdirParams) (*Loader, error) {
	l := &Loader{
		Channel:  channel,
		Platform: platform,
		URL:      url,
		store:    store,
		params:   params,
		state:    StateNoCache,
	}

	state, err := store.GetRepodataState(ctx, url)
	if err != nil {
		l.state = StateError
		l.err = err

		return l, err
	}

	if state == nil {
		return l, nil
	}

	l.cacheState = state

	if params.Offline {
		l.markValid()

		return l, nil
	}

	if l.isFresh(state) {
		l.markValid()

		return l, nil
	}

	l.state = StateExpiredUse

	return l, nil
}

func (l *Loader) isFresh(state *types.SubdirCacheState) bool {
	now := time.Now()

	if l.params.LocalRepodataTTL != nil {
		if now.Sub(state.Mtime) < *l.params.LocalRepodataTTL {
			return true
		}
	}

	if maxAge, ok := parseCacheControlMaxAge(state.CacheControl); ok {
		return now.Sub(state.Mtime) < maxAge
	}

	return false
}

func (l *Loader) markValid() {
	l.state = StateValid
	l.validPath = cachestore.Name(l.URL)
}

// State returns the loader's current lifecycle state.
func (l *Loader) State() State { return l.state }

// Err returns the error that moved the loader into StateError, if any.
func (l *Loader) Err() error { return l.err }

// ValidJSONCachePath returns the cache artifact name carrying validated
// JSON, or "" if the loader is not in StateValid.
func (l *Loader) ValidJSONCachePath() string {
	if l.state != StateValid {
		return ""
	}

	return l.validPath
}

// CacheState returns the loader's current sidecar knowledge, or nil if
// none has been loaded yet.
func (l *Loader) CacheState() *types.SubdirCacheState { return l.cacheState }

func (l *Loader) zstURL() string {
	return strings.TrimSuffix(l.URL, ".json") + ".json.zst"
}

func (l *Loader) shardsURL() string {
	idx := strings.LastIndex(l.URL, "/")
	if idx < 0 {
		return l.URL
	}

	return l.URL[:idx+1] + "repodata_shards.msgpack.zst"
}

// parseCacheControlMaxAge extracts the max-age directive from a
// Cache-Control header value, per HTTP freshness rules.
func parseCacheControlMaxAge(header string) (time.Duration, bool) {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)

		const prefix = "max-age="

		if !strings.HasPrefix(directive, prefix) {
			continue
		}

		secs, err := strconv.Atoi(strings.TrimPrefix(directive, prefix))
		if err != nil {
			continue
		}

		return time.Duration(secs) * time.Second, true
	}

	return 0, false
}

// defaultCheckedFlagTTL is the TTL phase B passes to the HasZst
// CheckedFlag's Expired() check for every loader; there is no per-loader
// override. Matches §3's "server-suggested or configured" default.
const defaultCheckedFlagTTL = 15 * time.Minute
