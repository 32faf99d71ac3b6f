package subdir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mamba-org/reposhard/pkg/reposhard/auth"
	"github.com/mamba-org/reposhard/pkg/reposhard/config"
	"github.com/mamba-org/reposhard/pkg/reposhard/fetch"
	"github.com/mamba-org/reposhard/pkg/reposhard/mirror"
	"github.com/mamba-org/reposhard/pkg/reposhard/rerrors"
	"github.com/mamba-org/reposhard/pkg/reposhard/types"
	"github.com/mamba-org/reposhard/pkg/reposhard/zstdutil"
)

type requestKind int

const (
	kindZstCheck requestKind = iota
	kindShardsCheck
	kindConditionalGet
	kindPlainGet
)

type requestMeta struct {
	loaderIdx int
	kind      requestKind
	usedZst   bool
}

// DownloadRequiredIndexes drives every loader not already StateValid (or
// StateForbidden) through the two serial phases described in spec.md §4.3:
// phase A issues cheap HEAD/conditional checks that can resolve a loader
// without a full download; phase B issues a full GET for whatever remains
// unresolved. If ctx is cancelled by the end of phase A, phase B is skipped
// and a UserInterrupted error is returned. Otherwise every driven loader
// ends in StateValid or StateError, except a noarch loader whose download
// fails, which is left in StateNoCache.
func DownloadRequiredIndexes(
	ctx context.Context,
	loaders []*Loader,
	engine *fetch.Engine,
	mirrors *mirror.Map,
	remote config.RemoteFetchParams,
	authDB *auth.DB,
	dlParams config.SubdirDownloadParams,
) error {
	if mirrors == nil {
		mirrors = mirror.New(nil)
	}

	runPhaseA(ctx, loaders, engine, mirrors, remote, authDB, dlParams)

	if ctx.Err() != nil {
		return rerrors.New(rerrors.UserInterrupted, "subdir: interrupted during check phase, download phase skipped")
	}

	runPhaseB(ctx, loaders, engine, mirrors, remote, authDB)

	return nil
}

func runPhaseA(
	ctx context.Context,
	loaders []*Loader,
	engine *fetch.Engine,
	mirrors *mirror.Map,
	remote config.RemoteFetchParams,
	authDB *auth.DB,
	dlParams config.SubdirDownloadParams,
) {
	var (
		reqs  []fetch.Request
		metas []requestMeta
	)

	for i, l := range loaders {
		if l.state == StateValid || l.state == StateForbidden {
			continue
		}

		l.state = StateChecking

		if dlParams.RepodataCheckZst {
			reqs = append(reqs, fetch.Request{Name: fmt.Sprintf("%s/%s:zst-check", l.Channel, l.Platform), URLPath: l.zstURL(), HeadOnly: true, IgnoreFailure: true})
			metas = append(metas, requestMeta{loaderIdx: i, kind: kindZstCheck})
		}

		reqs = append(reqs, fetch.Request{Name: fmt.Sprintf("%s/%s:shards-check", l.Channel, l.Platform), URLPath: l.shardsURL(), HeadOnly: true, IgnoreFailure: true})
		metas = append(metas, requestMeta{loaderIdx: i, kind: kindShardsCheck})

		if l.cacheState != nil && (l.cacheState.ETag != "" || l.cacheState.LastModified != "") {
			url := l.cacheState.URL
			if url == "" {
				url = l.URL
			}

			reqs = append(reqs, fetch.Request{
				Name:         fmt.Sprintf("%s/%s:conditional-get", l.Channel, l.Platform),
				URLPath:      url,
				ETag:         l.cacheState.ETag,
				LastModified: l.cacheState.LastModified,
			})
			metas = append(metas, requestMeta{loaderIdx: i, kind: kindConditionalGet, usedZst: strings.HasSuffix(url, ".zst")})
		}
	}

	if len(reqs) == 0 {
		return
	}

	results := engine.Download(ctx, reqs, mirrors, remote, authDB, fetch.Options{})

	for i, result := range results {
		applyPhaseAResult(ctx, loaders[metas[i].loaderIdx], metas[i], result)
	}
}

func applyPhaseAResult(ctx context.Context, l *Loader, meta requestMeta, result fetch.Result) {
	now := time.Now()

	switch meta.kind {
	case kindZstCheck:
		l.setCheckedFlag(ctx, func(s *types.SubdirCacheState) { s.HasZst = &types.CheckedFlag{Value: result.Ok, LastChecked: now} })
	case kindShardsCheck:
		l.setCheckedFlag(ctx, func(s *types.SubdirCacheState) { s.HasShards = &types.CheckedFlag{Value: result.Ok, LastChecked: now} })
	case kindConditionalGet:
		if !result.Ok {
			return
		}

		if result.NotModified {
			l.touchValid(ctx, result)

			return
		}

		if err := l.adoptPayload(ctx, result, meta.usedZst); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("channel", l.Channel).Str("platform", l.Platform).Msg("failed to adopt phase A conditional GET payload")

			return
		}
	}
}

func runPhaseB(
	ctx context.Context,
	loaders []*Loader,
	engine *fetch.Engine,
	mirrors *mirror.Map,
	remote config.RemoteFetchParams,
	authDB *auth.DB,
) {
	var (
		reqs  []fetch.Request
		metas []requestMeta
	)

	for i, l := range loaders {
		if l.state == StateValid || l.state == StateForbidden {
			continue
		}

		l.state = StateDownloading

		usedZst := l.cacheState.HasUpToDateZst(time.Now(), defaultCheckedFlagTTL)
		url := l.URL

		if usedZst {
			url = l.zstURL()
		}

		req := fetch.Request{
			Name:          fmt.Sprintf("%s/%s:download", l.Channel, l.Platform),
			URLPath:       url,
			IgnoreFailure: l.Platform == "noarch",
		}

		if l.cacheState != nil {
			req.ETag = l.cacheState.ETag
			req.LastModified = l.cacheState.LastModified
		}

		reqs = append(reqs, req)
		metas = append(metas, requestMeta{loaderIdx: i, kind: kindPlainGet, usedZst: usedZst})
	}

	if len(reqs) == 0 {
		return
	}

	results := engine.Download(ctx, reqs, mirrors, remote, authDB, fetch.Options{})

	for i, result := range results {
		l := loaders[metas[i].loaderIdx]

		if !result.Ok {
			if l.Platform == "noarch" {
				l.state = StateNoCache

				continue
			}

			l.state = StateError
			l.err = rerrors.New(rerrors.RepodataNotLoaded, result.Message)

			continue
		}

		if result.NotModified {
			l.touchValid(ctx, result)

			continue
		}

		if err := l.adoptPayload(ctx, result, metas[i].usedZst); err != nil {
			l.state = StateError
			l.err = err
		}
	}
}

// setCheckedFlag mutates the loader's in-memory cache state via mutate,
// then persists it if a data file already exists (otherwise there is
// nothing to attach a sidecar to yet).
func (l *Loader) setCheckedFlag(ctx context.Context, mutate func(*types.SubdirCacheState)) {
	if l.cacheState == nil {
		l.cacheState = &types.SubdirCacheState{URL: l.URL}
	}

	mutate(l.cacheState)

	if err := l.store.UpdateState(ctx, l.URL, func(s *types.SubdirCacheState) { mutate(s) }); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("channel", l.Channel).Str("platform", l.Platform).Msg("no existing data file to attach checked-flag sidecar to yet")
	}
}

// touchValid handles a 304 response: the data file is unchanged, so only
// the sidecar's freshness metadata is refreshed before promoting the
// loader to StateValid.
func (l *Loader) touchValid(ctx context.Context, result fetch.Result) {
	err := l.store.UpdateState(ctx, l.URL, func(s *types.SubdirCacheState) {
		if result.ETag != "" {
			s.ETag = result.ETag
		}

		if result.LastModified != "" {
			s.LastModified = result.LastModified
		}

		if result.CacheControl != "" {
			s.CacheControl = result.CacheControl
		}
	})
	if err != nil {
		l.state = StateError
		l.err = err

		return
	}

	state, err := l.store.GetRepodataState(ctx, l.URL)
	if err == nil {
		l.cacheState = state
	}

	l.markValid()
}

// adoptPayload decompresses (if usedZst), validates, and adopts a
// successful download's content as the loader's new cache file.
func (l *Loader) adoptPayload(ctx context.Context, result fetch.Result, usedZst bool) error {
	data := result.Content

	var err error

	if usedZst {
		data, err = zstdutil.DecodeAll(data)
		if err != nil {
			return fmt.Errorf("subdir: decompressing %s/%s: %w", l.Channel, l.Platform, err)
		}
	}

	if !json.Valid(data) {
		return fmt.Errorf("subdir: %s/%s: downloaded repodata is not valid JSON", l.Channel, l.Platform)
	}

	tmp, err := l.store.TempFile("repodata-*.json")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("subdir: writing temp repodata for %s/%s: %w", l.Channel, l.Platform, err)
	}

	state := types.SubdirCacheState{
		URL:          result.Transfer.EffectiveURL,
		ETag:         result.ETag,
		LastModified: result.LastModified,
		CacheControl: result.CacheControl,
	}

	if l.cacheState != nil {
		state.HasZst = l.cacheState.HasZst
		state.HasShards = l.cacheState.HasShards
	}

	if err := l.store.AdoptFile(ctx, l.URL, tmp, state); err != nil {
		return fmt.Errorf("subdir: adopting repodata for %s/%s: %w", l.Channel, l.Platform, err)
	}

	refreshed, err := l.store.GetRepodataState(ctx, l.URL)
	if err == nil {
		l.cacheState = refreshed
	}

	l.markValid()

	return nil
}
