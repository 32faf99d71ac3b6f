package cachestore_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamba-org/reposhard/pkg/reposhard/cachestore"
	"github.com/mamba-org/reposhard/pkg/reposhard/lock/local"
	"github.com/mamba-org/reposhard/pkg/reposhard/types"
)

func newStore(t *testing.T) *cachestore.Store {
	t.Helper()

	s, err := cachestore.New(t.TempDir(), local.NewLocker())
	require.NoError(t, err)

	return s
}

func TestNew_PathMustBeAbsolute(t *testing.T) {
	t.Parallel()

	_, err := cachestore.New("relative/dir", nil)
	assert.ErrorIs(t, err, cachestore.ErrPathMustBeAbsolute)
}

func TestName_DerivedFromURL(t *testing.T) {
	t.Parallel()

	n1 := cachestore.Name("https://conda.anaconda.org/conda-forge/linux-64/repodata.json")
	n2 := cachestore.Name("https://conda.anaconda.org/conda-forge/linux-64/repodata.json")
	n3 := cachestore.Name("https://conda.anaconda.org/conda-forge/osx-64/repodata.json")

	assert.Equal(t, n1, n2)
	assert.NotEqual(t, n1, n3)
	assert.Contains(t, n1, "repodata.json")

	prefix, rest, ok := strings.Cut(n1, "-")
	require.True(t, ok)
	assert.Len(t, prefix, 8)
	assert.Equal(t, "repodata.json", rest)
}

func TestPutAndGetRepodata(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	url := "https://conda.anaconda.org/conda-forge/linux-64/repodata.json"

	_, err := s.GetRepodata(ctx, url)
	assert.ErrorIs(t, err, cachestore.ErrNotFound)

	state := types.SubdirCacheState{URL: url, ETag: `"v1"`}
	require.NoError(t, s.PutRepodata(ctx, url, []byte(`{"packages":{}}`), state))

	got, err := s.GetRepodata(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, `{"packages":{}}`, string(got))
}

func TestRepodataState_ValidAfterPut(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	url := "https://conda.anaconda.org/conda-forge/linux-64/repodata.json"

	require.NoError(t, s.PutRepodata(ctx, url, []byte(`{}`), types.SubdirCacheState{URL: url, ETag: `"v1"`}))

	state, err := s.GetRepodataState(ctx, url)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, `"v1"`, state.ETag)
}

func TestRepodataState_InvalidatedByMtimeMismatch(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	url := "https://conda.anaconda.org/conda-forge/linux-64/repodata.json"

	require.NoError(t, s.PutRepodata(ctx, url, []byte(`{}`), types.SubdirCacheState{URL: url, ETag: `"v1"`}))

	// Overwrite the data file directly, bypassing the store, so its mtime
	// and size no longer match the sidecar.
	dataPath := filepath.Join(dirOf(t, s), cachestore.Name(url)+".json")
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(dataPath, []byte(`{"changed":true}`), 0o600))

	state, err := s.GetRepodataState(ctx, url)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestRepodataState_MissingIsNilNotError(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	state, err := s.GetRepodataState(context.Background(), "https://example.com/repodata.json")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestPutAndGetShardIndex(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	url := "https://conda.anaconda.org/conda-forge/linux-64/repodata_shards.msgpack.zst"

	require.NoError(t, s.PutShardIndex(ctx, url, []byte("shard-index-bytes")))

	got, err := s.GetShardIndex(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, "shard-index-bytes", string(got))
}

func TestPutAndGetShard(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	var hash types.Hash
	hash[0] = 0xAB

	_, err := s.GetShard(ctx, hash)
	assert.ErrorIs(t, err, cachestore.ErrNotFound)

	require.NoError(t, s.PutShard(ctx, hash, []byte("shard-bytes")))

	got, err := s.GetShard(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "shard-bytes", string(got))

	// Writing again with different content is a no-op: shards are
	// content-addressed and immutable.
	require.NoError(t, s.PutShard(ctx, hash, []byte("different-bytes")))

	got, err = s.GetShard(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "shard-bytes", string(got))
}

func TestAdoptFile(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	url := "https://conda.anaconda.org/conda-forge/linux-64/repodata.json"

	tmp, err := s.TempFile("adopt-*.json")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tmp, []byte(`{"adopted":true}`), 0o600))

	require.NoError(t, s.AdoptFile(ctx, url, tmp, types.SubdirCacheState{URL: url}))

	got, err := s.GetRepodata(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, `{"adopted":true}`, string(got))

	state, err := s.GetRepodataState(ctx, url)
	require.NoError(t, err)
	require.NotNil(t, state)
}

func TestHasSolvCache(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	url := "https://conda.anaconda.org/conda-forge/linux-64/repodata.json"

	assert.False(t, s.HasSolvCache(url))

	tmp, err := s.TempFile("solv-*.tmp")
	require.NoError(t, err)

	require.NoError(t, s.AdoptSolvCache(context.Background(), url, tmp))
	assert.True(t, s.HasSolvCache(url))
}

func dirOf(t *testing.T, s *cachestore.Store) string {
	t.Helper()

	tmp, err := s.TempFile("probe-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmp) })

	return filepath.Dir(tmp)
}
