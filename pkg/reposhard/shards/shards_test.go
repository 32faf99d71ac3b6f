package shards_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mamba-org/reposhard/pkg/reposhard/cachestore"
	"github.com/mamba-org/reposhard/pkg/reposhard/config"
	"github.com/mamba-org/reposhard/pkg/reposhard/fetch"
	"github.com/mamba-org/reposhard/pkg/reposhard/lock/local"
	"github.com/mamba-org/reposhard/pkg/reposhard/mirror"
	"github.com/mamba-org/reposhard/pkg/reposhard/shards"
	"github.com/mamba-org/reposhard/pkg/reposhard/types"
	"github.com/mamba-org/reposhard/pkg/reposhard/zstdutil"
)

func newStore(t *testing.T) *cachestore.Store {
	t.Helper()

	s, err := cachestore.New(t.TempDir(), local.NewLocker())
	require.NoError(t, err)

	return s
}

func newEngine(t *testing.T) *fetch.Engine {
	t.Helper()

	e, err := fetch.NewEngine(config.DefaultRemoteFetchParams())
	require.NoError(t, err)

	return e
}

func encodeShard(t *testing.T, root map[string]interface{}) []byte {
	t.Helper()

	raw, err := msgpack.Marshal(root)
	require.NoError(t, err)

	return zstdutil.EncodeAll(raw)
}

func numpyRecord() map[string]interface{} {
	return map[string]interface{}{
		"name":         "numpy",
		"version":      "1.20.0",
		"build":        "py310h1",
		"build_number": uint64(0),
		"depends":      []interface{}{"python >=3.10", "libblas"},
	}
}

func TestShards_ShardURL_RelativeBase(t *testing.T) {
	t.Parallel()

	var hash types.Hash
	hash[0] = 0xAB

	idx := &types.ShardsIndex{
		Info:   types.RepoMetadata{ShardsBaseURL: "shards/"},
		Shards: map[string]types.Hash{"numpy": hash},
	}

	s := shards.New(idx, "https://example.com/conda-forge/linux-64/repodata_shards.msgpack.zst", "conda-forge", nil, nil, nil, config.RemoteFetchParams{}, nil, 0)

	u, err := s.ShardURL("numpy")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/conda-forge/linux-64/shards/"+hash.String()+".msgpack.zst", u)
}

func TestShards_ShardURL_AbsoluteBase(t *testing.T) {
	t.Parallel()

	var hash types.Hash
	hash[0] = 0xCD

	idx := &types.ShardsIndex{
		Info:   types.RepoMetadata{ShardsBaseURL: "https://shards.example.com/cf/"},
		Shards: map[string]types.Hash{"scipy": hash},
	}

	s := shards.New(idx, "https://example.com/conda-forge/linux-64/repodata_shards.msgpack.zst", "conda-forge", nil, nil, nil, config.RemoteFetchParams{}, nil, 0)

	u, err := s.ShardURL("scipy")
	require.NoError(t, err)
	assert.Equal(t, "https://shards.example.com/cf/"+hash.String()+".msgpack.zst", u)
}

func TestShards_ShardURL_UnknownPackage(t *testing.T) {
	t.Parallel()

	idx := &types.ShardsIndex{Info: types.RepoMetadata{ShardsBaseURL: "shards/"}, Shards: map[string]types.Hash{}}
	s := shards.New(idx, "https://example.com/linux-64/repodata_shards.msgpack.zst", "conda-forge", nil, nil, nil, config.RemoteFetchParams{}, nil, 0)

	_, err := s.ShardURL("missing")
	require.Error(t, err)

	var notIndexed *shards.ErrPackageNotIndexed
	assert.ErrorAs(t, err, &notIndexed)
}

func TestShards_FetchShards_DownloadsAndCaches(t *testing.T) {
	t.Parallel()

	var hash types.Hash
	hash[0] = 0x01

	payload := encodeShard(t, map[string]interface{}{
		"packages": map[string]interface{}{
			"numpy-1.20.0-py310h1.tar.bz2": numpyRecord(),
		},
	})

	var gets int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	idx := &types.ShardsIndex{
		Info:   types.RepoMetadata{ShardsBaseURL: ts.URL + "/shards/"},
		Shards: map[string]types.Hash{"numpy": hash},
	}

	ctx := context.Background()
	s := shards.New(idx, ts.URL+"/linux-64/repodata_shards.msgpack.zst", "conda-forge", newStore(t), newEngine(t), mirror.New(nil), config.DefaultRemoteFetchParams(), nil, 0)

	results, err := s.FetchShards(ctx, []string{"numpy"})
	require.NoError(t, err)
	require.Contains(t, results, "numpy")

	rec := results["numpy"].Packages["numpy-1.20.0-py310h1.tar.bz2"]
	assert.Equal(t, "numpy", rec.Name)
	assert.Equal(t, "1.20.0", rec.Version)
	assert.Equal(t, []string{"python >=3.10", "libblas"}, rec.Depends)

	assert.True(t, s.IsShardPresent("numpy"))
	assert.Equal(t, 1, gets)

	// A second fetch is served from the in-memory visited set.
	results2, err := s.FetchShards(ctx, []string{"numpy"})
	require.NoError(t, err)
	assert.Contains(t, results2, "numpy")
	assert.Equal(t, 1, gets)
}

func TestShards_FetchShards_PartialFailureOmitsPackage(t *testing.T) {
	t.Parallel()

	var hashOK, hashFail types.Hash
	hashOK[0] = 0x01
	hashFail[0] = 0x02

	payload := encodeShard(t, map[string]interface{}{
		"packages": map[string]interface{}{
			"numpy-1.20.0-py310h1.tar.bz2": numpyRecord(),
		},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/shards/"+hashOK.String()+".msgpack.zst", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	})
	mux.HandleFunc("/shards/"+hashFail.String()+".msgpack.zst", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	idx := &types.ShardsIndex{
		Info: types.RepoMetadata{ShardsBaseURL: ts.URL + "/shards/"},
		Shards: map[string]types.Hash{
			"numpy": hashOK,
			"broken": hashFail,
		},
	}

	remote := config.DefaultRemoteFetchParams()
	remote.MaxRetries = 1
	remote.RetryTimeout = 0

	ctx := context.Background()
	s := shards.New(idx, ts.URL+"/linux-64/repodata_shards.msgpack.zst", "conda-forge", newStore(t), newEngine(t), mirror.New(nil), remote, nil, 0)

	results, err := s.FetchShards(ctx, []string{"numpy", "broken"})
	require.NoError(t, err)
	assert.Contains(t, results, "numpy")
	assert.NotContains(t, results, "broken")
}

func TestShards_BuildRepodata_SortsByVersionDescending(t *testing.T) {
	t.Parallel()

	idx := &types.ShardsIndex{Info: types.RepoMetadata{Subdir: "linux-64"}, Shards: map[string]types.Hash{}}

	// Exercise BuildRepodata over directly-fetched shards to avoid reaching
	// into the unexported visited map: fetch from a local test server
	// carrying multiple versions of the same package name.
	var h1, h2 types.Hash
	h1[0] = 0x01
	h2[0] = 0x02

	payload1 := map[string]interface{}{
		"packages": map[string]interface{}{
			"numpy-1.19.0-py310h0.tar.bz2": map[string]interface{}{
				"name": "numpy", "version": "1.19.0", "build": "py310h0", "build_number": uint64(0),
			},
		},
	}
	payload2 := map[string]interface{}{
		"packages": map[string]interface{}{
			"numpy-1.20.0-py310h1.tar.bz2": map[string]interface{}{
				"name": "numpy", "version": "1.20.0", "build": "py310h1", "build_number": uint64(0),
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/shards/"+h1.String()+".msgpack.zst", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(encodeShard(t, payload1))
	})
	mux.HandleFunc("/shards/"+h2.String()+".msgpack.zst", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(encodeShard(t, payload2))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	idx.Shards = map[string]types.Hash{"shard-a": h1, "shard-b": h2}
	s := shards.New(idx, ts.URL+"/linux-64/repodata_shards.msgpack.zst", "conda-forge", newStore(t), newEngine(t), mirror.New(nil), config.DefaultRemoteFetchParams(), nil, 0)

	ctx := context.Background()
	_, err := s.FetchShards(ctx, []string{"shard-a", "shard-b"})
	require.NoError(t, err)

	repo := s.BuildRepodata()
	require.Len(t, repo.PackageOrder, 2)
	assert.Equal(t, "numpy-1.20.0-py310h1.tar.bz2", repo.PackageOrder[0])
	assert.Equal(t, "numpy-1.19.0-py310h0.tar.bz2", repo.PackageOrder[1])
	assert.EqualValues(t, 2, repo.RepodataVersion)
}
