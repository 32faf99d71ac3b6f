package traversal_test

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
	"github.com/mamba-org/reposhard/pkg/reposhard/traversal"
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

// newTestChannel serves a tiny shard graph: numpy -> libblas, python; python
// and libblas carry no further dependencies. Each package gets its own
// shard file, named by a distinct one-byte hash.
func newTestChannel(t *testing.T) (*shards.Shards, *httptest.Server) {
	t.Helper()

	var hNumpy, hPython, hLibblas types.Hash
	hNumpy[0] = 0x01
	hPython[0] = 0x02
	hLibblas[0] = 0x03

	mux := http.NewServeMux()

	serve := func(hash types.Hash, root map[string]interface{}) {
		payload := encodeShard(t, root)
		mux.HandleFunc("/shards/"+hash.String()+".msgpack.zst", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
		})
	}

	serve(hNumpy, map[string]interface{}{
		"packages": map[string]interface{}{
			"numpy-1.20.0-py310h1.tar.bz2": map[string]interface{}{
				"name": "numpy", "version": "1.20.0", "build": "py310h1", "build_number": uint64(0),
				"depends": []interface{}{"python >=3.10", "libblas"},
			},
		},
	})
	serve(hPython, map[string]interface{}{
		"packages": map[string]interface{}{
			"python-3.11.0-h1.tar.bz2": map[string]interface{}{
				"name": "python", "version": "3.11.0", "build": "h1", "build_number": uint64(0),
			},
		},
	})
	serve(hLibblas, map[string]interface{}{
		"packages": map[string]interface{}{
			"libblas-3.9.0-h1.tar.bz2": map[string]interface{}{
				"name": "libblas", "version": "3.9.0", "build": "h1", "build_number": uint64(0),
				"depends": []interface{}{"*"}, // a free name, must not produce a neighbor
			},
		},
	})

	ts := httptest.NewServer(mux)

	idx := &types.ShardsIndex{
		Info: types.RepoMetadata{ShardsBaseURL: ts.URL + "/shards/"},
		Shards: map[string]types.Hash{
			"numpy":   hNumpy,
			"python":  hPython,
			"libblas": hLibblas,
		},
	}

	s := shards.New(idx, ts.URL+"/linux-64/repodata_shards.msgpack.zst", "conda-forge", newStore(t), newEngine(t), mirror.New(nil), config.DefaultRemoteFetchParams(), nil, 0)

	return s, ts
}

func TestReachable_Pipelined_FindsTransitiveDeps(t *testing.T) {
	t.Parallel()

	s, ts := newTestChannel(t)
	defer ts.Close()

	subset := traversal.New([]*shards.Shards{s})

	err := subset.Reachable(context.Background(), []string{"numpy"}, traversal.StrategyPipelined, nil)
	require.NoError(t, err)

	nodes := subset.Nodes()

	packages := make(map[string]int)
	for id, n := range nodes {
		packages[id.Package] = n.Distance
	}

	assert.Equal(t, map[string]int{"numpy": 0, "python": 1, "libblas": 1}, packages)

	for _, n := range nodes {
		assert.True(t, n.Visited)
	}
}

func TestReachable_BFS_FindsSameNodeSetAsPipelined(t *testing.T) {
	t.Parallel()

	sBFS, tsBFS := newTestChannel(t)
	defer tsBFS.Close()

	sPipe, tsPipe := newTestChannel(t)
	defer tsPipe.Close()

	ctx := context.Background()

	bfsSubset := traversal.New([]*shards.Shards{sBFS})
	require.NoError(t, bfsSubset.Reachable(ctx, []string{"numpy"}, traversal.StrategyBFS, nil))

	pipeSubset := traversal.New([]*shards.Shards{sPipe})
	require.NoError(t, pipeSubset.Reachable(ctx, []string{"numpy"}, traversal.StrategyPipelined, nil))

	bfsNames := make(map[string]struct{})
	for id := range bfsSubset.Nodes() {
		bfsNames[id.Package] = struct{}{}
	}

	pipeNames := make(map[string]struct{})
	for id := range pipeSubset.Nodes() {
		pipeNames[id.Package] = struct{}{}
	}

	assert.Equal(t, pipeNames, bfsNames)
}

func TestReachable_EmptyRoots_NoOp(t *testing.T) {
	t.Parallel()

	s, ts := newTestChannel(t)
	defer ts.Close()

	subset := traversal.New([]*shards.Shards{s})

	err := subset.Reachable(context.Background(), nil, traversal.StrategyPipelined, nil)
	require.NoError(t, err)
	assert.Empty(t, subset.Nodes())
}

func TestReachable_RootShardsFilter_ExcludesUnlistedSeed(t *testing.T) {
	t.Parallel()

	s, ts := newTestChannel(t)
	defer ts.Close()

	subset := traversal.New([]*shards.Shards{s})

	err := subset.Reachable(context.Background(), []string{"numpy"}, traversal.StrategyPipelined, map[string]struct{}{
		"https://does-not-match.example/": {},
	})
	require.NoError(t, err)
	assert.Empty(t, subset.Nodes())
}
