package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mamba-org/reposhard/pkg/reposhard/metrics"
)

func TestRecordFetchAttempt(t *testing.T) {
	metrics.RecordFetchAttempt(metrics.FetchResultSuccess, 0.2)
	metrics.RecordFetchAttempt(metrics.FetchResultError, 1.5)

	count, err := testutil.GatherAndCount(metrics.Registry, "reposhard_fetch_attempts_total")
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, count, 2)
}

func TestRecordCacheLookup(t *testing.T) {
	metrics.RecordCacheLookup(metrics.CacheResultHit)
	metrics.RecordCacheLookup(metrics.CacheResultMiss)

	count, err := testutil.GatherAndCount(metrics.Registry, "reposhard_cache_lookups_total")
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, count, 2)
}

func TestRecordShardDecodeDurationAndTraversalCounters(t *testing.T) {
	metrics.RecordShardDecodeDuration(0.01)
	metrics.RecordTraversalNodeVisited()
	metrics.RecordTraversalShardFetched()

	count, err := testutil.GatherAndCount(metrics.Registry,
		"reposhard_shard_decode_duration_seconds",
		"reposhard_traversal_nodes_visited_total",
		"reposhard_traversal_shards_fetched_total",
	)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, count, 3)
}
