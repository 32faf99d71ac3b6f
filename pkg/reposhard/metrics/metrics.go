// Package metrics exposes Prometheus counters and histograms for the fetch
// engine, cache store, and traversal components, following the small
// typed-recording-helper-over-raw-vectors pattern used by
// pkg/reposhard/lock's metrics (itself ported from the teacher's
// pkg/lock/metrics.go), but registered directly against
// github.com/prometheus/client_golang rather than through an OTel bridge.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Fetch outcome labels.
const (
	FetchResultSuccess   = "success"
	FetchResultNotFound  = "not_found"
	FetchResultError     = "error"
	FetchResultRateLimit = "rate_limited"
)

// Cache lookup outcome labels.
const (
	CacheResultHit     = "hit"
	CacheResultMiss    = "miss"
	CacheResultStale   = "stale"
	CacheResultStoreErr = "store_error"
)

//nolint:gochecknoglobals
var (
	fetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposhard_fetch_attempts_total",
			Help: "Total number of upstream fetch attempts by outcome.",
		},
		[]string{"result"},
	)

	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reposhard_fetch_duration_seconds",
			Help:    "Duration of upstream fetch requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposhard_cache_lookups_total",
			Help: "Total number of cache store lookups by outcome.",
		},
		[]string{"result"},
	)

	shardDecodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reposhard_shard_decode_duration_seconds",
			Help:    "Duration of zstd+msgpack decode of a single shard file.",
			Buckets: prometheus.DefBuckets,
		},
	)

	traversalNodesVisitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reposhard_traversal_nodes_visited_total",
			Help: "Total number of dependency graph nodes visited during traversal.",
		},
	)

	traversalShardsFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reposhard_traversal_shards_fetched_total",
			Help: "Total number of shard files fetched to satisfy traversal.",
		},
	)
)

// Registry is a dedicated Prometheus registry for reposhard's metrics,
// registered with the package's collectors on init. Callers serve it
// themselves (e.g. via promhttp.HandlerFor) rather than relying on the
// global default registry.
//
//nolint:gochecknoglobals
var Registry = prometheus.NewRegistry()

//nolint:gochecknoinits
func init() {
	Registry.MustRegister(
		fetchAttemptsTotal,
		fetchDuration,
		cacheLookupsTotal,
		shardDecodeDuration,
		traversalNodesVisitedTotal,
		traversalShardsFetchedTotal,
	)
}

// RecordFetchAttempt records the outcome and duration of an upstream fetch.
func RecordFetchAttempt(result string, durationSeconds float64) {
	fetchAttemptsTotal.WithLabelValues(result).Inc()
	fetchDuration.WithLabelValues(result).Observe(durationSeconds)
}

// RecordCacheLookup records the outcome of a cache store lookup.
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordShardDecodeDuration records how long it took to zstd-decompress and
// msgpack-decode a single shard file.
func RecordShardDecodeDuration(durationSeconds float64) {
	shardDecodeDuration.Observe(durationSeconds)
}

// RecordTraversalNodeVisited increments the traversal node counter.
func RecordTraversalNodeVisited() {
	traversalNodesVisitedTotal.Inc()
}

// RecordTraversalShardFetched increments the traversal shard-fetch counter.
func RecordTraversalShardFetched() {
	traversalShardsFetchedTotal.Inc()
}
