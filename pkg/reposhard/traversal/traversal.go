// Package traversal implements RepodataSubset (C6): computing the set of
// packages reachable from a set of root package names across a set of
// Shards instances, by following depends/constrains edges shard by shard.
// Grounded on shard_traversal.cpp's RepodataSubset (NodeId/Node,
// reachable_bfs/reachable_pipelined, neighbors/extract_dependencies_impl).
package traversal

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/mamba-org/reposhard/pkg/reposhard/shards"
	"github.com/mamba-org/reposhard/pkg/reposhard/types"
)

// Strategy selects how RepodataSubset.Reachable paces its fetches.
type Strategy string

const (
	// StrategyPipelined fetches and decodes one node at a time, on demand.
	// This is the default: finer-grained pipelining of I/O and decoding at
	// the cost of a larger request count, per spec.md §4.6.
	StrategyPipelined Strategy = "pipelined"
	// StrategyBFS batches every not-yet-present shard of a level by owning
	// channel and issues one fetch per channel before expanding that level's
	// neighbors.
	StrategyBFS Strategy = "bfs"
)

// NodeID identifies one package as reachable through one particular Shards
// instance: the same package name reachable via two different channels (or
// two different shard URLs within a channel) is two distinct nodes.
type NodeID struct {
	Package  string
	Channel  string
	ShardURL string
}

// Node is one entry in the traversal's visited/pending set.
type Node struct {
	Distance int
	Package  string
	Channel  string
	ShardURL string
	Visited  bool
}

func (n Node) toID() NodeID {
	return NodeID{Package: n.Package, Channel: n.Channel, ShardURL: n.ShardURL}
}

// RepodataSubset accumulates the node set reachable from a root set across a
// fixed collection of Shards instances. Not safe for concurrent use by
// multiple goroutines calling Reachable at once; each call mutates the
// shared node map.
type RepodataSubset struct {
	shardsList  []*shards.Shards
	shardsByURL map[string]*shards.Shards

	nodes map[NodeID]Node
}

// New constructs a RepodataSubset over the given Shards instances, indexed
// by their URL (the key used as NodeID.Channel in this package — matching
// shard_traversal.cpp's use of shards_ptr->url() as the map key, not the
// channel name, since two channels could otherwise collide).
func New(shardsList []*shards.Shards) *RepodataSubset {
	byURL := make(map[string]*shards.Shards, len(shardsList))
	for _, s := range shardsList {
		byURL[s.URL()] = s
	}

	return &RepodataSubset{
		shardsList:  shardsList,
		shardsByURL: byURL,
		nodes:       make(map[NodeID]Node),
	}
}

// Nodes returns a snapshot of every node discovered so far.
func (r *RepodataSubset) Nodes() map[NodeID]Node {
	out := make(map[NodeID]Node, len(r.nodes))
	for id, n := range r.nodes {
		out[id] = n
	}

	return out
}

// Shards returns the Shards instances this subset traverses over.
func (r *RepodataSubset) Shards() []*shards.Shards { return r.shardsList }

// Reachable computes the node set reachable from rootPackages using the
// given strategy, seeding at distance 0 one node per (root name × Shards
// instance containing it), optionally filtered to shard URLs in
// rootShards. A nil/empty rootShards applies no filter. Safe to call
// multiple times with different roots to grow the same subset.
func (r *RepodataSubset) Reachable(
	ctx context.Context,
	rootPackages []string,
	strategy Strategy,
	rootShards map[string]struct{},
) error {
	if len(rootPackages) == 0 {
		return nil
	}

	pending := r.seedPending(rootPackages, rootShards)

	if strategy == StrategyBFS {
		return r.reachableBFS(ctx, pending)
	}

	return r.reachablePipelined(ctx, pending)
}

func (r *RepodataSubset) seedPending(rootPackages []string, rootShards map[string]struct{}) []NodeID {
	var pending []NodeID

	// Iterate Shards instances in a fixed order so seeding is deterministic
	// regardless of Go's randomized map iteration.
	urls := make([]string, 0, len(r.shardsByURL))
	for url := range r.shardsByURL {
		urls = append(urls, url)
	}

	sort.Strings(urls)

	for _, pkg := range rootPackages {
		for _, url := range urls {
			s := r.shardsByURL[url]
			if !s.Contains(pkg) {
				continue
			}

			shardURL, err := s.ShardURL(pkg)
			if err != nil {
				continue
			}

			if rootShards != nil {
				if _, ok := rootShards[shardURL]; !ok {
					continue
				}
			}

			node := Node{Distance: 0, Package: pkg, Channel: url, ShardURL: shardURL}
			id := node.toID()

			if _, ok := r.nodes[id]; ok {
				continue
			}

			r.nodes[id] = node
			pending = append(pending, id)
		}
	}

	return pending
}

// reachableBFS processes pending in levels: every not-yet-present shard in
// a level is batch-fetched per owning channel before the level's neighbors
// are expanded.
func (r *RepodataSubset) reachableBFS(ctx context.Context, pending []NodeID) error {
	for len(pending) > 0 {
		batch := pending
		pending = nil

		if err := r.fetchMissingShardsForBatch(ctx, batch); err != nil {
			return err
		}

		for _, id := range batch {
			node := r.nodes[id]
			node.Visited = true
			r.nodes[id] = node

			for _, neighbor := range r.neighbors(ctx, id) {
				if _, ok := r.nodes[neighbor]; ok {
					continue
				}

				r.nodes[neighbor] = Node{
					Distance: node.Distance + 1,
					Package:  neighbor.Package,
					Channel:  neighbor.Channel,
					ShardURL: neighbor.ShardURL,
				}
				pending = append(pending, neighbor)
			}
		}
	}

	return nil
}

// fetchMissingShardsForBatch groups batch by owning channel and issues one
// fetch_shards call per channel, matching shard_traversal.cpp's
// fetch_missing_shards_for_batch.
func (r *RepodataSubset) fetchMissingShardsForBatch(ctx context.Context, batch []NodeID) error {
	toFetch := make(map[string]map[string]struct{})

	for _, id := range batch {
		s, ok := r.shardsByURL[id.Channel]
		if !ok {
			continue
		}

		if s.IsShardPresent(id.Package) {
			continue
		}

		if toFetch[id.Channel] == nil {
			toFetch[id.Channel] = make(map[string]struct{})
		}

		toFetch[id.Channel][id.Package] = struct{}{}
	}

	channels := make([]string, 0, len(toFetch))
	for channel := range toFetch {
		channels = append(channels, channel)
	}

	sort.Strings(channels)

	for _, channel := range channels {
		s, ok := r.shardsByURL[channel]
		if !ok {
			continue
		}

		names := make([]string, 0, len(toFetch[channel]))
		for name := range toFetch[channel] {
			names = append(names, name)
		}

		sort.Strings(names)

		if _, err := s.FetchShards(ctx, names); err != nil {
			return err
		}
	}

	return nil
}

// reachablePipelined processes pending nodes one at a time (as a stack),
// fetching each node's shard on demand. Matches shard_traversal.cpp's
// drain_pending/visit_node.
func (r *RepodataSubset) reachablePipelined(ctx context.Context, pending []NodeID) error {
	for len(pending) > 0 {
		id := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		if r.nodes[id].Visited {
			continue
		}

		neighbors, err := r.visitNode(ctx, id)
		if err != nil {
			return err
		}

		node := r.nodes[id]

		for _, neighbor := range neighbors {
			if _, ok := r.nodes[neighbor]; ok {
				continue
			}

			r.nodes[neighbor] = Node{
				Distance: node.Distance + 1,
				Package:  neighbor.Package,
				Channel:  neighbor.Channel,
				ShardURL: neighbor.ShardURL,
			}
			pending = append(pending, neighbor)
		}
	}

	return nil
}

// visitNode fetches id's shard if not already present, marks it visited,
// and returns its neighbors. A fetch or decode failure is logged and
// treated as a dead end (no neighbors), not a fatal error, matching the
// original's "silently skipping on failure and logging" contract.
func (r *RepodataSubset) visitNode(ctx context.Context, id NodeID) ([]NodeID, error) {
	s, ok := r.shardsByURL[id.Channel]
	if !ok {
		node := r.nodes[id]
		node.Visited = true
		r.nodes[id] = node

		return nil, nil
	}

	if !s.IsShardPresent(id.Package) {
		if _, err := s.FetchShards(ctx, []string{id.Package}); err != nil {
			return nil, err
		}
	}

	node := r.nodes[id]
	node.Visited = true
	r.nodes[id] = node

	if !s.IsShardPresent(id.Package) {
		zerolog.Ctx(ctx).Warn().Str("package", id.Package).Str("channel", id.Channel).
			Msg("traversal: shard failed to fetch, treating as a dead end")

		return nil, nil
	}

	shard, err := s.VisitPackage(id.Package)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Str("package", id.Package).Err(err).Msg("traversal: could not load visited shard")

		return nil, nil
	}

	return r.expandNeighbors(shard), nil
}

// neighbors mirrors visitNode's expansion step but requires the shard to
// already be present (used by the BFS strategy, which fetches a whole
// level's worth of shards up front via fetchMissingShardsForBatch).
func (r *RepodataSubset) neighbors(ctx context.Context, id NodeID) []NodeID {
	s, ok := r.shardsByURL[id.Channel]
	if !ok || !s.IsShardPresent(id.Package) {
		return nil
	}

	shard, err := s.VisitPackage(id.Package)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Str("package", id.Package).Err(err).Msg("traversal: could not load visited shard")

		return nil
	}

	return r.expandNeighbors(shard)
}

// expandNeighbors extracts the package names mentioned by shard's records
// and, for each Shards instance that contains a mentioned name, produces
// one neighbor NodeID. The caller assigns distance = parent.Distance + 1.
func (r *RepodataSubset) expandNeighbors(shard types.ShardDict) []NodeID {
	mentioned := mentionedPackages(shard)

	urls := make([]string, 0, len(r.shardsByURL))
	for url := range r.shardsByURL {
		urls = append(urls, url)
	}

	sort.Strings(urls)

	var result []NodeID

	for _, dep := range mentioned {
		for _, url := range urls {
			s := r.shardsByURL[url]
			if !s.Contains(dep) {
				continue
			}

			shardURL, err := s.ShardURL(dep)
			if err != nil {
				continue
			}

			result = append(result, NodeID{Package: dep, Channel: url, ShardURL: shardURL})
		}
	}

	return result
}

// mentionedPackages returns the deduped, sorted set of package names
// mentioned by the union of depends and constrains across every record
// (both .tar.bz2 and .conda) in shard. Grounded on
// shard_traversal.cpp's extract_dependencies_impl/add_names_from_record.
func mentionedPackages(shard types.ShardDict) []string {
	names := make(map[string]struct{})

	addRecords := func(records map[string]types.ShardPackageRecord) {
		for _, record := range records {
			addNamesFromSpecs(record.Depends, names)
			addNamesFromSpecs(record.Constrains, names)
		}
	}

	addRecords(shard.Packages)
	addRecords(shard.CondaPackages)

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

func addNamesFromSpecs(specs []string, names map[string]struct{}) {
	for _, spec := range specs {
		name := types.ExtractName(spec)
		if name == "" {
			continue
		}

		names[name] = struct{}{}
	}
}
