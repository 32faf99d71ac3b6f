package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/mamba-org/reposhard/pkg/reposhard/cachestore"
	"github.com/mamba-org/reposhard/pkg/reposhard/config"
	"github.com/mamba-org/reposhard/pkg/reposhard/fetch"
	"github.com/mamba-org/reposhard/pkg/reposhard/lock/local"
	"github.com/mamba-org/reposhard/pkg/reposhard/mirror"
	"github.com/mamba-org/reposhard/pkg/reposhard/shardindex"
	"github.com/mamba-org/reposhard/pkg/reposhard/shards"
	"github.com/mamba-org/reposhard/pkg/reposhard/subdir"
	"github.com/mamba-org/reposhard/pkg/reposhard/traversal"
)

// resolveResult is the JSON shape printed to stdout: one entry per
// channel's contribution to the reachable set, plus the deduped package
// names across all channels.
type resolveResult struct {
	Channels      []channelResult `json:"channels"`
	TotalPackages []string        `json:"total_packages"`
}

type channelResult struct {
	Channel  string   `json:"channel"`
	Platform string   `json:"platform"`
	Packages []string `json:"packages"`
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:   "resolve",
		Usage:  "resolve root packages to their reachable dependency set across one or more channels",
		Action: resolveAction(),
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "channel",
				Usage:    "base URL of a conda channel, e.g. https://conda.anaconda.org/conda-forge",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "platform",
				Usage: "target subdir/platform",
				Value: "linux-64",
			},
			&cli.StringSliceFlag{
				Name:     "package",
				Usage:    "root package name to resolve",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "cache-dir",
				Usage: "local directory used to cache downloaded indexes and shards",
				Value: filepath.Join(os.TempDir(), "reposhard-cache"),
			},
			&cli.StringFlag{
				Name:  "strategy",
				Usage: "traversal strategy: pipelined or bfs",
				Value: string(traversal.StrategyPipelined),
				Validator: func(s string) error {
					if s != string(traversal.StrategyPipelined) && s != string(traversal.StrategyBFS) {
						return fmt.Errorf("strategy must be %q or %q", traversal.StrategyPipelined, traversal.StrategyBFS)
					}

					return nil
				},
			},
			&cli.DurationFlag{
				Name:  "repodata-ttl",
				Usage: "how long a cached repodata.json / shard index is considered fresh",
				Value: time.Hour,
			},
		},
	}
}

func resolveAction() cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "resolve").Logger()
		ctx = logger.WithContext(ctx)

		store, err := cachestore.New(c.String("cache-dir"), local.NewLocker())
		if err != nil {
			return fmt.Errorf("opening cache store at %q: %w", c.String("cache-dir"), err)
		}

		remote := config.DefaultRemoteFetchParams()

		engine, err := fetch.NewEngine(remote)
		if err != nil {
			return fmt.Errorf("creating fetch engine: %w", err)
		}

		mirrors := mirror.New(nil)
		platform := c.String("platform")
		ttl := c.Duration("repodata-ttl")

		channels := c.StringSlice("channel")
		loaders := make([]*subdir.Loader, 0, len(channels))
		subdirURLs := make([]string, 0, len(channels))

		for _, channel := range channels {
			subdirURL := strings.TrimSuffix(channel, "/") + "/" + platform + "/repodata.json"

			loader, err := subdir.NewLoader(ctx, store, channel, platform, subdirURL, config.SubdirParams{LocalRepodataTTL: &ttl})
			if err != nil {
				return fmt.Errorf("initializing loader for %q: %w", channel, err)
			}

			loaders = append(loaders, loader)
			subdirURLs = append(subdirURLs, subdirURL)
		}

		if err := subdir.DownloadRequiredIndexes(ctx, loaders, engine, mirrors, remote, nil, config.DefaultSubdirDownloadParams()); err != nil {
			return fmt.Errorf("downloading required subdir indexes: %w", err)
		}

		var instances []*shards.Shards

		for i, loader := range loaders {
			channel := channels[i]
			subdirURL := subdirURLs[i]

			if loader.State() != subdir.StateValid {
				logger.Warn().Str("channel", channel).Str("state", loader.State().String()).Err(loader.Err()).
					Msg("resolve: subdir index did not become valid, skipping channel")

				continue
			}

			shardsIndexURL := deriveShardsIndexURL(subdirURL)

			idx, err := shardindex.FetchAndParse(ctx, store, engine, mirrors, remote, nil, channel, subdirURL, shardsIndexURL, ttl)
			if err != nil {
				return fmt.Errorf("fetching shard index for %q: %w", channel, err)
			}

			if idx == nil {
				logger.Warn().Str("channel", channel).Msg("resolve: channel has no shard index, skipping")

				continue
			}

			instances = append(instances, shards.New(idx, shardsIndexURL, channel, store, engine, mirrors, remote, nil, 0))
		}

		if len(instances) == 0 {
			return fmt.Errorf("no channel produced a usable shard index")
		}

		subset := traversal.New(instances)

		strategy := traversal.Strategy(c.String("strategy"))
		if err := subset.Reachable(ctx, c.StringSlice("package"), strategy, nil); err != nil {
			return fmt.Errorf("traversing reachable packages: %w", err)
		}

		result := buildResult(instances, subset, platform)

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")

		return encoder.Encode(result)
	}
}

// deriveShardsIndexURL derives a subdir's shard index URL from its
// repodata.json URL, mirroring Loader's (unexported) shardsURL derivation.
func deriveShardsIndexURL(subdirURL string) string {
	idx := strings.LastIndex(subdirURL, "/")
	if idx < 0 {
		return subdirURL
	}

	return subdirURL[:idx+1] + "repodata_shards.msgpack.zst"
}

func buildResult(instances []*shards.Shards, subset *traversal.RepodataSubset, platform string) resolveResult {
	byChannel := make(map[string]map[string]struct{}, len(instances))

	channelOrder := make([]string, 0, len(instances))
	for _, s := range instances {
		byChannel[s.URL()] = make(map[string]struct{})
		channelOrder = append(channelOrder, s.URL())
	}

	total := make(map[string]struct{})

	for id := range subset.Nodes() {
		if m, ok := byChannel[id.Channel]; ok {
			m[id.Package] = struct{}{}
		}

		total[id.Package] = struct{}{}
	}

	result := resolveResult{TotalPackages: sortedKeys(total)}

	byURL := make(map[string]*shards.Shards, len(instances))
	for _, s := range instances {
		byURL[s.URL()] = s
	}

	for _, url := range channelOrder {
		s := byURL[url]
		result.Channels = append(result.Channels, channelResult{
			Channel:  s.Channel(),
			Platform: platform,
			Packages: sortedKeys(byChannel[url]),
		})
	}

	return result
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
