package source

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Searcher fans a query out to every available release source, merges the
// results, and caches them for later info/download lookup.
type Searcher struct {
	logger   *slog.Logger
	registry *Registry
	cache    *ReleaseCache
}

func NewSearcher(logger *slog.Logger, registry *Registry, cache *ReleaseCache) *Searcher {
	return &Searcher{logger: logger, registry: registry, cache: cache}
}

// Search queries all available sources concurrently. A failing source is
// logged and skipped; the merged result is sorted and cached.
func (s *Searcher) Search(ctx context.Context, meta BookMeta, languages []string) []Release {
	sources := s.registry.Sources()

	results := make([][]Release, 0, len(sources))
	var g errgroup.Group
	resultCh := make(chan []Release, len(sources))

	for name, src := range sources {
		if !src.IsAvailable() {
			continue
		}
		name, src := name, src
		g.Go(func() error {
			releases, err := src.Search(ctx, meta, false, languages)
			if err != nil {
				s.logger.Warn("source search failed", "source", name, "error", err)
				return nil
			}
			resultCh <- releases
			return nil
		})
	}
	_ = g.Wait()
	close(resultCh)
	for r := range resultCh {
		results = append(results, r)
	}

	var merged []Release
	for _, r := range results {
		merged = append(merged, filterReleases(r, meta)...)
	}
	sortReleases(merged, meta.Sort)
	s.cache.Put(merged)
	return merged
}

// filterReleases applies format and language filters the source may not have
// honored upstream.
func filterReleases(releases []Release, meta BookMeta) []Release {
	if len(meta.Formats) == 0 && len(meta.Language) == 0 {
		return releases
	}
	out := releases[:0:0]
	for _, r := range releases {
		if len(meta.Formats) > 0 && r.Format != "" && !containsFold(meta.Formats, r.Format) {
			continue
		}
		if len(meta.Language) > 0 && r.Language != "" && !containsFold(meta.Language, r.Language) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func sortReleases(releases []Release, key string) {
	switch key {
	case "size", "size_desc":
		sort.SliceStable(releases, func(i, j int) bool { return releases[i].SizeBytes > releases[j].SizeBytes })
	case "size_asc":
		sort.SliceStable(releases, func(i, j int) bool { return releases[i].SizeBytes < releases[j].SizeBytes })
	default:
		sort.SliceStable(releases, func(i, j int) bool {
			return strings.ToLower(releases[i].Title) < strings.ToLower(releases[j].Title)
		})
	}
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimPrefix(item, "."), strings.TrimPrefix(v, ".")) {
			return true
		}
	}
	return false
}
