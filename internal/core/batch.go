package core

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/cdf/internal/logging"
)

// LoadBatch loads independent files concurrently, at most
// Options.Concurrency at a time. A failed file never stops the others.
// Requests repeating an earlier source are dropped and counted in
// Duplicates, so every remaining request has its own entry in Results.
func (s *Service) LoadBatch(ctx context.Context, reqs []LoadRequest) BatchResult {
	log := logging.FromContext(ctx)
	reqs, dups := dedupeSources(reqs)
	for _, src := range dups {
		log.Warn("duplicate source in batch; loading once", "source", src)
	}

	out := BatchResult{Results: make(map[string]LoadResult, len(reqs)), Duplicates: len(dups)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, req := range reqs {
		g.Go(func() error {
			res := s.LoadFile(ctx, req)
			mu.Lock()
			out.Results[req.Source] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range out.Results {
		switch res.Status {
		case StatusLoaded:
			out.Loaded++
		case StatusAlreadyLoaded:
			out.Skipped++
		default:
			out.Failed++
		}
	}
	log.Info("batch finished",
		"files", len(reqs), "loaded", out.Loaded, "skipped", out.Skipped,
		"failed", out.Failed, "duplicates", out.Duplicates)
	return out
}

// dedupeSources keeps the first request for each source, in order, and
// returns the sources it dropped.
func dedupeSources(reqs []LoadRequest) ([]LoadRequest, []string) {
	seen := make(map[string]bool, len(reqs))
	kept := make([]LoadRequest, 0, len(reqs))
	var dups []string
	for _, r := range reqs {
		if seen[r.Source] {
			dups = append(dups, r.Source)
			continue
		}
		seen[r.Source] = true
		kept = append(kept, r)
	}
	return kept, dups
}

// ExpandSources lists the files under each location (a file, a directory or
// an s3:// prefix) and returns one request per file, copying tmpl.
func (s *Service) ExpandSources(ctx context.Context, tmpl LoadRequest, locations []string) ([]LoadRequest, error) {
	var reqs []LoadRequest
	for _, loc := range locations {
		uris, err := s.fetcher.List(ctx, loc)
		if err != nil {
			return nil, err
		}
		for _, uri := range uris {
			r := tmpl
			r.Source = uri
			reqs = append(reqs, r)
		}
	}
	return reqs, nil
}
