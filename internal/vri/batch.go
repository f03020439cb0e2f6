package vri

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// BatchOptions bounds a multi-region extraction.
type BatchOptions struct {
	// Concurrency is the number of regions queried at once (default 3).
	Concurrency int
	// QueriesPerSec paces query starts; 0 disables pacing.
	QueriesPerSec float64
}

// RegionResult is the extraction of one region.
type RegionResult struct {
	RegionID string
	Polygons []Polygon
}

// ExtractRegions runs src for every region id, reusing base for the other
// parameters. Results come back in regionIDs order. The first failure
// cancels the remaining queries.
func ExtractRegions(ctx context.Context, src Source, base Params, regionIDs []string, opts BatchOptions) ([]RegionResult, error) {
	if len(regionIDs) == 0 {
		return nil, eris.New("vri: no regions to extract")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	var limiter *rate.Limiter
	if opts.QueriesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.QueriesPerSec), 1)
	}

	log := zap.L().With(zap.String("component", "vri.batch"))
	log.Info("vri: extracting regions", zap.Int("regions", len(regionIDs)), zap.Int("concurrency", opts.Concurrency))

	results := make([]RegionResult, len(regionIDs))
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, id := range regionIDs {
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return eris.Wrapf(err, "vri: wait for region %s", id)
				}
			}
			p := base
			p.RegionID = id
			polys, err := src.Polygons(gctx, p)
			if err != nil {
				return err
			}
			results[i] = RegionResult{RegionID: id, Polygons: polys}

			mu.Lock()
			done++
			log.Debug("vri: region done", zap.String("region", id), zap.Int("done", done), zap.Int("total", len(regionIDs)))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Merge concatenates the polygons of every region, dropping repeats of a
// feature id that straddles two regions.
func Merge(results []RegionResult) []Polygon {
	seen := map[int64]bool{}
	var out []Polygon
	for _, r := range results {
		for _, p := range r.Polygons {
			if seen[p.FeatureID] {
				continue
			}
			seen[p.FeatureID] = true
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out
}
