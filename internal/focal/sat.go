package focal

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// summedArea is a (rows+1) x (cols+1) summed-area table: at(r, c) is the sum
// of the indicator over rows [0, r) and cols [0, c).
type summedArea struct {
	rows, cols int
	sums       []uint32
}

// buildSummedArea accumulates ind in two passes: prefix sums along each row,
// then along each column. Both passes split their lines across workers.
func buildSummedArea(ctx context.Context, ind []uint8, rows, cols, workers int) (*summedArea, error) {
	stride := cols + 1
	s := &summedArea{rows: rows, cols: cols, sums: make([]uint32, (rows+1)*stride)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, band := range bands(rows, workers) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for r := band[0]; r < band[1]; r++ {
				out := s.sums[(r+1)*stride:]
				in := ind[r*cols : (r+1)*cols]
				var acc uint32
				for c, v := range in {
					acc += uint32(v)
					out[c+1] = acc
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, band := range bands(cols, workers) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for r := 1; r <= rows; r++ {
				prev := s.sums[(r-1)*stride:]
				cur := s.sums[r*stride:]
				for c := band[0] + 1; c <= band[1]; c++ {
					cur[c] += prev[c]
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

// rect returns the indicator sum over rows [r0, r1) and cols [c0, c1).
func (s *summedArea) rect(r0, r1, c0, c1 int) uint32 {
	stride := s.cols + 1
	return s.sums[r1*stride+c1] - s.sums[r0*stride+c1] - s.sums[r1*stride+c0] + s.sums[r0*stride+c0]
}

// bands splits n lines into at most k contiguous [lo, hi) bands.
func bands(n, k int) [][2]int {
	if k < 1 {
		k = 1
	}
	size := (n + k - 1) / k
	if size < 1 {
		size = 1
	}
	var out [][2]int
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}
