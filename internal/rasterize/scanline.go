package rasterize

import (
	"math"
	"sort"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/goshawk-habitat/internal/grid"
)

// fill calls set for the index of every cell whose centre lies inside
// areal. Each row of cell centres is intersected with every ring edge of a
// polygon; the sorted crossings pair up into covered spans. A centre on a
// span's west edge is inside, one on its east edge is not.
func fill(g grid.Geometry, areal geom.T, set func(i int)) {
	polys, stride := polygonRings(areal)
	cs := g.CellSize
	var xs []float64

	for _, rs := range polys {
		ymin, ymax := math.Inf(1), math.Inf(-1)
		for _, ring := range rs {
			for k := 1; k < len(ring); k += stride {
				ymin = math.Min(ymin, ring[k])
				ymax = math.Max(ymax, ring[k])
			}
		}
		if math.IsInf(ymin, 0) {
			continue
		}
		r0 := max(0, int(math.Ceil((g.OriginY-ymax)/cs-0.5)))
		r1 := min(g.Rows-1, int(math.Floor((g.OriginY-ymin)/cs-0.5)))

		for r := r0; r <= r1; r++ {
			y := g.OriginY - (float64(r)+0.5)*cs
			xs = crossings(xs[:0], rs, stride, y)
			sort.Float64s(xs)
			for k := 0; k+1 < len(xs); k += 2 {
				c0 := max(0, int(math.Ceil((xs[k]-g.OriginX)/cs-0.5)))
				c1 := min(g.Cols-1, int(math.Ceil((xs[k+1]-g.OriginX)/cs-0.5))-1)
				for c := c0; c <= c1; c++ {
					set(r*g.Cols + c)
				}
			}
		}
	}
}

// crossings appends the x of every ring edge that crosses the horizontal
// line at y. Edges are half-open in y so a vertex on the line is counted
// once.
func crossings(xs []float64, rs [][]float64, stride int, y float64) []float64 {
	for _, ring := range rs {
		n := len(ring) / stride
		if n < 2 {
			continue
		}
		for k := 0; k < n; k++ {
			j := (k + 1) % n
			x1, y1 := ring[k*stride], ring[k*stride+1]
			x2, y2 := ring[j*stride], ring[j*stride+1]
			if (y1 > y) != (y2 > y) {
				xs = append(xs, x1+(y-y1)*(x2-x1)/(y2-y1))
			}
		}
	}
	return xs
}

// Mask burns feats onto g as a 0/1 layer: 1 where any feature covers the
// cell centre, 0 elsewhere. It is used for region masks.
func Mask(g grid.Geometry, feats []Feature) (*grid.Grid[uint8], error) {
	out, err := grid.New(g, uint8(255))
	if err != nil {
		return nil, err
	}
	cells := out.Cells()
	for i := range cells {
		cells[i] = 0
	}
	for _, f := range feats {
		if f.Geometry == nil {
			continue
		}
		areal, err := Areal(f.Geometry)
		if err != nil {
			continue
		}
		fill(g, areal, func(i int) { cells[i] = 1 })
	}
	return out, nil
}
