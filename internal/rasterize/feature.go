// Package rasterize burns attributed polygons onto an aligned grid, one
// float layer per attribute, producing the input stack for classification.
package rasterize

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/goshawk-habitat/internal/grid"
)

// Feature is one attributed polygon in the grid's coordinate system.
type Feature struct {
	ID       int64
	Geometry geom.T
	Numeric  map[string]float64
	Text     map[string]string
}

// Extent returns the bounding box of every feature.
func Extent(feats []Feature) (grid.Extent, error) {
	ext := grid.Extent{XMin: math.Inf(1), YMin: math.Inf(1), XMax: math.Inf(-1), YMax: math.Inf(-1)}
	n := 0
	for _, f := range feats {
		if f.Geometry == nil || len(f.Geometry.FlatCoords()) == 0 {
			continue
		}
		b := f.Geometry.Bounds()
		ext.XMin = math.Min(ext.XMin, b.Min(0))
		ext.YMin = math.Min(ext.YMin, b.Min(1))
		ext.XMax = math.Max(ext.XMax, b.Max(0))
		ext.YMax = math.Max(ext.YMax, b.Max(1))
		n++
	}
	if n == 0 {
		return grid.Extent{}, &grid.DataError{Layer: "features", Reason: "no geometry to take an extent from"}
	}
	return ext, nil
}

// Areal returns g as a Polygon or MultiPolygon, or an error when it has no
// areal part. A GeometryCollection is reduced to its polygons.
func Areal(g geom.T) (geom.T, error) {
	switch t := g.(type) {
	case *geom.Polygon, *geom.MultiPolygon:
		if len(g.FlatCoords()) == 0 {
			return nil, eris.New("rasterize: empty geometry")
		}
		return g, nil
	case *geom.GeometryCollection:
		mp := geom.NewMultiPolygon(geom.XY).SetSRID(t.SRID())
		for _, part := range t.Geoms() {
			switch p := part.(type) {
			case *geom.Polygon:
				if err := mp.Push(forceXY(p)); err != nil {
					return nil, eris.Wrap(err, "rasterize: collect polygon")
				}
			case *geom.MultiPolygon:
				for i := 0; i < p.NumPolygons(); i++ {
					if err := mp.Push(forceXY(p.Polygon(i))); err != nil {
						return nil, eris.Wrap(err, "rasterize: collect polygon")
					}
				}
			}
		}
		if mp.NumPolygons() == 0 {
			return nil, eris.New("rasterize: collection has no polygons")
		}
		return mp, nil
	default:
		return nil, eris.Errorf("rasterize: unsupported geometry %T", g)
	}
}

// forceXY drops any Z or M ordinates.
func forceXY(p *geom.Polygon) *geom.Polygon {
	if p.Layout() == geom.XY {
		return p
	}
	out := geom.NewPolygon(geom.XY)
	for i := 0; i < p.NumLinearRings(); i++ {
		ring := p.LinearRing(i)
		flat := make([]float64, 0, ring.NumCoords()*2)
		for j := 0; j < ring.NumCoords(); j++ {
			c := ring.Coord(j)
			flat = append(flat, c.X(), c.Y())
		}
		_ = out.Push(geom.NewLinearRingFlat(geom.XY, flat))
	}
	return out
}

// polygonRings splits an areal geometry into polygons, each a list of flat
// coordinate rings, along with the coordinate stride.
func polygonRings(g geom.T) (out [][][]float64, stride int) {
	stride = g.Stride()
	flat := g.FlatCoords()
	split := func(start int, ends []int) ([][]float64, int) {
		var rs [][]float64
		for _, end := range ends {
			rs = append(rs, flat[start:end])
			start = end
		}
		return rs, start
	}
	switch g.(type) {
	case *geom.Polygon:
		rs, _ := split(0, g.Ends())
		out = append(out, rs)
	case *geom.MultiPolygon:
		start := 0
		for _, ends := range g.Endss() {
			var rs [][]float64
			rs, start = split(start, ends)
			if len(rs) > 0 {
				out = append(out, rs)
			}
		}
	}
	return out, stride
}
