package grid

import "math"

// Mosaic merges aligned grids into one grid covering the union of their
// extents. Where inputs overlap, the first non-nodata value in argument order
// wins. The result takes its nodata value from the first grid.
func Mosaic[T Number](grids ...*Grid[T]) (*Grid[T], error) {
	if len(grids) == 0 {
		return nil, NewConfigurationError("mosaic", "no input grids")
	}
	base := grids[0].geom
	union := base.Extent()
	for _, g := range grids[1:] {
		if !base.Aligned(g.geom) {
			return nil, &GeometryMismatchError{Want: base, Got: g.geom, Reason: "grids are not on a common lattice"}
		}
		e := g.geom.Extent()
		union.XMin = math.Min(union.XMin, e.XMin)
		union.YMin = math.Min(union.YMin, e.YMin)
		union.XMax = math.Max(union.XMax, e.XMax)
		union.YMax = math.Max(union.YMax, e.YMax)
	}

	geom := Geometry{
		Rows:     int(math.Round((union.YMax - union.YMin) / base.CellSize)),
		Cols:     int(math.Round((union.XMax - union.XMin) / base.CellSize)),
		CellSize: base.CellSize,
		OriginX:  union.XMin,
		OriginY:  union.YMax,
		CRS:      base.CRS,
	}
	out, err := New(geom, grids[0].nodata)
	if err != nil {
		return nil, err
	}

	for _, g := range grids {
		rowOff := int(math.Round((geom.OriginY - g.geom.OriginY) / geom.CellSize))
		colOff := int(math.Round((g.geom.OriginX - geom.OriginX) / geom.CellSize))
		for r := 0; r < g.geom.Rows; r++ {
			src := g.data[r*g.geom.Cols : (r+1)*g.geom.Cols]
			dst := out.data[(r+rowOff)*geom.Cols+colOff:]
			for c, v := range src {
				if g.isNodata(v) || !out.isNodata(dst[c]) {
					continue
				}
				dst[c] = v
			}
		}
	}
	return out, nil
}
