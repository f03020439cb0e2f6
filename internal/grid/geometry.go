// Package grid provides the aligned raster container shared by every stage of
// the habitat analysis: a fixed geometry, a nodata sentinel and a flat
// row-major cell slice.
package grid

import (
	"fmt"
	"math"
)

// DefaultCellSize is the ground resolution of the analysis grids in metres.
const DefaultCellSize = 30.0

// alignTolerance absorbs floating point noise when testing that two origins
// differ by a whole number of cells.
const alignTolerance = 1e-6

// Extent is a projected bounding box in CRS units (metres).
type Extent struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// Geometry describes the shape and placement of a grid. The origin is the
// top-left corner of cell (0, 0); rows increase southwards.
type Geometry struct {
	Rows     int     `json:"rows"`
	Cols     int     `json:"cols"`
	CellSize float64 `json:"cell_size"`
	OriginX  float64 `json:"origin_x"`
	OriginY  float64 `json:"origin_y"`
	CRS      string  `json:"crs"`
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d@%gm origin=(%g,%g) crs=%s", g.Rows, g.Cols, g.CellSize, g.OriginX, g.OriginY, g.CRS)
}

// Validate checks that the geometry describes a non-empty grid.
func (g Geometry) Validate() error {
	if g.Rows <= 0 || g.Cols <= 0 {
		return NewConfigurationError("geometry", "invalid dimensions rows=%d cols=%d", g.Rows, g.Cols)
	}
	if !(g.CellSize > 0) || math.IsInf(g.CellSize, 0) {
		return NewConfigurationError("geometry", "cell size must be positive, got %g", g.CellSize)
	}
	return nil
}

// Cells returns the number of cells in the grid.
func (g Geometry) Cells() int { return g.Rows * g.Cols }

// CellArea returns the ground area of one cell in square metres.
func (g Geometry) CellArea() float64 { return g.CellSize * g.CellSize }

// CellAreaHa returns the ground area of one cell in hectares.
func (g Geometry) CellAreaHa() float64 { return g.CellArea() / 10000 }

// Extent returns the bounding box covered by the grid.
func (g Geometry) Extent() Extent {
	return Extent{
		XMin: g.OriginX,
		YMin: g.OriginY - float64(g.Rows)*g.CellSize,
		XMax: g.OriginX + float64(g.Cols)*g.CellSize,
		YMax: g.OriginY,
	}
}

// InBounds reports whether (row, col) addresses a cell of the grid.
func (g Geometry) InBounds(row, col int) bool {
	return row >= 0 && row < g.Rows && col >= 0 && col < g.Cols
}

// Index returns the row-major offset of (row, col).
func (g Geometry) Index(row, col int) (int, error) {
	if !g.InBounds(row, col) {
		return 0, &BoundsError{Row: row, Col: col, Rows: g.Rows, Cols: g.Cols}
	}
	return row*g.Cols + col, nil
}

// CellToWorld returns the world coordinate of the centre of (row, col).
func (g Geometry) CellToWorld(row, col int) (x, y float64, err error) {
	if !g.InBounds(row, col) {
		return 0, 0, &BoundsError{Row: row, Col: col, Rows: g.Rows, Cols: g.Cols}
	}
	x = g.OriginX + (float64(col)+0.5)*g.CellSize
	y = g.OriginY - (float64(row)+0.5)*g.CellSize
	return x, y, nil
}

// WorldToCell returns the cell containing the world coordinate (x, y).
// Points on the east or south edge of the extent are outside the grid.
func (g Geometry) WorldToCell(x, y float64) (row, col int, err error) {
	col = int(math.Floor((x - g.OriginX) / g.CellSize))
	row = int(math.Floor((g.OriginY - y) / g.CellSize))
	if !g.InBounds(row, col) {
		return row, col, &BoundsError{Row: row, Col: col, Rows: g.Rows, Cols: g.Cols}
	}
	return row, col, nil
}

// Aligned reports whether other shares this geometry's cell size and CRS and
// its origin sits a whole number of cells away, so the two grids can be
// mosaicked without resampling.
func (g Geometry) Aligned(other Geometry) bool {
	if g.CRS != other.CRS || math.Abs(g.CellSize-other.CellSize) > alignTolerance {
		return false
	}
	return wholeCells(g.OriginX-other.OriginX, g.CellSize) && wholeCells(g.OriginY-other.OriginY, g.CellSize)
}

// Equal reports whether two geometries describe the same cells.
func (g Geometry) Equal(other Geometry) bool {
	return g.Rows == other.Rows && g.Cols == other.Cols &&
		g.CRS == other.CRS &&
		math.Abs(g.CellSize-other.CellSize) <= alignTolerance &&
		math.Abs(g.OriginX-other.OriginX) <= alignTolerance &&
		math.Abs(g.OriginY-other.OriginY) <= alignTolerance
}

// Check returns a GeometryMismatchError when other cannot be combined
// cell-for-cell with g.
func (g Geometry) Check(other Geometry) error {
	var reason string
	switch {
	case g.CRS != other.CRS:
		reason = "crs differs"
	case math.Abs(g.CellSize-other.CellSize) > alignTolerance:
		reason = "cell size differs"
	case g.Rows != other.Rows || g.Cols != other.Cols:
		reason = "dimensions differ"
	case !g.Equal(other):
		reason = "origin differs"
	default:
		return nil
	}
	return &GeometryMismatchError{Want: g, Got: other, Reason: reason}
}

func wholeCells(delta, cellSize float64) bool {
	n := delta / cellSize
	return math.Abs(n-math.Round(n)) <= alignTolerance
}

// SnapExtent grows e outwards to the nearest multiples of cellSize and pads it
// by padCells on every side, so grids built for different areas share one
// lattice.
func SnapExtent(e Extent, cellSize float64, padCells int) Extent {
	snapped := Extent{
		XMin: math.Floor(e.XMin/cellSize) * cellSize,
		YMin: math.Floor(e.YMin/cellSize) * cellSize,
		XMax: math.Ceil(e.XMax/cellSize) * cellSize,
		YMax: math.Ceil(e.YMax/cellSize) * cellSize,
	}
	if padCells > 0 {
		pad := float64(padCells) * cellSize
		snapped.XMin -= pad
		snapped.YMin -= pad
		snapped.XMax += pad
		snapped.YMax += pad
	}
	return snapped
}

// GeometryFor snaps e to the lattice of cellSize and returns the geometry
// covering it.
func GeometryFor(e Extent, cellSize float64, crs string, padCells int) (Geometry, error) {
	if !(cellSize > 0) {
		return Geometry{}, NewConfigurationError("cell_size", "must be positive, got %g", cellSize)
	}
	s := SnapExtent(e, cellSize, padCells)
	g := Geometry{
		Rows:     int(math.Round((s.YMax - s.YMin) / cellSize)),
		Cols:     int(math.Round((s.XMax - s.XMin) / cellSize)),
		CellSize: cellSize,
		OriginX:  s.XMin,
		OriginY:  s.YMax,
		CRS:      crs,
	}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}
