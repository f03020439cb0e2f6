package focal

import (
	"math"

	"github.com/sells-group/goshawk-habitat/internal/grid"
)

// Window is a circular neighbourhood decomposed into one horizontal span per
// row offset. A cell at offset (dy, dx) belongs to the window when
// dx*dx + dy*dy <= radius*radius, measured between cell centres.
type Window struct {
	// Radius in cells.
	Radius float64
	// Reach is the largest row offset, floor(Radius).
	Reach int
	// HalfWidths[dy+Reach] is the span half-width at row offset dy.
	HalfWidths []int
}

// NewWindow builds the span table for a radius given in cells.
func NewWindow(radiusCells float64) (Window, error) {
	if !(radiusCells >= 0) || math.IsInf(radiusCells, 0) {
		return Window{}, grid.NewConfigurationError("focal.radius", "must be a finite non-negative number, got %g", radiusCells)
	}
	reach := int(math.Floor(radiusCells + 1e-9))
	r2 := radiusCells * radiusCells
	hw := make([]int, 2*reach+1)
	for dy := -reach; dy <= reach; dy++ {
		rem := r2 - float64(dy*dy)
		hw[dy+reach] = int(math.Floor(math.Sqrt(math.Max(rem, 0)) + 1e-9))
	}
	return Window{Radius: radiusCells, Reach: reach, HalfWidths: hw}, nil
}

// Size returns the number of cells in the unclipped window.
func (w Window) Size() int {
	n := 0
	for _, h := range w.HalfWidths {
		n += 2*h + 1
	}
	return n
}

// AreaHa returns the ground area of the unclipped window for cellSize metres.
func (w Window) AreaHa(cellSize float64) float64 {
	return float64(w.Size()) * cellSize * cellSize / 10000
}
