// Package focal computes, for every cell, the share of high-quality forage
// inside a large circular window and thresholds it into a sufficiency grid.
//
// The window is split into one horizontal span per window row. The first
// cell of each output row is summed from summed-area lookups; the window then
// slides east, adding the cell entering and removing the cell leaving each
// span. A cell costs two updates per window row, O(radius) rather than the
// O(radius²) of a direct sum.
package focal

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/goshawk-habitat/internal/classify"
	"github.com/sells-group/goshawk-habitat/internal/grid"
)

// Defaults for the goshawk foraging area: a 2.764 km radius (about 2,400 ha)
// that must be at least 55% high-quality forage.
const (
	DefaultRadiusKm  = 2.764
	DefaultThreshold = 0.55
)

// ProportionNodata marks cells whose window holds no valid cell.
const ProportionNodata = -1.0

// Sufficiency grid values.
const (
	Insufficient uint8 = 0
	Sufficient   uint8 = 1
	Nodata       uint8 = 255
)

// Options configures a Filter.
type Options struct {
	// RadiusKm is the ground radius of the window.
	RadiusKm float64 `json:"radius_km"`
	// RadiusCells, when > 0, overrides RadiusKm.
	RadiusCells float64 `json:"radius_cells,omitempty"`
	// Threshold is the minimum proportion counted as sufficient.
	Threshold float64 `json:"threshold"`
	// Strict requires proportion > Threshold instead of >=.
	Strict bool `json:"strict,omitempty"`
	// Class is the foraging value counted in the numerator.
	Class uint8 `json:"class,omitempty"`
	// Workers bounds concurrent row bands; 0 means one per CPU.
	Workers int `json:"-"`
	// Progress, when set, is called after each row band. It may be called
	// from several goroutines at once.
	Progress func(done, total int) `json:"-"`
}

// Result holds the continuous and thresholded focal grids.
type Result struct {
	Proportion *grid.Grid[float64]
	Sufficient *grid.Grid[uint8]
	Window     Window
}

// Filter runs the moving-window proportion over foraging grids.
type Filter struct {
	opts Options
}

// New validates opts and returns a Filter.
func New(opts Options) (*Filter, error) {
	if opts.RadiusCells < 0 {
		return nil, grid.NewConfigurationError("focal.radius_cells", "must not be negative, got %g", opts.RadiusCells)
	}
	if opts.RadiusCells == 0 && !(opts.RadiusKm > 0) {
		return nil, grid.NewConfigurationError("focal.radius_km", "must be positive, got %g", opts.RadiusKm)
	}
	if !(opts.Threshold >= 0 && opts.Threshold <= 1) {
		return nil, grid.NewConfigurationError("focal.threshold", "must be within [0, 1], got %g", opts.Threshold)
	}
	if opts.Class == 0 {
		opts.Class = classify.HighQualityForage
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Filter{opts: opts}, nil
}

// radiusCells converts the configured radius to cells of size cellSize.
func (f *Filter) radiusCells(cellSize float64) float64 {
	if f.opts.RadiusCells > 0 {
		return f.opts.RadiusCells
	}
	return f.opts.RadiusKm * 1000 / cellSize
}

// Run computes the proportion grid for foraging and its thresholded form.
//
// The window is walked along each row: the first cell's window is summed from
// the summed-area tables one span at a time, and every further step adds the
// cell entering each span on the right and drops the one leaving on the
// left. Only in-extent, non-nodata cells enter the denominator, so windows
// clipped by the grid edge or by nodata are not diluted.
func (f *Filter) Run(ctx context.Context, foraging *grid.Grid[uint8]) (*Result, error) {
	geom := foraging.Geometry()
	log := zap.L().With(zap.String("component", "focal.run"))

	win, err := NewWindow(f.radiusCells(geom.CellSize))
	if err != nil {
		return nil, err
	}

	rows, cols := geom.Rows, geom.Cols
	hit := make([]uint8, rows*cols)
	valid := make([]uint8, rows*cols)
	for i, v := range foraging.Cells() {
		if foraging.IsNodata(i) {
			continue
		}
		valid[i] = 1
		if v == f.opts.Class {
			hit[i] = 1
		}
	}

	hitSAT, err := buildSummedArea(ctx, hit, rows, cols, f.opts.Workers)
	if err != nil {
		return nil, eris.Wrap(err, "focal: summed-area table")
	}
	validSAT, err := buildSummedArea(ctx, valid, rows, cols, f.opts.Workers)
	if err != nil {
		return nil, eris.Wrap(err, "focal: summed-area table")
	}

	prop := grid.Like(foraging, ProportionNodata)
	out := prop.Cells()

	rowBands := bands(rows, f.opts.Workers*4)
	var finished atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Workers)
	for _, band := range rowBands {
		g.Go(func() error {
			for r := band[0]; r < band[1]; r++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				slideRow(r, cols, rows, win, hit, valid, hitSAT, validSAT, out[r*cols:(r+1)*cols])
			}
			n := finished.Add(1)
			if f.opts.Progress != nil {
				f.opts.Progress(int(n), len(rowBands))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "focal: moving window")
	}

	suff := Threshold(prop, f.opts.Threshold, f.opts.Strict)
	log.Info("focal filter complete",
		zap.Float64("radius_cells", win.Radius),
		zap.Int("window_cells", win.Size()),
		zap.Float64("window_ha", win.AreaHa(geom.CellSize)),
		zap.Int("defined", prop.Count()),
	)
	return &Result{Proportion: prop, Sufficient: suff, Window: win}, nil
}

// slideRow fills out with the window proportions of row r.
func slideRow(r, cols, rows int, win Window, hit, valid []uint8, hitSAT, validSAT *summedArea, out []float64) {
	lo := max(-win.Reach, -r)
	hi := min(win.Reach, rows-1-r)

	var h, v int64
	for dy := lo; dy <= hi; dy++ {
		hw := win.HalfWidths[dy+win.Reach]
		rr := r + dy
		c1 := min(hw, cols-1) + 1
		h += int64(hitSAT.rect(rr, rr+1, 0, c1))
		v += int64(validSAT.rect(rr, rr+1, 0, c1))
	}
	out[0] = proportion(h, v)

	for c := 1; c < cols; c++ {
		for dy := lo; dy <= hi; dy++ {
			hw := win.HalfWidths[dy+win.Reach]
			base := (r + dy) * cols
			if enter := c + hw; enter < cols {
				h += int64(hit[base+enter])
				v += int64(valid[base+enter])
			}
			if leave := c - hw - 1; leave >= 0 {
				h -= int64(hit[base+leave])
				v -= int64(valid[base+leave])
			}
		}
		out[c] = proportion(h, v)
	}
}

func proportion(hit, valid int64) float64 {
	if valid == 0 {
		return ProportionNodata
	}
	return float64(hit) / float64(valid)
}

// Threshold marks cells whose proportion meets threshold. Cells with an
// undefined proportion stay nodata.
func Threshold(prop *grid.Grid[float64], threshold float64, strict bool) *grid.Grid[uint8] {
	out := grid.Like(prop, Nodata)
	oc := out.Cells()
	for i, p := range prop.Cells() {
		if prop.IsNodata(i) {
			continue
		}
		ok := p >= threshold
		if strict {
			ok = p > threshold
		}
		if ok {
			oc[i] = Sufficient
		} else {
			oc[i] = Insufficient
		}
	}
	return out
}
