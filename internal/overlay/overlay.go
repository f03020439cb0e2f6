// Package overlay intersects qualifying nesting patches with sufficient
// foraging and scores each suitable cell.
package overlay

import (
	"go.uber.org/zap"

	"github.com/sells-group/goshawk-habitat/internal/focal"
	"github.com/sells-group/goshawk-habitat/internal/grid"
	"github.com/sells-group/goshawk-habitat/internal/patch"
)

// Boolean grid values shared by the overlay inputs and output.
const (
	False  uint8 = 0
	True   uint8 = 1
	Nodata uint8 = 255
)

// RankNodata marks cells outside the suitable area on the rank grid.
const RankNodata = -1.0

// Options holds the rank blend weights. They are normalised by their sum.
type Options struct {
	AreaWeight   float64 `json:"area_weight"`
	ForageWeight float64 `json:"forage_weight"`
}

// Combiner produces the final suitability and rank grids.
type Combiner struct {
	wArea, wForage float64
}

// New validates the blend weights.
func New(opts Options) (*Combiner, error) {
	if opts.AreaWeight < 0 || opts.ForageWeight < 0 {
		return nil, grid.NewConfigurationError("rank", "weights must not be negative (area=%g forage=%g)", opts.AreaWeight, opts.ForageWeight)
	}
	sum := opts.AreaWeight + opts.ForageWeight
	if !(sum > 0) {
		return nil, grid.NewConfigurationError("rank", "weights must not both be zero")
	}
	return &Combiner{wArea: opts.AreaWeight / sum, wForage: opts.ForageWeight / sum}, nil
}

// Result is the overlay output.
type Result struct {
	Suitable *grid.Grid[uint8]
	Rank     *grid.Grid[float64]
	Summary  Summary
}

// And returns the cell-wise conjunction of two boolean grids. A definite
// False on either side gives False; otherwise nodata on either side gives
// nodata.
func And(a, b *grid.Grid[uint8]) (*grid.Grid[uint8], error) {
	if err := a.Geometry().Check(b.Geometry()); err != nil {
		return nil, err
	}
	out := grid.Like(a, Nodata)
	ac, bc, oc := a.Cells(), b.Cells(), out.Cells()
	for i := range oc {
		an, bn := a.IsNodata(i), b.IsNodata(i)
		switch {
		case (!an && ac[i] != True) || (!bn && bc[i] != True):
			oc[i] = False
		case an || bn:
			oc[i] = Nodata
		default:
			oc[i] = True
		}
	}
	return out, nil
}

// Combine ANDs the qualifying-patch grid with the sufficient-foraging grid
// and ranks each suitable cell by a weighted blend of its patch area
// (relative to the largest qualifying patch) and its focal proportion.
func (c *Combiner) Combine(patches *patch.Result, forage *focal.Result) (*Result, error) {
	geom := patches.Qualifying.Geometry()
	for _, other := range []grid.Geometry{
		patches.Labels.Geometry(),
		forage.Sufficient.Geometry(),
		forage.Proportion.Geometry(),
	} {
		if err := geom.Check(other); err != nil {
			return nil, err
		}
	}

	suitable, err := And(patches.Qualifying, forage.Sufficient)
	if err != nil {
		return nil, err
	}

	rank := grid.Like(suitable, RankNodata)
	rc := rank.Cells()
	labels := patches.Labels.Cells()
	props := forage.Proportion.Cells()
	maxArea := patches.MaxQualifyingAreaHa
	for i, s := range suitable.Cells() {
		if s != True {
			continue
		}
		p, ok := patches.Patch(labels[i])
		if !ok || maxArea <= 0 {
			continue
		}
		rc[i] = c.wArea*(p.AreaHa/maxArea) + c.wForage*props[i]
	}

	res := &Result{Suitable: suitable, Rank: rank}
	res.Summary = summarize(suitable, rank, patches, forage.Proportion)

	zap.L().Info("overlay complete",
		zap.String("component", "overlay.combine"),
		zap.Int("suitable_cells", res.Summary.SuitableCells),
		zap.Float64("suitable_ha", res.Summary.SuitableAreaHa),
		zap.Int("patches", len(res.Summary.Patches)),
	)
	return res, nil
}
