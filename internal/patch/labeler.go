// Package patch finds 4-connected nesting patches and keeps those that meet
// the minimum area.
package patch

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

// DefaultMinAreaHa is the default minimum qualifying patch area.
const DefaultMinAreaHa = 200.0

// Label grid values outside any patch.
const (
	LabelNodata     int32 = -1
	LabelBackground int32 = 0
)

// Qualifying grid values.
const (
	NotQualifying uint8 = 0
	Qualifying    uint8 = 1
	Nodata        uint8 = 255
)

// Options configures a Labeler.
type Options struct {
	// MinAreaHa is the area a patch needs to qualify.
	MinAreaHa float64 `json:"min_area_ha"`
	// Strict requires area > MinAreaHa instead of area >= MinAreaHa.
	Strict bool `json:"strict,omitempty"`
	// TileRows splits the grid into horizontal tiles of this many rows that
	// are labeled concurrently and merged across their seams. 0 labels the
	// grid in one pass.
	TileRows int `json:"tile_rows,omitempty"`
	// Workers bounds concurrent tiles; 0 means one per CPU.
	Workers int `json:"-"`
	// Progress, when set, is called after each tile is labeled. It may be
	// called from several goroutines at once.
	Progress func(done, total int) `json:"-"`
}

// Patch is one 4-connected component of nesting cells.
type Patch struct {
	ID         int32   `json:"id"`
	Cells      int     `json:"cells"`
	AreaHa     float64 `json:"area_ha"`
	Qualifying bool    `json:"qualifying"`
	// Anchor is the first cell of the patch in row-major order.
	AnchorRow int `json:"anchor_row"`
	AnchorCol int `json:"anchor_col"`
}

// Result is the output of one labeling pass.
type Result struct {
	// Labels holds the patch id of every nesting cell, LabelBackground for
	// other valid cells and LabelNodata for nodata.
	Labels *grid.Grid[int32]
	// Qualifying marks cells of patches meeting the area threshold.
	Qualifying *grid.Grid[uint8]
	// Patches is indexed by id-1.
	Patches []Patch
	// MaxQualifyingAreaHa is the area of the largest qualifying patch, or 0.
	MaxQualifyingAreaHa float64
}

// Patch returns the patch with the given id.
func (r *Result) Patch(id int32) (Patch, bool) {
	if id < 1 || int(id) > len(r.Patches) {
		return Patch{}, false
	}
	return r.Patches[id-1], true
}

// QualifyingPatches returns the patches that met the area threshold.
func (r *Result) QualifyingPatches() []Patch {
	var out []Patch
	for _, p := range r.Patches {
		if p.Qualifying {
			out = append(out, p)
		}
	}
	return out
}

// Labeler runs connected-component labeling over nesting grids.
type Labeler struct {
	opts Options
}

// New validates opts and returns a Labeler.
func New(opts Options) (*Labeler, error) {
	if opts.MinAreaHa < 0 {
		return nil, grid.NewConfigurationError("patch.min_area_ha", "must not be negative, got %g", opts.MinAreaHa)
	}
	if opts.TileRows < 0 {
		return nil, grid.NewConfigurationError("patch.tile_rows", "must not be negative, got %d", opts.TileRows)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Labeler{opts: opts}, nil
}

// tile is one horizontal band labeled independently.
type tile struct {
	lo, hi int
	forest *forest
	offset int32
}

// Label finds every 4-connected patch of classify.Nesting cells. The
// partition into patches does not depend on TileRows or scheduling; patch
// ids are assigned in row-major order of each patch's first cell.
func (l *Labeler) Label(ctx context.Context, nesting *grid.Grid[uint8]) (*Result, error) {
	geom := nesting.Geometry()
	log := zap.L().With(zap.String("component", "patch.label"))

	labels := grid.Like(nesting, LabelNodata)
	lab := labels.Cells()
	in := nesting.Cells()

	tiles := l.tiles(geom.Rows)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	var finished atomic.Int32
	for _, t := range tiles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			labelTile(t, in, lab, nesting, geom.Cols)
			n := finished.Add(1)
			if l.opts.Progress != nil {
				l.opts.Progress(int(n), len(tiles))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "patch: label tiles")
	}

	global := mergeTiles(tiles, lab, geom.Cols)
	res := l.finalize(nesting, labels, global)

	log.Info("labeling complete",
		zap.Int("tiles", len(tiles)),
		zap.Int("patches", len(res.Patches)),
		zap.Int("qualifying", len(res.QualifyingPatches())),
		zap.Float64("max_qualifying_area_ha", res.MaxQualifyingAreaHa),
	)
	return res, nil
}

func (l *Labeler) tiles(rows int) []*tile {
	size := l.opts.TileRows
	if size <= 0 || size >= rows {
		return []*tile{{lo: 0, hi: rows}}
	}
	var out []*tile
	for lo := 0; lo < rows; lo += size {
		out = append(out, &tile{lo: lo, hi: min(lo+size, rows)})
	}
	return out
}

// labelTile is the first raster-scan pass restricted to one tile. It writes
// tile-local provisional labels for its own rows only.
func labelTile(t *tile, in []uint8, lab []int32, nesting *grid.Grid[uint8], cols int) {
	t.forest = newForest(0)
	for r := t.lo; r < t.hi; r++ {
		for c := 0; c < cols; c++ {
			i := r*cols + c
			if nesting.IsNodata(i) {
				continue
			}
			if in[i] != classify.Nesting {
				lab[i] = LabelBackground
				continue
			}
			var up, left int32
			if r > t.lo {
				up = max(lab[i-cols], 0)
			}
			if c > 0 {
				left = max(lab[i-1], 0)
			}
			switch {
			case up == 0 && left == 0:
				lab[i] = t.forest.add()
			case up == 0:
				lab[i] = left
			case left == 0:
				lab[i] = up
			default:
				lab[i] = t.forest.union(up, left)
			}
		}
	}
}

// mergeTiles lifts tile-local labels into one arena and unions labels that
// touch across tile seams. It returns the global forest; lab is rewritten to
// global ids.
func mergeTiles(tiles []*tile, lab []int32, cols int) *forest {
	total := 0
	for _, t := range tiles {
		t.offset = int32(total)
		total += t.forest.size()
	}
	global := newForest(total)
	for _, t := range tiles {
		for local := int32(1); local <= int32(t.forest.size()); local++ {
			global.add()
			if root := t.forest.find(local); root != local {
				global.parent[t.offset+local] = t.offset + root
			}
		}
		for i := t.lo * cols; i < t.hi*cols; i++ {
			if lab[i] > 0 {
				lab[i] += t.offset
			}
		}
	}
	for k := 1; k < len(tiles); k++ {
		seam := tiles[k].lo
		above := (seam - 1) * cols
		below := seam * cols
		for c := 0; c < cols; c++ {
			a, b := lab[above+c], lab[below+c]
			if a > 0 && b > 0 {
				global.union(a, b)
			}
		}
	}
	return global
}

// finalize is the second pass: resolve roots, count cells, assign compact
// ids in row-major order of first appearance and threshold by area.
func (l *Labeler) finalize(nesting *grid.Grid[uint8], labels *grid.Grid[int32], f *forest) *Result {
	geom := nesting.Geometry()
	lab := labels.Cells()
	cellArea := geom.CellArea()

	compact := make([]int32, f.size()+1)
	var patches []Patch
	for i, v := range lab {
		if v <= 0 {
			continue
		}
		root := f.find(v)
		id := compact[root]
		if id == 0 {
			patches = append(patches, Patch{ID: int32(len(patches) + 1), AnchorRow: i / geom.Cols, AnchorCol: i % geom.Cols})
			id = int32(len(patches))
			compact[root] = id
		}
		lab[i] = id
		patches[id-1].Cells++
	}

	res := &Result{Labels: labels, Patches: patches}
	for k := range patches {
		p := &patches[k]
		p.AreaHa = float64(p.Cells) * cellArea / 10000
		p.Qualifying = l.meets(p.AreaHa)
		if p.Qualifying && p.AreaHa > res.MaxQualifyingAreaHa {
			res.MaxQualifyingAreaHa = p.AreaHa
		}
	}

	q := grid.Like(nesting, Nodata)
	qc := q.Cells()
	for i, v := range lab {
		switch {
		case v == LabelNodata:
		case v > 0 && patches[v-1].Qualifying:
			qc[i] = Qualifying
		default:
			qc[i] = NotQualifying
		}
	}
	res.Qualifying = q
	return res
}

// areaEpsilon keeps an area equal to the threshold on the inclusive side
// despite rounding in cells*cell-area.
const areaEpsilon = 1e-9

func (l *Labeler) meets(areaHa float64) bool {
	tol := areaEpsilon * max(1, l.opts.MinAreaHa)
	if l.opts.Strict {
		return areaHa > l.opts.MinAreaHa+tol
	}
	return areaHa >= l.opts.MinAreaHa-tol
}
