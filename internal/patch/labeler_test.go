package patch

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/goshawk-habitat/internal/classify"
	"github.com/sells-group/goshawk-habitat/internal/grid"
)

func geom(rows, cols int) grid.Geometry {
	return grid.Geometry{Rows: rows, Cols: cols, CellSize: 30, OriginY: float64(rows) * 30, CRS: "EPSG:3005"}
}

func nestingGrid(t *testing.T, rows, cols int, cells []uint8) *grid.Grid[uint8] {
	t.Helper()
	g, err := grid.FromSlice(geom(rows, cols), classify.Nodata, cells)
	require.NoError(t, err)
	return g
}

// block returns a 10x10 grid with a 5x5 nesting block at rows 2-6, cols 3-7.
func block(t *testing.T) *grid.Grid[uint8] {
	cells := make([]uint8, 100)
	for r := 2; r < 7; r++ {
		for c := 3; c < 8; c++ {
			cells[r*10+c] = classify.Nesting
		}
	}
	return nestingGrid(t, 10, 10, cells)
}

func label(t *testing.T, opts Options, g *grid.Grid[uint8]) *Result {
	t.Helper()
	l, err := New(opts)
	require.NoError(t, err)
	res, err := l.Label(context.Background(), g)
	require.NoError(t, err)
	return res
}

func TestLabel_AreaThreshold(t *testing.T) {
	g := block(t)

	res := label(t, Options{MinAreaHa: 2}, g)
	require.Len(t, res.Patches, 1)
	p := res.Patches[0]
	assert.Equal(t, 25, p.Cells)
	assert.InDelta(t, 2.25, p.AreaHa, 1e-12)
	assert.True(t, p.Qualifying)
	assert.Equal(t, 25, countValue(res.Qualifying.Cells(), Qualifying))
	assert.InDelta(t, 2.25, res.MaxQualifyingAreaHa, 1e-12)

	res = label(t, Options{MinAreaHa: 3}, g)
	require.Len(t, res.Patches, 1)
	assert.False(t, res.Patches[0].Qualifying)
	assert.Equal(t, 0, countValue(res.Qualifying.Cells(), Qualifying))
	assert.Equal(t, 0.0, res.MaxQualifyingAreaHa)
}

func TestLabel_ThresholdBoundary(t *testing.T) {
	g := block(t)

	res := label(t, Options{MinAreaHa: 2.25}, g)
	assert.True(t, res.Patches[0].Qualifying, "area equal to the threshold is included")

	res = label(t, Options{MinAreaHa: 2.25, Strict: true}, g)
	assert.False(t, res.Patches[0].Qualifying)
}

func TestLabel_DiagonalCellsAreSeparate(t *testing.T) {
	g := nestingGrid(t, 2, 2, []uint8{
		1, 0,
		0, 1,
	})
	res := label(t, Options{}, g)
	require.Len(t, res.Patches, 2)
	assert.Equal(t, []int32{1, 0, 0, 2}, res.Labels.Cells())
}

func TestLabel_UShapeMergesLate(t *testing.T) {
	// The two arms only meet on the last row, forcing a union of labels
	// that were assigned independently.
	g := nestingGrid(t, 4, 5, []uint8{
		1, 0, 0, 0, 1,
		1, 0, 1, 0, 1,
		1, 0, 1, 0, 1,
		1, 1, 1, 1, 1,
	})
	res := label(t, Options{}, g)
	require.Len(t, res.Patches, 1)
	assert.Equal(t, 14, res.Patches[0].Cells)
	assert.Equal(t, 0, res.Patches[0].AnchorRow)
	assert.Equal(t, 0, res.Patches[0].AnchorCol)
}

func TestLabel_NodataCells(t *testing.T) {
	nd := classify.Nodata
	g := nestingGrid(t, 2, 3, []uint8{
		1, nd, 1,
		0, nd, 1,
	})
	res := label(t, Options{}, g)
	require.Len(t, res.Patches, 2)
	assert.Equal(t, []int32{1, LabelNodata, 2, LabelBackground, LabelNodata, 2}, res.Labels.Cells())
	assert.Equal(t, []uint8{Qualifying, Nodata, Qualifying, NotQualifying, Nodata, Qualifying}, res.Qualifying.Cells())
}

func TestLabel_AllNodata(t *testing.T) {
	cells := make([]uint8, 12)
	for i := range cells {
		cells[i] = classify.Nodata
	}
	res := label(t, Options{MinAreaHa: 1}, nestingGrid(t, 3, 4, cells))
	assert.Empty(t, res.Patches)
	assert.Equal(t, 0, res.Qualifying.Count())
	assert.Empty(t, res.QualifyingPatches())
}

func TestLabel_TiledMatchesSinglePass(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	rows, cols := 97, 61
	cells := make([]uint8, rows*cols)
	for i := range cells {
		switch x := rng.IntN(10); {
		case x < 6:
			cells[i] = classify.Nesting
		case x < 9:
			cells[i] = classify.NotNesting
		default:
			cells[i] = classify.Nodata
		}
	}
	g := nestingGrid(t, rows, cols, cells)

	single := label(t, Options{MinAreaHa: 0.5}, g)
	for _, tileRows := range []int{1, 2, 7, 32, 96} {
		tiled := label(t, Options{MinAreaHa: 0.5, TileRows: tileRows, Workers: 4}, g)
		assert.True(t, single.Labels.Equal(tiled.Labels), "tile rows %d", tileRows)
		assert.True(t, single.Qualifying.Equal(tiled.Qualifying), "tile rows %d", tileRows)
		assert.Equal(t, single.Patches, tiled.Patches, "tile rows %d", tileRows)
	}

	assertPartitionMatchesFloodFill(t, g, single)
}

func TestLabel_LargeSnakeDoesNotRecurse(t *testing.T) {
	// A single serpentine patch spanning the whole grid.
	rows, cols := 1001, 1000
	cells := make([]uint8, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			switch {
			case r%2 == 0:
				cells[r*cols+c] = classify.Nesting
			case (r/2)%2 == 0 && c == cols-1:
				cells[r*cols+c] = classify.Nesting
			case (r/2)%2 == 1 && c == 0:
				cells[r*cols+c] = classify.Nesting
			}
		}
	}
	res := label(t, Options{MinAreaHa: 1000, TileRows: 128}, nestingGrid(t, rows, cols, cells))
	require.Len(t, res.Patches, 1)
	assert.Equal(t, 501*1000+500, res.Patches[0].Cells)
	assert.True(t, res.Patches[0].Qualifying)
}

func TestLabel_Idempotent(t *testing.T) {
	g := block(t)
	a := label(t, Options{MinAreaHa: 2}, g)
	b := label(t, Options{MinAreaHa: 2}, g)
	assert.True(t, a.Labels.Equal(b.Labels))
	assert.True(t, a.Qualifying.Equal(b.Qualifying))
}

func TestLabel_Progress(t *testing.T) {
	var calls atomic.Int32
	opts := Options{TileRows: 3, Progress: func(done, total int) {
		calls.Add(1)
		assert.Equal(t, 4, total)
		assert.LessOrEqual(t, done, total)
	}}
	label(t, opts, block(t))
	assert.Equal(t, int32(4), calls.Load())
}

func TestLabel_Canceled(t *testing.T) {
	l, err := New(Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Label(ctx, block(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(Options{MinAreaHa: -1})
	assert.True(t, grid.IsConfiguration(err))
	_, err = New(Options{TileRows: -2})
	assert.True(t, grid.IsConfiguration(err))
}

func TestResult_Patch(t *testing.T) {
	res := label(t, Options{}, block(t))
	p, ok := res.Patch(1)
	assert.True(t, ok)
	assert.Equal(t, int32(1), p.ID)
	_, ok = res.Patch(0)
	assert.False(t, ok)
	_, ok = res.Patch(2)
	assert.False(t, ok)
}

func countValue(cells []uint8, v uint8) int {
	n := 0
	for _, c := range cells {
		if c == v {
			n++
		}
	}
	return n
}

// assertPartitionMatchesFloodFill checks every label against an explicit
// stack flood fill.
func assertPartitionMatchesFloodFill(t *testing.T, g *grid.Grid[uint8], res *Result) {
	t.Helper()
	geo := g.Geometry()
	cells := g.Cells()
	lab := res.Labels.Cells()
	seen := make([]bool, len(cells))
	for start := range cells {
		if cells[start] != classify.Nesting || seen[start] {
			continue
		}
		want := lab[start]
		require.Positive(t, want)
		stack := []int{start}
		seen[start] = true
		size := 0
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++
			assert.Equal(t, want, lab[i])
			r, c := i/geo.Cols, i%geo.Cols
			for _, d := range [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
				nr, nc := r+d[0], c+d[1]
				if !geo.InBounds(nr, nc) {
					continue
				}
				j := nr*geo.Cols + nc
				if cells[j] == classify.Nesting && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		p, ok := res.Patch(want)
		require.True(t, ok)
		assert.Equal(t, size, p.Cells)
	}
}
