package focal

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/goshawk-habitat/internal/classify"
	"github.com/sells-group/goshawk-habitat/internal/grid"
)

const (
	hq = classify.HighQualityForage
	fo = classify.Forage
	nh = classify.NonHabitat
	nd = classify.Nodata
)

func foragingGrid(t *testing.T, rows, cols int, cells []uint8) *grid.Grid[uint8] {
	t.Helper()
	geom := grid.Geometry{Rows: rows, Cols: cols, CellSize: 30, OriginY: float64(rows) * 30, CRS: "EPSG:3005"}
	g, err := grid.FromSlice(geom, classify.Nodata, cells)
	require.NoError(t, err)
	return g
}

func run(t *testing.T, opts Options, g *grid.Grid[uint8]) *Result {
	t.Helper()
	f, err := New(opts)
	require.NoError(t, err)
	res, err := f.Run(context.Background(), g)
	require.NoError(t, err)
	return res
}

func randomForaging(rows, cols int, seed uint64) []uint8 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	cells := make([]uint8, rows*cols)
	for i := range cells {
		switch x := rng.IntN(20); {
		case x < 9:
			cells[i] = hq
		case x < 14:
			cells[i] = fo
		case x < 18:
			cells[i] = nh
		default:
			cells[i] = nd
		}
	}
	return cells
}

// bruteForce recomputes every window from scratch.
func bruteForce(g *grid.Grid[uint8], radius float64) ([]float64, []int) {
	geo := g.Geometry()
	cells := g.Cells()
	props := make([]float64, len(cells))
	counts := make([]int, len(cells))
	reach := int(radius)
	for r := 0; r < geo.Rows; r++ {
		for c := 0; c < geo.Cols; c++ {
			var h, v int
			for dy := -reach; dy <= reach; dy++ {
				for dx := -reach; dx <= reach; dx++ {
					if float64(dx*dx+dy*dy) > radius*radius+1e-9 {
						continue
					}
					rr, cc := r+dy, c+dx
					if !geo.InBounds(rr, cc) || cells[rr*geo.Cols+cc] == nd {
						continue
					}
					v++
					if cells[rr*geo.Cols+cc] == hq {
						h++
					}
				}
			}
			i := r*geo.Cols + c
			counts[i] = v
			if v == 0 {
				props[i] = ProportionNodata
			} else {
				props[i] = float64(h) / float64(v)
			}
		}
	}
	return props, counts
}

func TestNewWindow(t *testing.T) {
	w, err := NewWindow(0)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Size())

	w, err = NewWindow(1)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0}, w.HalfWidths)
	assert.Equal(t, 5, w.Size())

	w, err = NewWindow(2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 1, 0}, w.HalfWidths)
	assert.Equal(t, 13, w.Size())

	_, err = NewWindow(-1)
	assert.True(t, grid.IsConfiguration(err))
}

func TestWindow_DefaultRadiusIsAbout2400Ha(t *testing.T) {
	w, err := NewWindow(DefaultRadiusKm * 1000 / 30)
	require.NoError(t, err)
	assert.Equal(t, 92, w.Reach)
	assert.InDelta(t, 2400, w.AreaHa(30), 30)
	assert.Greater(t, w.Size(), 26000)
}

func TestRun_CornerUsesClippedWindow(t *testing.T) {
	cells := []uint8{
		nh, hq, nh, nh, nh,
		nh, nh, nh, nh, nh,
		hq, nh, nh, nh, nh,
		nh, nh, nh, nh, nh,
		nh, nh, nh, nh, hq,
	}
	res := run(t, Options{RadiusCells: 2, Threshold: DefaultThreshold}, foragingGrid(t, 5, 5, cells))

	// The corner window holds 6 in-bounds cells: 3 on row 0, 2 on row 1 and
	// 1 on row 2. Two of them are high quality.
	p, err := res.Proportion.At(0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/6.0, p, 1e-12)

	p, err = res.Proportion.At(4, 4)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/6.0, p, 1e-12)
}

func TestRun_MatchesBruteForce(t *testing.T) {
	for _, tc := range []struct {
		rows, cols int
		radius     float64
		workers    int
	}{
		{13, 17, 3.5, 1},
		{13, 17, 3.5, 5},
		{20, 9, 6, 3},
		{1, 30, 4, 2},
		{30, 1, 2.2, 2},
		{8, 8, 20, 4},
	} {
		g := foragingGrid(t, tc.rows, tc.cols, randomForaging(tc.rows, tc.cols, uint64(tc.rows*100+tc.cols)))
		res := run(t, Options{RadiusCells: tc.radius, Threshold: 0.5, Workers: tc.workers}, g)
		want, counts := bruteForce(g, tc.radius)
		got := res.Proportion.Cells()
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-12, "cell %d (%dx%d r=%g)", i, tc.rows, tc.cols, tc.radius)
			if counts[i] == 0 {
				assert.True(t, res.Proportion.IsNodata(i))
			} else {
				assert.GreaterOrEqual(t, got[i], 0.0)
				assert.LessOrEqual(t, got[i], 1.0)
			}
		}
	}
}

func TestRun_NodataOnlyWhereWindowEmpty(t *testing.T) {
	cells := make([]uint8, 7*7)
	for i := range cells {
		cells[i] = nd
	}
	cells[0] = hq
	res := run(t, Options{RadiusCells: 1.5, Threshold: 0.5}, foragingGrid(t, 7, 7, cells))

	_, counts := bruteForce(foragingGrid(t, 7, 7, cells), 1.5)
	for i, n := range counts {
		assert.Equal(t, n == 0, res.Proportion.IsNodata(i), "cell %d", i)
		assert.Equal(t, n == 0, res.Sufficient.IsNodata(i), "cell %d", i)
	}
	p, err := res.Proportion.At(1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p)
}

func TestRun_AllNodata(t *testing.T) {
	cells := make([]uint8, 9)
	for i := range cells {
		cells[i] = nd
	}
	res := run(t, Options{RadiusCells: 1, Threshold: 0.5}, foragingGrid(t, 3, 3, cells))
	assert.Equal(t, 0, res.Proportion.Count())
	assert.Equal(t, 0, res.Sufficient.Count())
}

func TestRun_ThresholdInclusive(t *testing.T) {
	// One row of 20 cells with 11 high-quality: every cell sees 11/20 = 0.55
	// when the window spans the whole row.
	cells := make([]uint8, 20)
	for i := range cells {
		if i < 11 {
			cells[i] = hq
		}
	}
	g := foragingGrid(t, 1, 20, cells)

	res := run(t, Options{RadiusCells: 25, Threshold: 0.55}, g)
	for i, p := range res.Proportion.Cells() {
		assert.Equal(t, 0.55, p, "cell %d", i)
	}
	assert.Equal(t, 20, countValue(res.Sufficient.Cells(), Sufficient))

	res = run(t, Options{RadiusCells: 25, Threshold: 0.55, Strict: true}, g)
	assert.Equal(t, 0, countValue(res.Sufficient.Cells(), Sufficient))
}

func TestThreshold_Monotonic(t *testing.T) {
	g := foragingGrid(t, 25, 25, randomForaging(25, 25, 3))
	res := run(t, Options{RadiusCells: 4, Threshold: 0}, g)

	prev := countValue(Threshold(res.Proportion, 0, false).Cells(), Sufficient)
	for thr := 0.05; thr <= 1.0; thr += 0.05 {
		cur := Threshold(res.Proportion, thr, false)
		n := countValue(cur.Cells(), Sufficient)
		assert.LessOrEqual(t, n, prev, "threshold %g", thr)
		prev = n
	}
}

func TestRun_Idempotent(t *testing.T) {
	g := foragingGrid(t, 40, 33, randomForaging(40, 33, 9))
	a := run(t, Options{RadiusCells: 5, Threshold: 0.55, Workers: 3}, g)
	b := run(t, Options{RadiusCells: 5, Threshold: 0.55, Workers: 8}, g)
	assert.True(t, a.Proportion.Equal(b.Proportion))
	assert.True(t, a.Sufficient.Equal(b.Sufficient))
}

func TestRun_RadiusKm(t *testing.T) {
	cells := make([]uint8, 25)
	cells[12] = hq
	res := run(t, Options{RadiusKm: 0.06, Threshold: 0.5}, foragingGrid(t, 5, 5, cells))
	assert.Equal(t, 2, res.Window.Reach)
	p, err := res.Proportion.At(2, 2)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/13.0, p, 1e-12)
}

func TestRun_CustomClass(t *testing.T) {
	cells := []uint8{fo, fo, hq, nh}
	res := run(t, Options{RadiusCells: 5, Threshold: 0.5, Class: fo}, foragingGrid(t, 1, 4, cells))
	for _, p := range res.Proportion.Cells() {
		assert.Equal(t, 0.5, p)
	}
}

func TestRun_Canceled(t *testing.T) {
	f, err := New(Options{RadiusCells: 1, Threshold: 0.5})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Run(ctx, foragingGrid(t, 3, 3, make([]uint8, 9)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_InvalidOptions(t *testing.T) {
	for name, opts := range map[string]Options{
		"no radius":       {Threshold: 0.5},
		"negative cells":  {RadiusCells: -1, Threshold: 0.5},
		"threshold high":  {RadiusKm: 1, Threshold: 1.5},
		"threshold below": {RadiusKm: 1, Threshold: -0.1},
	} {
		_, err := New(opts)
		assert.True(t, grid.IsConfiguration(err), name)
	}
}

func TestSummedArea(t *testing.T) {
	ind := []uint8{
		1, 0, 1,
		0, 1, 1,
	}
	s, err := buildSummedArea(context.Background(), ind, 2, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), s.rect(0, 2, 0, 3))
	assert.Equal(t, uint32(2), s.rect(0, 1, 0, 3))
	assert.Equal(t, uint32(3), s.rect(0, 2, 1, 3))
	assert.Equal(t, uint32(1), s.rect(1, 2, 1, 2))
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
