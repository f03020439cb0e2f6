package grid

// Number is the set of cell value types used by the analysis layers.
type Number interface {
	~uint8 | ~uint16 | ~int16 | ~int32 | ~int64 | ~int | ~float32 | ~float64
}

// Grid is a raster layer over a fixed Geometry. Cells are stored row-major.
// A grid handed from one stage to the next is treated as immutable; stages
// build new grids with Like rather than editing their inputs.
type Grid[T Number] struct {
	geom   Geometry
	nodata T
	data   []T
}

// New returns a grid of the given geometry with every cell set to nodata.
func New[T Number](geom Geometry, nodata T) (*Grid[T], error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	data := make([]T, geom.Cells())
	if nodata != 0 {
		for i := range data {
			data[i] = nodata
		}
	}
	return &Grid[T]{geom: geom, nodata: nodata, data: data}, nil
}

// FromSlice wraps data (row-major, len rows*cols) as a grid. The slice is
// owned by the grid afterwards.
func FromSlice[T Number](geom Geometry, nodata T, data []T) (*Grid[T], error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	if len(data) != geom.Cells() {
		return nil, &DataError{Reason: "cell count does not match geometry"}
	}
	return &Grid[T]{geom: geom, nodata: nodata, data: data}, nil
}

// Like returns a grid with src's geometry and a different value type, every
// cell set to nodata. It is how derived layers are allocated.
func Like[U, T Number](src *Grid[T], nodata U) *Grid[U] {
	data := make([]U, len(src.data))
	if nodata != 0 {
		for i := range data {
			data[i] = nodata
		}
	}
	return &Grid[U]{geom: src.geom, nodata: nodata, data: data}
}

// Convert returns a copy of src with values cast to U. Nodata cells map to
// the new nodata value.
func Convert[U, T Number](src *Grid[T], nodata U) *Grid[U] {
	out := Like(src, nodata)
	for i, v := range src.data {
		if !src.isNodata(v) {
			out.data[i] = U(v)
		}
	}
	return out
}

// Geometry returns the grid's geometry.
func (g *Grid[T]) Geometry() Geometry { return g.geom }

// Nodata returns the nodata sentinel.
func (g *Grid[T]) Nodata() T { return g.nodata }

// Cells exposes the row-major backing slice. Callers must not modify the
// slice of a grid they did not allocate.
func (g *Grid[T]) Cells() []T { return g.data }

// At returns the value at (row, col).
func (g *Grid[T]) At(row, col int) (T, error) {
	i, err := g.geom.Index(row, col)
	if err != nil {
		var zero T
		return zero, err
	}
	return g.data[i], nil
}

// Set stores v at (row, col).
func (g *Grid[T]) Set(row, col int, v T) error {
	i, err := g.geom.Index(row, col)
	if err != nil {
		return err
	}
	g.data[i] = v
	return nil
}

// IsNodata reports whether the cell at row-major offset i holds nodata.
func (g *Grid[T]) IsNodata(i int) bool { return g.isNodata(g.data[i]) }

func (g *Grid[T]) isNodata(v T) bool {
	// NaN sentinels never compare equal to themselves.
	return v == g.nodata || (g.nodata != g.nodata && v != v)
}

// Each calls fn for every cell that is not nodata, in row-major order.
func (g *Grid[T]) Each(fn func(row, col int, v T)) {
	cols := g.geom.Cols
	for i, v := range g.data {
		if g.isNodata(v) {
			continue
		}
		fn(i/cols, i%cols, v)
	}
}

// Count returns the number of cells that are not nodata.
func (g *Grid[T]) Count() int {
	n := 0
	for _, v := range g.data {
		if !g.isNodata(v) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of g.
func (g *Grid[T]) Clone() *Grid[T] {
	data := make([]T, len(g.data))
	copy(data, g.data)
	return &Grid[T]{geom: g.geom, nodata: g.nodata, data: data}
}

// Equal reports whether g and other share geometry, nodata and every cell.
func (g *Grid[T]) Equal(other *Grid[T]) bool {
	if !g.geom.Equal(other.geom) || len(g.data) != len(other.data) {
		return false
	}
	if g.nodata != other.nodata && !(g.nodata != g.nodata && other.nodata != other.nodata) {
		return false
	}
	for i, v := range g.data {
		w := other.data[i]
		if v != w && !(v != v && w != w) {
			return false
		}
	}
	return true
}
