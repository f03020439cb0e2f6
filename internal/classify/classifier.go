package classify

import (
	"context"
	"runtime"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/goshawk-habitat/internal/grid"
)

// Nesting grid values.
const (
	NotNesting uint8 = 0
	Nesting    uint8 = 1
)

// Foraging grid values, ordered by quality.
const (
	NonHabitat        uint8 = 0
	Forage            uint8 = 1
	HighQualityForage uint8 = 2
)

// Nodata is the nodata value of both habitat grids.
const Nodata uint8 = 255

// predicate is a Rule bound to its input layer.
type predicate struct {
	cells     []float64
	nodata    float64
	op        Op
	threshold float64
	set       []float64
	negate    bool
	onMissing string
}

type outcome uint8

const (
	unknown outcome = iota
	holds
	fails
)

func (p *predicate) eval(i int) outcome {
	v := p.cells[i]
	if v == p.nodata || v != v {
		switch p.onMissing {
		case MissingPass:
			return holds
		case MissingFail:
			return fails
		default:
			return unknown
		}
	}
	var ok bool
	if p.op == OpIn {
		ok = slices.Contains(p.set, v)
	} else {
		ok = p.op.Compare(v, p.threshold)
	}
	if ok != p.negate {
		return holds
	}
	return fails
}

// compiledSet evaluates a three-valued AND of predicates: any failure
// decides the cell, otherwise a missing input leaves it unknown.
type compiledSet []predicate

func (cs compiledSet) eval(i int) outcome {
	result := holds
	for k := range cs {
		switch cs[k].eval(i) {
		case fails:
			return fails
		case unknown:
			result = unknown
		}
	}
	return result
}

// Classifier evaluates the nesting and foraging rule sets over one stack.
type Classifier struct {
	geom    grid.Geometry
	nesting compiledSet
	forage  compiledSet
	hq      compiledSet
	workers int
}

// New binds cfg to the layers of stack. Every configuration problem,
// including a rule that references a layer the stack lacks, is reported here
// as a ConfigurationError rather than during classification.
func New(stack *grid.Stack, cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nesting, err := compile(stack, "classify.nesting", cfg.Nesting)
	if err != nil {
		return nil, err
	}
	forage, err := compile(stack, "classify.forage", cfg.Forage)
	if err != nil {
		return nil, err
	}
	hq, err := compile(stack, "classify.high_quality_forage", cfg.HighQualityForage)
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Classifier{
		geom:    stack.Geometry(),
		nesting: nesting,
		forage:  forage,
		hq:      hq,
		workers: workers,
	}, nil
}

func compile(stack *grid.Stack, field string, rs RuleSet) (compiledSet, error) {
	out := make(compiledSet, 0, len(rs.Rules))
	for i, r := range rs.Rules {
		layer, err := stack.Layer(r.Attribute)
		if err != nil {
			return nil, grid.NewConfigurationError(field, "rule %d references unknown attribute %q", i, r.Attribute)
		}
		p := predicate{
			cells:     layer.Cells(),
			nodata:    layer.Nodata(),
			op:        r.Op,
			threshold: r.Threshold,
			negate:    r.Negate,
			onMissing: r.missingPolicy(),
		}
		if r.Op == OpIn {
			p.set = append(p.set, r.Values...)
			for _, code := range r.Codes {
				v, ok := stack.Code(r.Attribute, code)
				if !ok {
					return nil, grid.NewConfigurationError(field, "rule %d: code %q not defined for %s", i, code, r.Attribute)
				}
				p.set = append(p.set, v)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Result holds the two habitat grids produced by one classification.
type Result struct {
	Nesting  *grid.Grid[uint8]
	Foraging *grid.Grid[uint8]
}

// Run classifies every cell. Rows are split into bands that are classified
// concurrently; each band writes only its own cells.
func (c *Classifier) Run(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "classify.run"))

	nesting, err := grid.New(c.geom, Nodata)
	if err != nil {
		return nil, err
	}
	foraging, err := grid.New(c.geom, Nodata)
	if err != nil {
		return nil, err
	}
	nestCells, forageCells := nesting.Cells(), foraging.Cells()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, band := range rowBands(c.geom.Rows, c.workers) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lo, hi := band[0]*c.geom.Cols, band[1]*c.geom.Cols
			for i := lo; i < hi; i++ {
				nestCells[i] = c.nestingAt(i)
				forageCells[i] = c.foragingAt(i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("classification complete",
		zap.Int("cells", c.geom.Cells()),
		zap.Int("nesting_valid", nesting.Count()),
		zap.Int("foraging_valid", foraging.Count()),
	)
	return &Result{Nesting: nesting, Foraging: foraging}, nil
}

func (c *Classifier) nestingAt(i int) uint8 {
	switch c.nesting.eval(i) {
	case holds:
		return Nesting
	case fails:
		return NotNesting
	}
	return Nodata
}

// foragingAt returns the best class whose rules hold. When a polygon meets
// both the forage and high-quality rules, the higher class wins. A cell that
// definitely fails the forage rules is non-habitat even when the high-quality
// rules cannot be decided.
func (c *Classifier) foragingAt(i int) uint8 {
	hq := c.hq.eval(i)
	if hq == holds {
		return HighQualityForage
	}
	forage := c.forage.eval(i)
	switch {
	case forage == fails:
		return NonHabitat
	case hq == unknown:
		return Nodata
	case forage == holds:
		return Forage
	}
	return Nodata
}

// rowBands splits rows into at most n contiguous [lo, hi) bands.
func rowBands(rows, n int) [][2]int {
	if n < 1 {
		n = 1
	}
	size := (rows + n - 1) / n
	var bands [][2]int
	for lo := 0; lo < rows; lo += size {
		bands = append(bands, [2]int{lo, min(lo+size, rows)})
	}
	return bands
}
