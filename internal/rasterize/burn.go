package rasterize

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/goshawk-habitat/internal/grid"
)

// DefaultNodata fills cells no feature covers.
const DefaultNodata = -9999.0

// Options configures Burn.
type Options struct {
	// Numeric lists the numeric attributes to burn; empty burns every one
	// seen on any feature.
	Numeric []string `json:"numeric,omitempty" mapstructure:"numeric"`
	// Text lists the categorical attributes to burn as codes; empty burns
	// every one seen.
	Text []string `json:"text,omitempty" mapstructure:"text"`
	// Aliases renames attributes to layer names (e.g. proj_age_1 to
	// proj_age).
	Aliases map[string]string `json:"aliases,omitempty" mapstructure:"aliases"`
	// Priority names a numeric attribute; where features overlap the one
	// with the higher value owns the cell. Ties go to the higher feature id.
	// Empty means feature id alone decides.
	Priority string `json:"priority,omitempty" mapstructure:"priority"`
	// Nodata fills uncovered cells; zero means DefaultNodata.
	Nodata float64 `json:"nodata,omitempty" mapstructure:"nodata"`
}

func (o Options) nodata() float64 {
	if o.Nodata == 0 {
		return DefaultNodata
	}
	return o.Nodata
}

func (o Options) layerName(attr string) string {
	if n, ok := o.Aliases[attr]; ok {
		return n
	}
	return attr
}

// Burn rasterizes feats onto geom. A cell belongs to a feature when the
// cell centre lies inside one of its polygons under the even-odd rule, so
// holes stay uncovered. Every burned attribute becomes a float layer of the
// returned stack; text attributes are coded 1..n in sorted order and their
// code table is attached to the stack.
func Burn(ctx context.Context, g grid.Geometry, feats []Feature, opts Options) (*grid.Stack, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "rasterize.burn"))

	order := burnOrder(feats, opts)
	owner := make([]int32, g.Cells())
	for i := range owner {
		owner[i] = -1
	}
	for n, fi := range order {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		f := feats[fi]
		if f.Geometry == nil {
			continue
		}
		areal, err := Areal(f.Geometry)
		if err != nil {
			log.Debug("rasterize: skipping feature", zap.Int64("id", f.ID), zap.Error(err))
			continue
		}
		fill(g, areal, func(i int) { owner[i] = int32(fi) })
	}

	numeric, text := attributeNames(feats, opts)
	stack := grid.NewStack(g)
	nd := opts.nodata()

	for _, attr := range numeric {
		layer, err := grid.New(g, nd)
		if err != nil {
			return nil, err
		}
		cells := layer.Cells()
		for i, fi := range owner {
			if fi < 0 {
				continue
			}
			if v, ok := feats[fi].Numeric[attr]; ok && !math.IsNaN(v) {
				cells[i] = v
			}
		}
		if err := stack.Add(opts.layerName(attr), layer); err != nil {
			return nil, err
		}
	}

	for _, attr := range text {
		codes := codeTable(feats, attr)
		layer, err := grid.New(g, nd)
		if err != nil {
			return nil, err
		}
		cells := layer.Cells()
		for i, fi := range owner {
			if fi < 0 {
				continue
			}
			if v, ok := feats[fi].Text[attr]; ok && v != "" {
				cells[i] = codes[v]
			}
		}
		name := opts.layerName(attr)
		if err := stack.Add(name, layer); err != nil {
			return nil, err
		}
		stack.SetCodes(name, codes)
	}

	covered := 0
	for _, fi := range owner {
		if fi >= 0 {
			covered++
		}
	}
	log.Info("rasterize: burned",
		zap.Int("features", len(feats)),
		zap.Int("covered_cells", covered),
		zap.Int("cells", g.Cells()),
		zap.Strings("layers", stack.Names()),
	)
	return stack, nil
}

// burnOrder sorts feature indices so that later entries win overlaps.
func burnOrder(feats []Feature, opts Options) []int {
	order := make([]int, len(feats))
	for i := range order {
		order[i] = i
	}
	prio := func(f Feature) float64 {
		if opts.Priority == "" {
			return 0
		}
		v, ok := f.Numeric[opts.Priority]
		if !ok || math.IsNaN(v) {
			return math.Inf(-1)
		}
		return v
	}
	sort.SliceStable(order, func(a, b int) bool {
		fa, fb := feats[order[a]], feats[order[b]]
		pa, pb := prio(fa), prio(fb)
		if pa != pb {
			return pa < pb
		}
		return fa.ID < fb.ID
	})
	return order
}

func attributeNames(feats []Feature, opts Options) (numeric, text []string) {
	if len(opts.Numeric) > 0 {
		numeric = append(numeric, opts.Numeric...)
	} else {
		seen := map[string]bool{}
		for _, f := range feats {
			for k := range f.Numeric {
				if !seen[k] {
					seen[k] = true
					numeric = append(numeric, k)
				}
			}
		}
		sort.Strings(numeric)
	}
	if len(opts.Text) > 0 {
		text = append(text, opts.Text...)
	} else {
		seen := map[string]bool{}
		for _, f := range feats {
			for k := range f.Text {
				if !seen[k] {
					seen[k] = true
					text = append(text, k)
				}
			}
		}
		sort.Strings(text)
	}
	return numeric, text
}

// codeTable numbers the distinct values of a text attribute from 1 in
// sorted order.
func codeTable(feats []Feature, attr string) map[string]float64 {
	var values []string
	seen := map[string]bool{}
	for _, f := range feats {
		if v, ok := f.Text[attr]; ok && v != "" && !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}
	sort.Strings(values)
	codes := make(map[string]float64, len(values))
	for i, v := range values {
		codes[v] = float64(i + 1)
	}
	return codes
}
