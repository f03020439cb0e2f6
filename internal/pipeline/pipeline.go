// Package pipeline runs the habitat analysis end to end: classification,
// patch labeling, the focal forage filter and the final overlay.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/goshawk-habitat/internal/classify"
	"github.com/sells-group/goshawk-habitat/internal/focal"
	"github.com/sells-group/goshawk-habitat/internal/grid"
	"github.com/sells-group/goshawk-habitat/internal/model"
	"github.com/sells-group/goshawk-habitat/internal/overlay"
	"github.com/sells-group/goshawk-habitat/internal/patch"
	"github.com/sells-group/goshawk-habitat/internal/store"
)

// Config gathers the settings of every stage.
type Config struct {
	Classify classify.Config `json:"classify"`
	Patch    patch.Options   `json:"patch"`
	Focal    focal.Options   `json:"focal"`
	Rank     overlay.Options `json:"rank"`
}

// Output holds every grid produced by one run. Nothing is returned unless
// all stages succeed.
type Output struct {
	Habitat *classify.Result
	Patches *patch.Result
	Forage  *focal.Result
	Overlay *overlay.Result
	Phases  []model.Phase
}

// stages are the components built from a Config before any grid work.
type stages struct {
	classifier *classify.Classifier
	labeler    *patch.Labeler
	filter     *focal.Filter
	combiner   *overlay.Combiner
}

func build(stack *grid.Stack, cfg Config) (*stages, error) {
	if stack == nil || len(stack.Names()) == 0 {
		return nil, &grid.DataError{Layer: "*", Reason: "input stack has no layers"}
	}
	classifier, err := classify.New(stack, cfg.Classify)
	if err != nil {
		return nil, err
	}
	labeler, err := patch.New(cfg.Patch)
	if err != nil {
		return nil, err
	}
	filter, err := focal.New(cfg.Focal)
	if err != nil {
		return nil, err
	}
	combiner, err := overlay.New(cfg.Rank)
	if err != nil {
		return nil, err
	}
	return &stages{classifier: classifier, labeler: labeler, filter: filter, combiner: combiner}, nil
}

// Run analyses stack with cfg. Every component is constructed before any
// grid pass so configuration errors surface first. Patch labeling and the
// focal filter both read the classified grids and run concurrently.
func Run(ctx context.Context, stack *grid.Stack, cfg Config) (*Output, error) {
	log := zap.L().With(zap.String("component", "pipeline.run"))

	st, err := build(stack, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: configure")
	}

	out := &Output{}
	track := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		d := time.Since(start)
		if err != nil {
			log.Error("pipeline: phase failed", zap.String("phase", name), zap.Duration("duration", d), zap.Error(err))
			return eris.Wrapf(err, "pipeline: %s", name)
		}
		log.Info("pipeline: phase complete", zap.String("phase", name), zap.Duration("duration", d))
		out.Phases = append(out.Phases, model.Phase{Name: name, DurationMs: d.Milliseconds()})
		return nil
	}

	geom := stack.Geometry()
	log.Info("pipeline: starting", zap.Stringer("geometry", geom), zap.Strings("layers", stack.Names()))

	if err := track("classify", func() error {
		out.Habitat, err = st.classifier.Run(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	var (
		patches *patch.Result
		forage  *focal.Result
		labelD  time.Duration
		focalD  time.Duration
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		var err error
		patches, err = st.labeler.Label(gctx, out.Habitat.Nesting)
		labelD = time.Since(start)
		return eris.Wrap(err, "pipeline: patch")
	})
	g.Go(func() error {
		start := time.Now()
		var err error
		forage, err = st.filter.Run(gctx, out.Habitat.Foraging)
		focalD = time.Since(start)
		return eris.Wrap(err, "pipeline: focal")
	})
	if err := g.Wait(); err != nil {
		log.Error("pipeline: phase failed", zap.Error(err))
		return nil, err
	}
	out.Patches, out.Forage = patches, forage
	out.Phases = append(out.Phases,
		model.Phase{Name: "patch", DurationMs: labelD.Milliseconds()},
		model.Phase{Name: "focal", DurationMs: focalD.Milliseconds()},
	)
	log.Info("pipeline: patch and focal complete",
		zap.Int("patches", len(patches.Patches)),
		zap.Int("qualifying", len(patches.QualifyingPatches())),
		zap.Int("window_cells", forage.Window.Size()),
	)

	if err := track("overlay", func() error {
		out.Overlay, err = st.combiner.Combine(out.Patches, out.Forage)
		return err
	}); err != nil {
		return nil, err
	}

	log.Info("pipeline: complete",
		zap.Int("suitable_cells", out.Overlay.Summary.SuitableCells),
		zap.Float64("suitable_ha", out.Overlay.Summary.SuitableAreaHa),
	)
	return out, nil
}

// Summary condenses the output for the run store.
func (o *Output) Summary() *model.RunSummary {
	geom := o.Habitat.Nesting.Geometry()
	s := o.Overlay.Summary
	return &model.RunSummary{
		Rows:                geom.Rows,
		Cols:                geom.Cols,
		CellSize:            geom.CellSize,
		CRS:                 geom.CRS,
		NestingCells:        countValue(o.Habitat.Nesting, classify.Nesting),
		Patches:             len(o.Patches.Patches),
		QualifyingPatches:   s.QualifyingPatches,
		MaxQualifyingAreaHa: s.MaxQualifyingAreaHa,
		SufficientCells:     countValue(o.Forage.Sufficient, focal.Sufficient),
		SuitableCells:       s.SuitableCells,
		SuitableAreaHa:      s.SuitableAreaHa,
		MeanRank:            s.MeanRank,
		MaxRank:             s.MaxRank,
		MeanForageShare:     s.MeanForageShare,
		Phases:              o.Phases,
	}
}

// PatchRecords lists the qualifying patches of the output for runID.
func (o *Output) PatchRecords(runID string) []model.PatchRecord {
	bySummary := make(map[int32]overlay.PatchSummary, len(o.Overlay.Summary.Patches))
	for _, ps := range o.Overlay.Summary.Patches {
		bySummary[ps.ID] = ps
	}
	qualifying := o.Patches.QualifyingPatches()
	out := make([]model.PatchRecord, 0, len(qualifying))
	for _, p := range qualifying {
		ps := bySummary[p.ID]
		out = append(out, model.PatchRecord{
			RunID:         runID,
			PatchID:       p.ID,
			Cells:         p.Cells,
			AreaHa:        p.AreaHa,
			SuitableCells: ps.SuitableCells,
			SuitableHa:    ps.SuitableHa,
			MeanRank:      ps.MeanRank,
			AnchorRow:     p.AnchorRow,
			AnchorCol:     p.AnchorCol,
		})
	}
	return out
}

func countValue(g *grid.Grid[uint8], v uint8) int {
	n := 0
	for _, c := range g.Cells() {
		if c == v {
			n++
		}
	}
	return n
}

// Recorder runs the pipeline and records each run in a Store.
type Recorder struct {
	store store.Store
}

// NewRecorder returns a Recorder writing to st.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// Run records a run for region, executes the pipeline and stores either the
// summary and qualifying patches or the failure reason.
func (r *Recorder) Run(ctx context.Context, region string, stack *grid.Stack, cfg Config) (*Output, *model.Run, error) {
	log := zap.L().With(zap.String("component", "pipeline.recorder"), zap.String("region", region))

	snapshot, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: marshal config")
	}
	run, err := r.store.CreateRun(ctx, region, snapshot)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: create run")
	}
	log = log.With(zap.String("run_id", run.ID))

	fail := func(cause error) {
		if err := r.store.FailRun(context.WithoutCancel(ctx), run.ID, cause.Error()); err != nil {
			log.Warn("pipeline: failed to record failure", zap.Error(err))
		}
		run.Status = model.RunStatusFailed
		run.Error = cause.Error()
	}

	out, runErr := Run(ctx, stack, cfg)
	if runErr != nil {
		fail(runErr)
		return nil, run, runErr
	}

	if err := r.store.SavePatches(ctx, run.ID, out.PatchRecords(run.ID)); err != nil {
		err = eris.Wrap(err, "pipeline: save patches")
		fail(err)
		return out, run, err
	}
	summary := out.Summary()
	if err := r.store.CompleteRun(ctx, run.ID, summary); err != nil {
		err = eris.Wrap(err, "pipeline: complete run")
		fail(err)
		return out, run, err
	}
	run.Status = model.RunStatusComplete
	run.Summary = summary
	log.Info("pipeline: run recorded", zap.Int("qualifying_patches", summary.QualifyingPatches))
	return out, run, nil
}
