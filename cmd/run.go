package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/goshawk-habitat/internal/grid"
	"github.com/sells-group/goshawk-habitat/internal/model"
	"github.com/sells-group/goshawk-habitat/internal/pipeline"
	"github.com/sells-group/goshawk-habitat/internal/rasterize"
	"github.com/sells-group/goshawk-habitat/internal/vri"
)

// runOptions selects the inputs and outputs of one analysis run.
type runOptions struct {
	Region  string
	Layers  []string
	Vector  string
	Extract bool
	Regions []string
	OutDir  string
	NoStore bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Map breeding habitat for one region",
	Long: `Builds the attribute stack for a region, then classifies nesting and foraging
habitat, labels nesting patches, runs the foraging window filter and writes the
suitability and rank grids as ESRI ASCII rasters.

The stack comes from exactly one of:
  --layer name=path.asc   (repeatable) pre-rasterized attribute layers
  --vector file           a shapefile or GeoJSON FeatureCollection
  --extract               polygons queried from the inventory database`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts := runOptions{}
		opts.Region, _ = cmd.Flags().GetString("region")
		opts.Layers, _ = cmd.Flags().GetStringArray("layer")
		opts.Vector, _ = cmd.Flags().GetString("vector")
		opts.Extract, _ = cmd.Flags().GetBool("extract")
		regions, _ := cmd.Flags().GetString("regions")
		opts.Regions = splitAndTrim(regions)
		opts.OutDir, _ = cmd.Flags().GetString("out")
		opts.NoStore, _ = cmd.Flags().GetBool("no-store")

		out, run, err := runAnalysis(ctx, opts)
		if err != nil {
			return err
		}
		printSummary(os.Stdout, run, out)
		return nil
	},
}

func init() {
	runCmd.Flags().String("region", "", "region label recorded with the run (default: extract.region_id)")
	runCmd.Flags().StringArray("layer", nil, "attribute layer as name=path.asc (repeatable)")
	runCmd.Flags().String("vector", "", "shapefile or GeoJSON file to rasterize")
	runCmd.Flags().Bool("extract", false, "extract polygons from the inventory database")
	runCmd.Flags().String("regions", "", "comma-separated region ids to extract and mosaic (default: --region)")
	runCmd.Flags().String("out", "out", "directory for output rasters")
	runCmd.Flags().Bool("no-store", false, "do not record the run in the run store")
	rootCmd.AddCommand(runCmd)
}

// runAnalysis builds the stack, runs the pipeline, records the run unless
// disabled and writes the output rasters.
func runAnalysis(ctx context.Context, opts runOptions) (*pipeline.Output, *model.Run, error) {
	if err := cfg.Validate("run"); err != nil {
		return nil, nil, err
	}
	if opts.Region == "" {
		opts.Region = cfg.Extract.RegionID
	}
	if len(opts.Regions) == 0 && opts.Region != "" {
		opts.Regions = []string{opts.Region}
	}
	log := zap.L().With(zap.String("command", "run"), zap.String("region", opts.Region))

	pc, err := cfg.Pipeline()
	if err != nil {
		return nil, nil, err
	}
	pc.Patch.Progress = func(done, total int) {
		log.Debug("patch tiles labeled", zap.Int("done", done), zap.Int("total", total))
	}
	pc.Focal.Progress = func(done, total int) {
		log.Debug("focal bands filtered", zap.Int("done", done), zap.Int("total", total))
	}

	stack, err := loadStack(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	log.Info("stack ready", zap.Stringer("geometry", stack.Geometry()), zap.Strings("layers", stack.Names()))

	var (
		out *pipeline.Output
		run *model.Run
	)
	if opts.NoStore {
		out, err = pipeline.Run(ctx, stack, pc)
	} else {
		st, serr := initStore(ctx)
		if serr != nil {
			return nil, nil, serr
		}
		defer st.Close() //nolint:errcheck
		out, run, err = pipeline.NewRecorder(st).Run(ctx, opts.Region, stack, pc)
	}
	if err != nil {
		return nil, run, eris.Wrap(err, "run")
	}

	if err := writeOutputs(opts.OutDir, out); err != nil {
		return out, run, err
	}
	return out, run, nil
}

// loadStack builds the attribute stack from whichever input was selected.
func loadStack(ctx context.Context, opts runOptions) (*grid.Stack, error) {
	sources := 0
	for _, set := range []bool{len(opts.Layers) > 0, opts.Vector != "", opts.Extract} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, eris.New("run: give exactly one of --layer, --vector or --extract")
	}

	switch {
	case len(opts.Layers) > 0:
		return readLayers(opts.Layers)
	case opts.Vector != "":
		feats, err := rasterize.ReadFile(opts.Vector)
		if err != nil {
			return nil, err
		}
		return burnFeatures(ctx, feats)
	default:
		polys, err := extractPolygons(ctx, opts.Regions)
		if err != nil {
			return nil, err
		}
		return burnFeatures(ctx, vri.Features(polys))
	}
}

// readLayers reads name=path ASCII rasters into one stack.
func readLayers(specs []string) (*grid.Stack, error) {
	var stack *grid.Stack
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, "=")
		if !ok || name == "" || path == "" {
			return nil, eris.Errorf("run: layer %q is not name=path", spec)
		}
		g, err := readASCIIFile(path)
		if err != nil {
			return nil, err
		}
		if stack == nil {
			stack = grid.NewStack(g.Geometry())
		}
		if err := stack.Add(name, g); err != nil {
			return nil, eris.Wrapf(err, "run: add layer %s", name)
		}
	}
	return stack, nil
}

func readASCIIFile(path string) (*grid.Grid[float64], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()
	g, err := grid.ReadASCII(f, cfg.Grid.CRS)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return g, nil
}

// burnFeatures rasterizes feats onto the configured lattice over their
// extent.
func burnFeatures(ctx context.Context, feats []rasterize.Feature) (*grid.Stack, error) {
	g, err := featureGeometry(feats)
	if err != nil {
		return nil, err
	}
	return rasterize.Burn(ctx, g, feats, cfg.RasterizeOptions())
}

// featureGeometry snaps the extent of feats to the configured lattice.
func featureGeometry(feats []rasterize.Feature) (grid.Geometry, error) {
	ext, err := rasterize.Extent(feats)
	if err != nil {
		return grid.Geometry{}, err
	}
	return grid.GeometryFor(ext, cfg.Grid.CellSize, cfg.Grid.CRS, cfg.Grid.PadCells)
}

// extractPolygons queries every region and merges the results.
func extractPolygons(ctx context.Context, regions []string) ([]vri.Polygon, error) {
	if len(regions) == 0 {
		return nil, eris.New("extract: no region ids (set --regions or extract.region_id)")
	}
	pool, err := extractPool(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	src := vri.NewPostgresSource(pool, vri.WithTables(cfg.Extract.Tables))
	results, err := vri.ExtractRegions(ctx, src, cfg.ExtractParams(""), regions, cfg.BatchOptions())
	if err != nil {
		return nil, eris.Wrap(err, "extract")
	}
	return vri.Merge(results), nil
}

// Output raster file names.
const (
	fileNesting    = "nesting.asc"
	fileForaging   = "foraging.asc"
	filePatches    = "patch_labels.asc"
	fileQualifying = "qualifying_patches.asc"
	fileProportion = "forage_proportion.asc"
	fileSufficient = "forage_sufficient.asc"
	fileSuitable   = "suitable.asc"
	fileRank       = "rank.asc"
	fileSummary    = "summary.json"
)

// writeOutputs writes every output grid and the run summary to dir.
func writeOutputs(dir string, out *pipeline.Output) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "create output dir %s", dir)
	}
	writes := []struct {
		name  string
		write func(f *os.File) error
	}{
		{fileNesting, func(f *os.File) error { return grid.WriteASCII(f, out.Habitat.Nesting) }},
		{fileForaging, func(f *os.File) error { return grid.WriteASCII(f, out.Habitat.Foraging) }},
		{filePatches, func(f *os.File) error { return grid.WriteASCII(f, out.Patches.Labels) }},
		{fileQualifying, func(f *os.File) error { return grid.WriteASCII(f, out.Patches.Qualifying) }},
		{fileProportion, func(f *os.File) error { return grid.WriteASCII(f, out.Forage.Proportion) }},
		{fileSufficient, func(f *os.File) error { return grid.WriteASCII(f, out.Forage.Sufficient) }},
		{fileSuitable, func(f *os.File) error { return grid.WriteASCII(f, out.Overlay.Suitable) }},
		{fileRank, func(f *os.File) error { return grid.WriteASCII(f, out.Overlay.Rank) }},
		{fileSummary, func(f *os.File) error {
			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			return enc.Encode(out.Summary())
		}},
	}
	for _, w := range writes {
		if err := writeFile(filepath.Join(dir, w.name), w.write); err != nil {
			return err
		}
	}
	zap.L().Info("outputs written", zap.String("dir", dir), zap.Int("files", len(writes)))
	return nil
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return eris.Wrapf(err, "write %s", path)
	}
	return eris.Wrapf(f.Close(), "close %s", path)
}

func printSummary(w *os.File, run *model.Run, out *pipeline.Output) {
	s := out.Summary()
	if run != nil {
		fmt.Fprintf(w, "Run %s (%s)\n", run.ID, run.Status)
	}
	fmt.Fprintf(w, "Grid:               %dx%d @ %gm %s\n", s.Rows, s.Cols, s.CellSize, s.CRS)
	fmt.Fprintf(w, "Qualifying patches: %d of %d (largest %.1f ha)\n", s.QualifyingPatches, s.Patches, s.MaxQualifyingAreaHa)
	fmt.Fprintf(w, "Sufficient forage:  %d cells\n", s.SufficientCells)
	fmt.Fprintf(w, "Suitable habitat:   %d cells, %.1f ha\n", s.SuitableCells, s.SuitableAreaHa)
	fmt.Fprintf(w, "Rank:               mean %.3f, max %.3f\n", s.MeanRank, s.MaxRank)
}
