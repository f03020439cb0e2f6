package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/goshawk-habitat/internal/classify"
	"github.com/sells-group/goshawk-habitat/internal/grid"
	"github.com/sells-group/goshawk-habitat/internal/model"
	"github.com/sells-group/goshawk-habitat/internal/store"
)

const side = 12

// smallScene tunes the config for a 12x12 scene of 30 m cells.
func smallScene() {
	cfg.Patch.MinAreaHa = 5
	cfg.Focal.RadiusCells = 1
	cfg.Focal.Threshold = 0.5
}

// writeAgeLayer writes a 12x12 age raster: 120 in the western six columns,
// 60 in the east.
func writeAgeLayer(t *testing.T, dir string) string {
	t.Helper()
	geom := grid.Geometry{Rows: side, Cols: side, CellSize: 30, OriginX: 1000, OriginY: 2000, CRS: "EPSG:3005"}
	age, err := grid.New(geom, -9999.0)
	require.NoError(t, err)
	for r := 0; r < side; r++ {
		for c := 0; c < side; c++ {
			v := 60.0
			if c < side/2 {
				v = 120
			}
			require.NoError(t, age.Set(r, c, v))
		}
	}
	path := filepath.Join(dir, "age.asc")
	require.NoError(t, writeFile(path, func(f *os.File) error { return grid.WriteASCII(f, age) }))
	return path
}

func TestRunAnalysis_Layers(t *testing.T) {
	dir := testConfig(t)
	smallScene()
	outDir := filepath.Join(dir, "out")

	out, run, err := runAnalysis(context.Background(), runOptions{
		Region: "test-region",
		Layers: []string{"proj_age=" + writeAgeLayer(t, dir)},
		OutDir: outDir,
	})
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, 72, out.Overlay.Summary.SuitableCells)

	for _, name := range []string{fileNesting, fileForaging, filePatches, fileQualifying,
		fileProportion, fileSufficient, fileSuitable, fileRank, fileSummary} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}

	suitable, err := readASCIIFile(filepath.Join(outDir, fileSuitable))
	require.NoError(t, err)
	v, err := suitable.At(5, 2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	st, err := store.Open(context.Background(), "sqlite", cfg.Store.DatabaseURL)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "test-region", got.Region)
	require.NotNil(t, got.Summary)
	assert.InDelta(t, 6.48, got.Summary.SuitableAreaHa, 1e-9)
	patches, err := st.ListPatches(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, patches, 1)
}

func TestRunAnalysis_Vector(t *testing.T) {
	dir := testConfig(t)
	smallScene()

	doc := `{"type": "FeatureCollection", "features": [
		{"type": "Feature", "id": 1, "properties": {"proj_age": 120, "bec_zone": "SBS"},
		 "geometry": {"type": "Polygon", "coordinates": [[[0,0],[180,0],[180,360],[0,360],[0,0]]]}},
		{"type": "Feature", "id": 2, "properties": {"proj_age": 60, "bec_zone": "SBS"},
		 "geometry": {"type": "Polygon", "coordinates": [[[180,0],[360,0],[360,360],[180,360],[180,0]]]}}
	]}`
	vector := filepath.Join(dir, "stands.geojson")
	require.NoError(t, os.WriteFile(vector, []byte(doc), 0o644))

	out, run, err := runAnalysis(context.Background(), runOptions{
		Vector:  vector,
		OutDir:  filepath.Join(dir, "out"),
		NoStore: true,
	})
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.Equal(t, side, out.Habitat.Nesting.Geometry().Rows)
	assert.Equal(t, side, out.Habitat.Nesting.Geometry().Cols)
	assert.Equal(t, 72, out.Overlay.Summary.SuitableCells)
}

func TestRunAnalysis_FailedRunIsRecorded(t *testing.T) {
	dir := testConfig(t)
	smallScene()
	// A rule on a layer the stack lacks fails at classifier construction.
	cfg.Classify.Forage = classify.RuleSet{Name: "forage", Rules: []classify.Rule{
		{Attribute: "crown_closure", Op: classify.OpGTE, Threshold: 30},
	}}

	_, run, err := runAnalysis(context.Background(), runOptions{
		Region: "r1",
		Layers: []string{"proj_age=" + writeAgeLayer(t, dir)},
		OutDir: filepath.Join(dir, "out"),
	})
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.NoFileExists(t, filepath.Join(dir, "out", fileSuitable))
}

func TestLoadStack_NeedsExactlyOneSource(t *testing.T) {
	testConfig(t)

	_, err := loadStack(context.Background(), runOptions{})
	assert.Error(t, err)

	_, err = loadStack(context.Background(), runOptions{Layers: []string{"a=b.asc"}, Vector: "x.geojson"})
	assert.Error(t, err)
}

func TestReadLayers_BadSpec(t *testing.T) {
	testConfig(t)
	_, err := readLayers([]string{"proj_age"})
	assert.Error(t, err)
	_, err = readLayers([]string{"proj_age=missing.asc"})
	assert.Error(t, err)
}

func TestMosaicFiles(t *testing.T) {
	dir := testConfig(t)
	west := grid.Geometry{Rows: 2, Cols: 2, CellSize: 10, OriginX: 0, OriginY: 20}
	east := grid.Geometry{Rows: 2, Cols: 2, CellSize: 10, OriginX: 20, OriginY: 20}
	paths := []string{filepath.Join(dir, "w.asc"), filepath.Join(dir, "e.asc")}
	for i, g := range []grid.Geometry{west, east} {
		layer, err := grid.FromSlice(g, -9999.0, []float64{1, 1, 1, 1})
		require.NoError(t, err)
		for j := range layer.Cells() {
			layer.Cells()[j] = float64(i + 1)
		}
		require.NoError(t, writeFile(paths[i], func(f *os.File) error { return grid.WriteASCII(f, layer) }))
	}

	outPath := filepath.Join(dir, "merged.asc")
	require.NoError(t, mosaicFiles(outPath, paths))

	merged, err := readASCIIFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, 4, merged.Geometry().Cols)
	v, _ := merged.At(0, 0)
	assert.Equal(t, 1.0, v)
	v, _ = merged.At(1, 3)
	assert.Equal(t, 2.0, v)
}

func TestWriteStack(t *testing.T) {
	dir := testConfig(t)
	g := grid.Geometry{Rows: 2, Cols: 2, CellSize: 10, OriginY: 20}
	layer, err := grid.New(g, -9999.0)
	require.NoError(t, err)
	s := grid.NewStack(g)
	require.NoError(t, s.Add("proj_age", layer))
	require.NoError(t, s.Add("crown_closure", layer.Clone()))

	require.NoError(t, writeStack(filepath.Join(dir, "layers"), s))
	assert.FileExists(t, filepath.Join(dir, "layers", "proj_age.asc"))
	assert.FileExists(t, filepath.Join(dir, "layers", "crown_closure.asc"))
}

func TestRasterizeFile_Mask(t *testing.T) {
	dir := testConfig(t)

	// An L shape: the western half plus the south-east quarter of 360x360 m.
	doc := `{"type": "FeatureCollection", "features": [
		{"type": "Feature", "id": 1, "properties": {"proj_age": 120},
		 "geometry": {"type": "Polygon", "coordinates": [[[0,0],[180,0],[180,360],[0,360],[0,0]]]}},
		{"type": "Feature", "id": 2, "properties": {"proj_age": 60},
		 "geometry": {"type": "Polygon", "coordinates": [[[180,0],[360,0],[360,180],[180,180],[180,0]]]}}
	]}`
	vector := filepath.Join(dir, "stands.geojson")
	require.NoError(t, os.WriteFile(vector, []byte(doc), 0o644))
	outDir := filepath.Join(dir, "layers")

	require.NoError(t, rasterizeFile(context.Background(), vector, outDir, true))
	assert.FileExists(t, filepath.Join(outDir, "proj_age.asc"))

	f, err := os.Open(filepath.Join(outDir, "mask.asc"))
	require.NoError(t, err)
	defer f.Close()
	mask, err := grid.ReadASCII(f, "EPSG:3005")
	require.NoError(t, err)
	assert.Equal(t, side, mask.Geometry().Rows)
	assert.Equal(t, side, mask.Geometry().Cols)

	var ones, zeros int
	for _, v := range mask.Cells() {
		switch v {
		case 1:
			ones++
		case 0:
			zeros++
		}
	}
	assert.Equal(t, 108, ones)
	assert.Equal(t, 36, zeros)
}

func TestRasterizeFile_NoMask(t *testing.T) {
	dir := testConfig(t)
	doc := `{"type": "FeatureCollection", "features": [
		{"type": "Feature", "id": 1, "properties": {"proj_age": 120},
		 "geometry": {"type": "Polygon", "coordinates": [[[0,0],[60,0],[60,60],[0,60],[0,0]]]}}
	]}`
	vector := filepath.Join(dir, "stand.geojson")
	require.NoError(t, os.WriteFile(vector, []byte(doc), 0o644))
	outDir := filepath.Join(dir, "layers")

	require.NoError(t, rasterizeFile(context.Background(), vector, outDir, false))
	assert.FileExists(t, filepath.Join(outDir, "proj_age.asc"))
	assert.NoFileExists(t, filepath.Join(outDir, "mask.asc"))
}
