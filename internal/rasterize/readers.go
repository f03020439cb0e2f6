package rasterize

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"
)

// idFields are attribute names taken as the feature id when present.
var idFields = []string{"feature_id", "id", "fid"}

// ReadFile reads features from a shapefile (.shp) or GeoJSON
// (.geojson, .json) file.
func ReadFile(path string) ([]Feature, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return ReadShapefile(path)
	case ".geojson", ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "rasterize: open %s", path)
		}
		defer func() { _ = f.Close() }()
		return ReadGeoJSON(f)
	default:
		return nil, eris.Errorf("rasterize: unsupported vector format %q", filepath.Ext(path))
	}
}

type rawFeature struct {
	ID         json.RawMessage `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// ReadGeoJSON reads a FeatureCollection. Numeric properties become numeric
// attributes (booleans as 0/1), strings become text attributes and nulls
// are dropped. Features without areal geometry are skipped.
func ReadGeoJSON(r io.Reader) ([]Feature, error) {
	var fc struct {
		Type     string       `json:"type"`
		Features []rawFeature `json:"features"`
	}
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, eris.Wrap(err, "rasterize: decode feature collection")
	}
	if fc.Type != "" && fc.Type != "FeatureCollection" {
		return nil, eris.Errorf("rasterize: expected FeatureCollection, got %s", fc.Type)
	}

	var (
		out     []Feature
		skipped int
	)
	for i, rf := range fc.Features {
		f := Feature{Numeric: map[string]float64{}, Text: map[string]string{}}
		for k, v := range rf.Properties {
			switch t := v.(type) {
			case float64:
				f.Numeric[k] = t
			case bool:
				if t {
					f.Numeric[k] = 1
				} else {
					f.Numeric[k] = 0
				}
			case string:
				f.Text[k] = t
			}
		}
		f.ID = featureID(rf.ID, f.Numeric, int64(i+1))

		if len(rf.Geometry) == 0 || bytes.Equal(bytes.TrimSpace(rf.Geometry), []byte("null")) {
			skipped++
			continue
		}
		var g geom.T
		if err := geojson.Unmarshal(rf.Geometry, &g); err != nil {
			return nil, eris.Wrapf(err, "rasterize: decode geometry of feature %d", f.ID)
		}
		areal, err := Areal(g)
		if err != nil {
			skipped++
			continue
		}
		f.Geometry = areal
		out = append(out, f)
	}
	if skipped > 0 {
		zap.L().Debug("rasterize: skipped non-areal features", zap.Int("skipped", skipped))
	}
	return out, nil
}

// featureID prefers the GeoJSON id, then an id attribute, then fallback.
func featureID(raw json.RawMessage, numeric map[string]float64, fallback int64) int64 {
	if len(raw) > 0 {
		s := strings.Trim(string(raw), `"`)
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			return id
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil && v == math.Trunc(v) {
			return int64(v)
		}
	}
	for _, name := range idFields {
		if v, ok := numeric[name]; ok && v == math.Trunc(v) {
			return int64(v)
		}
	}
	return fallback
}

// ReadShapefile reads the polygons of a shapefile. Field names are
// lowercased; numeric (N, F) fields become numeric attributes and every
// other field a text attribute. Blank values are dropped.
func ReadShapefile(path string) ([]Feature, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rasterize: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	numeric := make([]bool, len(fields))
	for i, f := range fields {
		names[i] = strings.ToLower(strings.TrimRight(f.String(), "\x00"))
		numeric[i] = f.Fieldtype == 'N' || f.Fieldtype == 'F'
	}

	var (
		out     []Feature
		skipped int
	)
	for reader.Next() {
		n, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok || poly == nil {
			skipped++
			continue
		}
		g := shapePolygon(poly)
		if g == nil {
			skipped++
			continue
		}

		f := Feature{Geometry: g, Numeric: map[string]float64{}, Text: map[string]string{}}
		for i, name := range names {
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			if val == "" {
				continue
			}
			if numeric[i] {
				if v, err := strconv.ParseFloat(val, 64); err == nil {
					f.Numeric[name] = v
				}
				continue
			}
			f.Text[name] = val
		}
		f.ID = featureID(nil, f.Numeric, int64(n+1))
		out = append(out, f)
	}
	if skipped > 0 {
		zap.L().Debug("rasterize: skipped shapefile records",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	return out, nil
}

// shapePolygon turns the parts of a shapefile polygon into a MultiPolygon.
// Clockwise parts are outer rings; each counter-clockwise part becomes a
// hole of the outer ring containing it, or an outer ring of its own when
// none does.
func shapePolygon(p *shp.Polygon) geom.T {
	if p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}
	var outers, holes [][]float64
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 4 {
			continue
		}
		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		if signedArea(flat) <= 0 {
			outers = append(outers, flat)
		} else {
			holes = append(holes, flat)
		}
	}

	owned := make([][][]float64, len(outers))
	for _, h := range holes {
		home := -1
		for i, o := range outers {
			if ringContains(o, h[0], h[1]) {
				home = i
				break
			}
		}
		if home < 0 {
			outers = append(outers, h)
			owned = append(owned, nil)
			continue
		}
		owned[home] = append(owned[home], h)
	}

	mp := geom.NewMultiPolygon(geom.XY)
	for i, o := range outers {
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, o)); err != nil {
			continue
		}
		for _, h := range owned[i] {
			if err := poly.Push(geom.NewLinearRingFlat(geom.XY, h)); err != nil {
				zap.L().Debug("rasterize: skipping malformed hole", zap.Error(err))
			}
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("rasterize: skipping malformed polygon part", zap.Error(err))
		}
	}
	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// signedArea is positive for counter-clockwise rings.
func signedArea(flat []float64) float64 {
	n := len(flat) / 2
	a := 0.0
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		a += flat[2*i]*flat[2*j+1] - flat[2*j]*flat[2*i+1]
	}
	return a / 2
}

// ringContains reports whether (x, y) lies inside ring by the even-odd rule.
func ringContains(flat []float64, x, y float64) bool {
	in := false
	n := len(flat) / 2
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := flat[2*i], flat[2*i+1]
		xj, yj := flat[2*j], flat[2*j+1]
		if (yi > y) != (yj > y) && x < xi+(y-yi)*(xj-xi)/(yj-yi) {
			in = !in
		}
	}
	return in
}
