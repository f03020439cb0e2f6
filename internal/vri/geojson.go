package vri

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// WriteFeatureCollection writes polys as a GeoJSON FeatureCollection whose
// feature properties are the polygon attributes.
func WriteFeatureCollection(w io.Writer, polys []Polygon) error {
	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(polys))}
	for _, p := range polys {
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         strconv.FormatInt(p.FeatureID, 10),
			Geometry:   p.Geometry,
			Properties: p.properties(),
		})
	}
	data, err := json.Marshal(&fc)
	if err != nil {
		return eris.Wrap(err, "vri: encode feature collection")
	}
	if _, err := w.Write(data); err != nil {
		return eris.Wrap(err, "vri: write feature collection")
	}
	return nil
}
