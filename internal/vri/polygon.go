package vri

import (
	"github.com/twpayne/go-geom"

	"github.com/sells-group/goshawk-habitat/internal/rasterize"
)

// Attribute names carried by extracted polygons.
const (
	AttrAge          = "proj_age"
	AttrHeight       = "proj_height"
	AttrCrownClosure = "crown_closure"
	AttrSiteIndex    = "site_index"
	AttrZone         = "bec_zone"
	AttrSubzone      = "bec_subzone"
)

// Polygon is one attributed vegetation polygon.
type Polygon struct {
	FeatureID    int64
	Age          *float64
	Height       *float64
	CrownClosure *float64
	SiteIndex    *float64
	Zone         string
	Subzone      string
	Geometry     geom.T
}

// Feature converts p for rasterization. Missing numeric attributes are
// left out so they burn as nodata.
func (p Polygon) Feature() rasterize.Feature {
	f := rasterize.Feature{
		ID:       p.FeatureID,
		Geometry: p.Geometry,
		Numeric:  map[string]float64{},
		Text:     map[string]string{},
	}
	for name, v := range map[string]*float64{
		AttrAge:          p.Age,
		AttrHeight:       p.Height,
		AttrCrownClosure: p.CrownClosure,
		AttrSiteIndex:    p.SiteIndex,
	} {
		if v != nil {
			f.Numeric[name] = *v
		}
	}
	if p.Zone != "" {
		f.Text[AttrZone] = p.Zone
	}
	if p.Subzone != "" {
		f.Text[AttrSubzone] = p.Subzone
	}
	return f
}

// Features converts a batch of polygons.
func Features(polys []Polygon) []rasterize.Feature {
	out := make([]rasterize.Feature, len(polys))
	for i, p := range polys {
		out[i] = p.Feature()
	}
	return out
}

func (p Polygon) properties() map[string]any {
	props := map[string]any{"feature_id": p.FeatureID}
	for name, v := range map[string]*float64{
		AttrAge:          p.Age,
		AttrHeight:       p.Height,
		AttrCrownClosure: p.CrownClosure,
		AttrSiteIndex:    p.SiteIndex,
	} {
		if v != nil {
			props[name] = *v
		} else {
			props[name] = nil
		}
	}
	props[AttrZone] = p.Zone
	props[AttrSubzone] = p.Subzone
	return props
}
