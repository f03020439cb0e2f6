// Package vri extracts attributed vegetation polygons for a region from a
// PostGIS copy of the vegetation resources inventory.
package vri

import (
	"github.com/sells-group/goshawk-habitat/internal/grid"
)

// DefaultOutputSRID is the geographic system extracted geometry is
// returned in unless Params.OutputSRID says otherwise.
const DefaultOutputSRID = 4326

// Params are the bind parameters of one extraction.
type Params struct {
	// RegionID selects the planning unit to clip to.
	RegionID string `json:"region_id" mapstructure:"region_id"`
	// MinAge, MinHeight and MinCrownClosure are inclusive lower bounds on
	// the leading species layer.
	MinAge          float64 `json:"min_age" mapstructure:"min_age"`
	MinHeight       float64 `json:"min_height" mapstructure:"min_height"`
	MinCrownClosure float64 `json:"min_crown_closure" mapstructure:"min_crown_closure"`
	// MaxSiteIndex is an inclusive upper bound; 0 disables it.
	MaxSiteIndex float64 `json:"max_site_index" mapstructure:"max_site_index"`
	// DisturbanceCutoffYear erases fire and harvest polygons from this year
	// on; 0 disables erasing.
	DisturbanceCutoffYear int `json:"disturbance_cutoff_year" mapstructure:"disturbance_cutoff_year"`
	// ToleranceM simplifies output geometry to this distance in metres.
	ToleranceM float64 `json:"tolerance_m" mapstructure:"tolerance_m"`
	// OutputSRID is the EPSG code of returned geometry.
	OutputSRID int `json:"output_srid" mapstructure:"output_srid"`
}

// Validate rejects parameters the query cannot use.
func (p Params) Validate() error {
	switch {
	case p.RegionID == "":
		return grid.NewConfigurationError("extract.region_id", "is required")
	case p.MinAge < 0:
		return grid.NewConfigurationError("extract.min_age", "must not be negative, got %g", p.MinAge)
	case p.MinHeight < 0:
		return grid.NewConfigurationError("extract.min_height", "must not be negative, got %g", p.MinHeight)
	case p.MinCrownClosure < 0 || p.MinCrownClosure > 100:
		return grid.NewConfigurationError("extract.min_crown_closure", "must be within [0, 100], got %g", p.MinCrownClosure)
	case p.MaxSiteIndex < 0:
		return grid.NewConfigurationError("extract.max_site_index", "must not be negative, got %g", p.MaxSiteIndex)
	case p.DisturbanceCutoffYear < 0:
		return grid.NewConfigurationError("extract.disturbance_cutoff_year", "must not be negative, got %d", p.DisturbanceCutoffYear)
	case p.ToleranceM < 0:
		return grid.NewConfigurationError("extract.tolerance_m", "must not be negative, got %g", p.ToleranceM)
	case p.OutputSRID < 0:
		return grid.NewConfigurationError("extract.output_srid", "must not be negative, got %d", p.OutputSRID)
	}
	return nil
}

func (p Params) srid() int {
	if p.OutputSRID == 0 {
		return DefaultOutputSRID
	}
	return p.OutputSRID
}

// Tables names the source relations. Columns follow the provincial
// warehouse layouts.
type Tables struct {
	Vegetation string `json:"vegetation" mapstructure:"vegetation"`
	Regions    string `json:"regions" mapstructure:"regions"`
	Fires      string `json:"fires" mapstructure:"fires"`
	Cutblocks  string `json:"cutblocks" mapstructure:"cutblocks"`
}

// DefaultTables returns the warehouse table names.
func DefaultTables() Tables {
	return Tables{
		Vegetation: "whse_forest_vegetation.veg_comp_lyr_r1_poly",
		Regions:    "whse_admin_boundaries.fadm_tsa",
		Fires:      "whse_land_and_natural_resource.prot_historical_fire_polys_sp",
		Cutblocks:  "whse_forest_vegetation.veg_consolidated_cut_blocks_sp",
	}
}

func (t Tables) withDefaults() Tables {
	def := DefaultTables()
	if t.Vegetation == "" {
		t.Vegetation = def.Vegetation
	}
	if t.Regions == "" {
		t.Regions = def.Regions
	}
	if t.Fires == "" {
		t.Fires = def.Fires
	}
	if t.Cutblocks == "" {
		t.Cutblocks = def.Cutblocks
	}
	return t
}
