// Package model holds the records persisted for each habitat analysis run.
package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the state of an analysis run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusFailed
}

// Run is one execution of the habitat pipeline over a region.
type Run struct {
	ID        string          `json:"id"`
	Region    string          `json:"region"`
	Status    RunStatus       `json:"status"`
	Config    json.RawMessage `json:"config,omitempty"`
	Summary   *RunSummary     `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RunSummary holds the headline figures of a completed run.
type RunSummary struct {
	Rows                int     `json:"rows"`
	Cols                int     `json:"cols"`
	CellSize            float64 `json:"cell_size"`
	CRS                 string  `json:"crs,omitempty"`
	NestingCells        int     `json:"nesting_cells"`
	Patches             int     `json:"patches"`
	QualifyingPatches   int     `json:"qualifying_patches"`
	MaxQualifyingAreaHa float64 `json:"max_qualifying_area_ha"`
	SufficientCells     int     `json:"sufficient_cells"`
	SuitableCells       int     `json:"suitable_cells"`
	SuitableAreaHa      float64 `json:"suitable_area_ha"`
	MeanRank            float64 `json:"mean_rank"`
	MaxRank             float64 `json:"max_rank"`
	MeanForageShare     float64 `json:"mean_forage_share"`
	Phases              []Phase `json:"phases,omitempty"`
}

// Phase records the wall time of one pipeline stage.
type Phase struct {
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
}

// PatchRecord is one qualifying nesting patch of a run.
type PatchRecord struct {
	RunID         string  `json:"run_id"`
	PatchID       int32   `json:"patch_id"`
	Cells         int     `json:"cells"`
	AreaHa        float64 `json:"area_ha"`
	SuitableCells int     `json:"suitable_cells"`
	SuitableHa    float64 `json:"suitable_ha"`
	MeanRank      float64 `json:"mean_rank"`
	AnchorRow     int     `json:"anchor_row"`
	AnchorCol     int     `json:"anchor_col"`
}
