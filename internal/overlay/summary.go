package overlay

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/goshawk-habitat/internal/grid"
	"github.com/sells-group/goshawk-habitat/internal/patch"
)

// PatchSummary describes how much of one qualifying patch ended up suitable.
type PatchSummary struct {
	ID            int32   `json:"id"`
	Cells         int     `json:"cells"`
	AreaHa        float64 `json:"area_ha"`
	SuitableCells int     `json:"suitable_cells"`
	SuitableHa    float64 `json:"suitable_ha"`
	MeanRank      float64 `json:"mean_rank"`
}

// Summary aggregates the suitable area of one run.
type Summary struct {
	SuitableCells       int            `json:"suitable_cells"`
	SuitableAreaHa      float64        `json:"suitable_area_ha"`
	QualifyingPatches   int            `json:"qualifying_patches"`
	MeanRank            float64        `json:"mean_rank"`
	MaxRank             float64        `json:"max_rank"`
	MeanForageShare     float64        `json:"mean_forage_share"`
	MaxQualifyingAreaHa float64        `json:"max_qualifying_area_ha"`
	Patches             []PatchSummary `json:"patches"`
}

func summarize(suitable *grid.Grid[uint8], rank *grid.Grid[float64], patches *patch.Result, prop *grid.Grid[float64]) Summary {
	cellHa := suitable.Geometry().CellAreaHa()
	sc, rc, pc, lc := suitable.Cells(), rank.Cells(), prop.Cells(), patches.Labels.Cells()

	var ranks, shares []float64
	perPatch := map[int32][]float64{}
	for i, s := range sc {
		if s != True {
			continue
		}
		ranks = append(ranks, rc[i])
		shares = append(shares, pc[i])
		perPatch[lc[i]] = append(perPatch[lc[i]], rc[i])
	}

	sum := Summary{
		SuitableCells:       len(ranks),
		SuitableAreaHa:      float64(len(ranks)) * cellHa,
		QualifyingPatches:   len(patches.QualifyingPatches()),
		MaxQualifyingAreaHa: patches.MaxQualifyingAreaHa,
	}
	if len(ranks) > 0 {
		sum.MeanRank = stat.Mean(ranks, nil)
		sum.MaxRank = floats.Max(ranks)
		sum.MeanForageShare = stat.Mean(shares, nil)
	}

	for id, rs := range perPatch {
		p, ok := patches.Patch(id)
		if !ok {
			continue
		}
		sum.Patches = append(sum.Patches, PatchSummary{
			ID:            id,
			Cells:         p.Cells,
			AreaHa:        p.AreaHa,
			SuitableCells: len(rs),
			SuitableHa:    float64(len(rs)) * cellHa,
			MeanRank:      stat.Mean(rs, nil),
		})
	}
	sort.Slice(sum.Patches, func(i, j int) bool {
		if sum.Patches[i].MeanRank != sum.Patches[j].MeanRank {
			return sum.Patches[i].MeanRank > sum.Patches[j].MeanRank
		}
		return sum.Patches[i].ID < sum.Patches[j].ID
	})
	return sum
}
