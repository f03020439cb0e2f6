package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings a command mode needs. Modes: run, extract,
// store.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "run":
		if !(c.Grid.CellSize > 0) {
			add("grid.cell_size must be > 0")
		}
		if c.Grid.PadCells < 0 {
			add("grid.pad_cells must be >= 0")
		}
		if c.Patch.MinAreaHa < 0 {
			add("patch.min_area_ha must be >= 0")
		}
		if c.Patch.TileRows < 0 {
			add("patch.tile_rows must be >= 0")
		}
		if c.Focal.RadiusKm <= 0 && c.Focal.RadiusCells <= 0 {
			add("focal.radius_km or focal.radius_cells must be > 0")
		}
		if c.Focal.Threshold < 0 || c.Focal.Threshold > 1 {
			add("focal.threshold must be between 0 and 1")
		}
		if c.Rank.AreaWeight < 0 || c.Rank.ForageWeight < 0 {
			add("rank weights must be >= 0")
		} else if c.Rank.AreaWeight+c.Rank.ForageWeight == 0 {
			add("rank weights must not both be 0")
		}
	case "extract":
		if c.Extract.DatabaseURL == "" {
			add("extract.database_url is required")
		}
		if c.Extract.Concurrency < 1 || c.Extract.Concurrency > 32 {
			add("extract.concurrency must be between 1 and 32")
		}
		if c.Extract.QueriesPerSec < 0 {
			add("extract.queries_per_sec must be >= 0")
		}
	case "store":
		switch c.Store.Driver {
		case "", "sqlite", "postgres":
		default:
			add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
		}
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}
