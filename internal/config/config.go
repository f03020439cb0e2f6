package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/goshawk-habitat/internal/classify"
	"github.com/sells-group/goshawk-habitat/internal/db"
	"github.com/sells-group/goshawk-habitat/internal/focal"
	"github.com/sells-group/goshawk-habitat/internal/overlay"
	"github.com/sells-group/goshawk-habitat/internal/patch"
	"github.com/sells-group/goshawk-habitat/internal/pipeline"
	"github.com/sells-group/goshawk-habitat/internal/rasterize"
	"github.com/sells-group/goshawk-habitat/internal/vri"
)

// Config holds the full application configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Grid      GridConfig      `yaml:"grid" mapstructure:"grid"`
	Classify  ClassifyConfig  `yaml:"classify" mapstructure:"classify"`
	Patch     PatchConfig     `yaml:"patch" mapstructure:"patch"`
	Focal     FocalConfig     `yaml:"focal" mapstructure:"focal"`
	Rank      RankConfig      `yaml:"rank" mapstructure:"rank"`
	Rasterize RasterizeConfig `yaml:"rasterize" mapstructure:"rasterize"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// GridConfig sets the lattice rasterized inputs are snapped to.
type GridConfig struct {
	CellSize float64 `yaml:"cell_size" mapstructure:"cell_size"`
	CRS      string  `yaml:"crs" mapstructure:"crs"`
	PadCells int     `yaml:"pad_cells" mapstructure:"pad_cells"`
}

// ClassifyConfig holds the rule sets. RulesFile, when set, replaces every
// inline rule set.
type ClassifyConfig struct {
	RulesFile         string           `yaml:"rules_file" mapstructure:"rules_file"`
	Nesting           classify.RuleSet `yaml:"nesting" mapstructure:"nesting"`
	Forage            classify.RuleSet `yaml:"forage" mapstructure:"forage"`
	HighQualityForage classify.RuleSet `yaml:"high_quality_forage" mapstructure:"high_quality_forage"`
	Workers           int              `yaml:"workers" mapstructure:"workers"`
}

// PatchConfig configures nesting patch labeling.
type PatchConfig struct {
	MinAreaHa float64 `yaml:"min_area_ha" mapstructure:"min_area_ha"`
	Strict    bool    `yaml:"strict" mapstructure:"strict"`
	TileRows  int     `yaml:"tile_rows" mapstructure:"tile_rows"`
	Workers   int     `yaml:"workers" mapstructure:"workers"`
}

// FocalConfig configures the foraging window filter.
type FocalConfig struct {
	RadiusKm    float64 `yaml:"radius_km" mapstructure:"radius_km"`
	RadiusCells float64 `yaml:"radius_cells" mapstructure:"radius_cells"`
	Threshold   float64 `yaml:"threshold" mapstructure:"threshold"`
	Strict      bool    `yaml:"strict" mapstructure:"strict"`
	Workers     int     `yaml:"workers" mapstructure:"workers"`
}

// RankConfig weights the two rank components.
type RankConfig struct {
	AreaWeight   float64 `yaml:"area_weight" mapstructure:"area_weight"`
	ForageWeight float64 `yaml:"forage_weight" mapstructure:"forage_weight"`
}

// RasterizeConfig controls how polygons are burned.
type RasterizeConfig struct {
	Priority string            `yaml:"priority" mapstructure:"priority"`
	Numeric  []string          `yaml:"numeric" mapstructure:"numeric"`
	Text     []string          `yaml:"text" mapstructure:"text"`
	Aliases  map[string]string `yaml:"aliases" mapstructure:"aliases"`
}

// ExtractConfig configures PostGIS polygon extraction.
type ExtractConfig struct {
	DatabaseURL           string     `yaml:"database_url" mapstructure:"database_url"`
	RegionID              string     `yaml:"region_id" mapstructure:"region_id"`
	MinAge                float64    `yaml:"min_age" mapstructure:"min_age"`
	MinHeight             float64    `yaml:"min_height" mapstructure:"min_height"`
	MinCrownClosure       float64    `yaml:"min_crown_closure" mapstructure:"min_crown_closure"`
	MaxSiteIndex          float64    `yaml:"max_site_index" mapstructure:"max_site_index"`
	DisturbanceCutoffYear int        `yaml:"disturbance_cutoff_year" mapstructure:"disturbance_cutoff_year"`
	ToleranceM            float64    `yaml:"tolerance_m" mapstructure:"tolerance_m"`
	OutputSRID            int        `yaml:"output_srid" mapstructure:"output_srid"`
	Concurrency           int        `yaml:"concurrency" mapstructure:"concurrency"`
	QueriesPerSec         float64    `yaml:"queries_per_sec" mapstructure:"queries_per_sec"`
	MaxConns              int32      `yaml:"max_conns" mapstructure:"max_conns"`
	Tables                vri.Tables `yaml:"tables" mapstructure:"tables"`
}

// StoreConfig configures the run store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GOSHAWK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("grid.cell_size", 30)
	v.SetDefault("grid.crs", "EPSG:3005")
	v.SetDefault("grid.pad_cells", 0)
	v.SetDefault("classify.rules_file", "")
	v.SetDefault("patch.min_area_ha", 200)
	v.SetDefault("patch.tile_rows", 0)
	v.SetDefault("focal.radius_km", 2.764)
	v.SetDefault("focal.radius_cells", 0)
	v.SetDefault("focal.threshold", 0.55)
	v.SetDefault("rank.area_weight", 0.5)
	v.SetDefault("rank.forage_weight", 0.5)
	v.SetDefault("rasterize.priority", vri.AttrAge)
	v.SetDefault("extract.database_url", "")
	v.SetDefault("extract.min_age", 100)
	v.SetDefault("extract.min_height", 0)
	v.SetDefault("extract.min_crown_closure", 0)
	v.SetDefault("extract.max_site_index", 0)
	v.SetDefault("extract.disturbance_cutoff_year", 0)
	v.SetDefault("extract.tolerance_m", 0)
	v.SetDefault("extract.output_srid", 3005)
	v.SetDefault("extract.concurrency", 3)
	v.SetDefault("extract.queries_per_sec", 2)
	v.SetDefault("extract.max_conns", 4)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "goshawk.db")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// DefaultRules returns the rule sets used when the configuration names
// none: nesting in stands older than 100 years, forage older than 40 and
// high-quality forage older than 80.
func DefaultRules() classify.Config {
	age := func(name string, years float64) classify.RuleSet {
		return classify.RuleSet{Name: name, Rules: []classify.Rule{
			{Attribute: vri.AttrAge, Op: classify.OpGT, Threshold: years},
		}}
	}
	return classify.Config{
		Nesting:           age("nesting", 100),
		Forage:            age("forage", 40),
		HighQualityForage: age("high_quality_forage", 80),
	}
}

// Rules resolves the classifier configuration: the rules file when set,
// otherwise the inline rule sets, with defaults filling any that are empty.
func (c *Config) Rules() (classify.Config, error) {
	var rules classify.Config
	if c.Classify.RulesFile != "" {
		loaded, err := classify.LoadRuleFile(c.Classify.RulesFile)
		if err != nil {
			return classify.Config{}, err
		}
		rules = loaded
	} else {
		def := DefaultRules()
		rules = classify.Config{
			Nesting:           c.Classify.Nesting,
			Forage:            c.Classify.Forage,
			HighQualityForage: c.Classify.HighQualityForage,
		}
		if len(rules.Nesting.Rules) == 0 {
			rules.Nesting = def.Nesting
		}
		if len(rules.Forage.Rules) == 0 {
			rules.Forage = def.Forage
		}
		if len(rules.HighQualityForage.Rules) == 0 {
			rules.HighQualityForage = def.HighQualityForage
		}
	}
	rules.Workers = c.Classify.Workers
	if err := rules.Validate(); err != nil {
		return classify.Config{}, err
	}
	return rules, nil
}

// Pipeline builds the analysis configuration.
func (c *Config) Pipeline() (pipeline.Config, error) {
	rules, err := c.Rules()
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Classify: rules,
		Patch: patch.Options{
			MinAreaHa: c.Patch.MinAreaHa,
			Strict:    c.Patch.Strict,
			TileRows:  c.Patch.TileRows,
			Workers:   c.Patch.Workers,
		},
		Focal: focal.Options{
			RadiusKm:    c.Focal.RadiusKm,
			RadiusCells: c.Focal.RadiusCells,
			Threshold:   c.Focal.Threshold,
			Strict:      c.Focal.Strict,
			Workers:     c.Focal.Workers,
		},
		Rank: overlay.Options{
			AreaWeight:   c.Rank.AreaWeight,
			ForageWeight: c.Rank.ForageWeight,
		},
	}, nil
}

// ExtractParams returns the extraction bind parameters for regionID, or for
// the configured region when regionID is empty.
func (c *Config) ExtractParams(regionID string) vri.Params {
	if regionID == "" {
		regionID = c.Extract.RegionID
	}
	return vri.Params{
		RegionID:              regionID,
		MinAge:                c.Extract.MinAge,
		MinHeight:             c.Extract.MinHeight,
		MinCrownClosure:       c.Extract.MinCrownClosure,
		MaxSiteIndex:          c.Extract.MaxSiteIndex,
		DisturbanceCutoffYear: c.Extract.DisturbanceCutoffYear,
		ToleranceM:            c.Extract.ToleranceM,
		OutputSRID:            c.Extract.OutputSRID,
	}
}

// BatchOptions returns the multi-region extraction limits.
func (c *Config) BatchOptions() vri.BatchOptions {
	return vri.BatchOptions{Concurrency: c.Extract.Concurrency, QueriesPerSec: c.Extract.QueriesPerSec}
}

// PoolConfig returns the extraction pool limits.
func (c *Config) PoolConfig() *db.PoolConfig {
	return &db.PoolConfig{MaxConns: c.Extract.MaxConns}
}

// RasterizeOptions returns the burn options.
func (c *Config) RasterizeOptions() rasterize.Options {
	return rasterize.Options{
		Numeric:  c.Rasterize.Numeric,
		Text:     c.Rasterize.Text,
		Aliases:  c.Rasterize.Aliases,
		Priority: c.Rasterize.Priority,
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
