// Package classify turns an attributed grid stack into the nesting and
// foraging habitat grids by evaluating declarative threshold rules per cell.
package classify

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/goshawk-habitat/internal/grid"
)

// Op is a rule comparison operator.
type Op string

// Supported operators. Strict and inclusive comparisons are both available;
// each rule declares its own.
const (
	OpGT  Op = "gt"
	OpGTE Op = "gte"
	OpLT  Op = "lt"
	OpLTE Op = "lte"
	OpEQ  Op = "eq"
	OpNE  Op = "ne"
	OpIn  Op = "in"
)

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE, OpIn:
		return true
	}
	return false
}

// Compare applies op to v and threshold. OpIn is handled by the caller.
func (op Op) Compare(v, threshold float64) bool {
	switch op {
	case OpGT:
		return v > threshold
	case OpGTE:
		return v >= threshold
	case OpLT:
		return v < threshold
	case OpLTE:
		return v <= threshold
	case OpEQ:
		return v == threshold
	case OpNE:
		return v != threshold
	}
	return false
}

// Missing policies decide how a rule treats a nodata attribute cell.
const (
	// MissingNodata makes the cell nodata unless another rule fails it.
	// It is the default for every rule except disturbance rules.
	MissingNodata = ""
	// MissingPass treats the rule as satisfied, e.g. a stand with no
	// recorded disturbance counts as never disturbed.
	MissingPass = "pass"
	// MissingFail treats the rule as not satisfied.
	MissingFail = "fail"
)

// Rule is one predicate over a stack attribute. Negate turns the rule into an
// exclusion: the cell qualifies only when the comparison does not hold.
//
// Disturbance marks a recency rule over years since fire or harvest. A cell
// with no recorded disturbance has never been disturbed, so such a rule passes
// on missing input unless OnMissing says otherwise.
type Rule struct {
	Attribute   string    `yaml:"attribute" mapstructure:"attribute" json:"attribute"`
	Op          Op        `yaml:"op" mapstructure:"op" json:"op"`
	Threshold   float64   `yaml:"threshold" mapstructure:"threshold" json:"threshold,omitempty"`
	Codes       []string  `yaml:"codes" mapstructure:"codes" json:"codes,omitempty"`
	Values      []float64 `yaml:"values" mapstructure:"values" json:"values,omitempty"`
	Negate      bool      `yaml:"negate" mapstructure:"negate" json:"negate,omitempty"`
	OnMissing   string    `yaml:"on_missing" mapstructure:"on_missing" json:"on_missing,omitempty"`
	Disturbance bool      `yaml:"disturbance" mapstructure:"disturbance" json:"disturbance,omitempty"`
}

func (r Rule) missingPolicy() string {
	if r.OnMissing == MissingNodata && r.Disturbance {
		return MissingPass
	}
	return r.OnMissing
}

// RuleSet is an ordered list of rules combined with AND.
type RuleSet struct {
	Name  string `yaml:"name" mapstructure:"name" json:"name"`
	Rules []Rule `yaml:"rules" mapstructure:"rules" json:"rules"`
}

// Config is the full rule configuration of a classifier.
type Config struct {
	Nesting           RuleSet `yaml:"nesting" mapstructure:"nesting" json:"nesting"`
	Forage            RuleSet `yaml:"forage" mapstructure:"forage" json:"forage"`
	HighQualityForage RuleSet `yaml:"high_quality_forage" mapstructure:"high_quality_forage" json:"high_quality_forage"`
	// Workers bounds the number of row bands classified concurrently;
	// 0 means one per CPU.
	Workers int `yaml:"workers" mapstructure:"workers" json:"workers,omitempty"`
}

// Attributes returns every attribute referenced by the configuration.
func (c Config) Attributes() []string {
	seen := map[string]bool{}
	var out []string
	for _, rs := range []RuleSet{c.Nesting, c.Forage, c.HighQualityForage} {
		for _, r := range rs.Rules {
			if !seen[r.Attribute] {
				seen[r.Attribute] = true
				out = append(out, r.Attribute)
			}
		}
	}
	return out
}

// Validate checks rule shape without looking at any input stack.
func (c Config) Validate() error {
	if len(c.Nesting.Rules) == 0 {
		return grid.NewConfigurationError("classify.nesting", "rule set is empty")
	}
	if len(c.Forage.Rules) == 0 {
		return grid.NewConfigurationError("classify.forage", "rule set is empty")
	}
	if len(c.HighQualityForage.Rules) == 0 {
		return grid.NewConfigurationError("classify.high_quality_forage", "rule set is empty")
	}
	for _, rs := range []struct {
		field string
		set   RuleSet
	}{
		{"classify.nesting", c.Nesting},
		{"classify.forage", c.Forage},
		{"classify.high_quality_forage", c.HighQualityForage},
	} {
		for i, r := range rs.set.Rules {
			if err := r.validate(); err != nil {
				return grid.NewConfigurationError(rs.field, "rule %d: %s", i, err.Error())
			}
		}
	}
	return nil
}

func (r Rule) validate() error {
	if r.Attribute == "" {
		return eris.New("attribute is required")
	}
	if !r.Op.Valid() {
		return eris.Errorf("unknown operator %q", r.Op)
	}
	if r.Op == OpIn && len(r.Codes) == 0 && len(r.Values) == 0 {
		return eris.New("operator in needs codes or values")
	}
	switch r.OnMissing {
	case MissingNodata, MissingPass, MissingFail:
	default:
		return eris.Errorf("unknown on_missing policy %q", r.OnMissing)
	}
	if r.Disturbance && r.Op == OpIn {
		return eris.New("disturbance rule needs a comparison operator")
	}
	return nil
}

// LoadRuleFile reads a YAML rule configuration.
func LoadRuleFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, eris.Wrapf(err, "classify: read rule file %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, grid.NewConfigurationError("classify.rules_file", "parse %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
