// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package inference

import "gopkg.in/yaml.v3"

// Level is the five-valued severity derived from classifier output.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelAlert    Level = "alert"
	LevelThrottle Level = "throttle"
	LevelBlock    Level = "block"
	LevelRedirect Level = "redirect"
)

// Rank orders levels: normal < alert < throttle < block < redirect.
func (l Level) Rank() int {
	switch l {
	case LevelAlert:
		return 1
	case LevelThrottle:
		return 2
	case LevelBlock:
		return 3
	case LevelRedirect:
		return 4
	default:
		return 0
	}
}

// Thresholds map a probability onto a decision level. The cutoffs form
// a total order alert <= throttle <= block <= redirect.
type Thresholds struct {
	Alert    float64 `yaml:"alert" json:"alert"`
	Throttle float64 `yaml:"throttle" json:"throttle"`
	Block    float64 `yaml:"block" json:"block"`
	Redirect float64 `yaml:"redirect" json:"redirect"`
}

// DefaultThresholds returns the stock cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Alert: 0.3, Throttle: 0.6, Block: 0.8, Redirect: 0.9}
}

// unmarshalThresholds parses a thresholds artifact; the trainer exports
// either YAML or JSON and yaml.v3 accepts both.
func unmarshalThresholds(raw []byte, t *Thresholds) error {
	return yaml.Unmarshal(raw, t)
}

// DecisionLevel returns the highest level whose cutoff p meets.
func (t Thresholds) DecisionLevel(p float64) Level {
	switch {
	case p >= t.Redirect:
		return LevelRedirect
	case p >= t.Block:
		return LevelBlock
	case p >= t.Throttle:
		return LevelThrottle
	case p >= t.Alert:
		return LevelAlert
	default:
		return LevelNormal
	}
}
