// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package inference

import (
	"encoding/json"
	"strconv"

	"gopkg.in/yaml.v3"
)

// FeatureConfig pins the feature schema the model was trained with:
// column order, per-column fill values, and the class label mapping.
type FeatureConfig struct {
	FeatureColumns []string
	LabelMapping   map[int]string
	FillValues     map[string]float64
}

// DefaultFeatureConfig mirrors the training defaults for the
// controller-visible flow counters.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		FeatureColumns: []string{"duration", "pkt_count", "byte_count", "pkt_rate", "byte_rate"},
		LabelMapping:   map[int]string{0: "Normal", 1: "Attack"},
		FillValues: map[string]float64{
			"duration":   0.0,
			"pkt_count":  0.0,
			"byte_count": 0.0,
			"pkt_rate":   0.0,
			"byte_rate":  0.0,
		},
	}
}

// ParseFeatureConfig accepts both schema shapes on disk: a bare list of
// column names, or a mapping with feature_columns / label_mapping /
// fill_values keys. The payload may be YAML or JSON.
func ParseFeatureConfig(raw []byte) (FeatureConfig, error) {
	cfg := DefaultFeatureConfig()

	var asList []string
	if err := yaml.Unmarshal(raw, &asList); err == nil && len(asList) > 0 {
		cfg.FeatureColumns = asList
		return cfg, nil
	}

	var asMap struct {
		FeatureColumns []string           `yaml:"feature_columns" json:"feature_columns"`
		LabelMapping   map[string]string  `yaml:"label_mapping" json:"label_mapping"`
		FillValues     map[string]float64 `yaml:"fill_values" json:"fill_values"`
	}
	if err := yaml.Unmarshal(raw, &asMap); err != nil {
		return cfg, err
	}

	if len(asMap.FeatureColumns) > 0 {
		cfg.FeatureColumns = asMap.FeatureColumns
	}
	if len(asMap.LabelMapping) > 0 {
		cfg.LabelMapping = make(map[int]string, len(asMap.LabelMapping))
		for k, v := range asMap.LabelMapping {
			if idx, err := strconv.Atoi(k); err == nil {
				cfg.LabelMapping[idx] = v
			}
		}
	}
	if len(asMap.FillValues) > 0 {
		cfg.FillValues = asMap.FillValues
	}
	return cfg, nil
}

// BuildFeatureVector derives the model input from a raw flow payload.
// Controller-absent columns are synthesized from what is present, then
// every configured column is filled and ordered.
func (c FeatureConfig) BuildFeatureVector(flow map[string]any) []float64 {
	vals := make(map[string]float64)
	for k, v := range flow {
		if f, ok := toFloat(v); ok {
			vals[k] = f
		}
	}

	synthesize(vals)

	features := make([]float64, len(c.FeatureColumns))
	for i, col := range c.FeatureColumns {
		if v, ok := vals[col]; ok {
			features[i] = v
		} else {
			features[i] = c.FillValues[col]
		}
	}
	return features
}

// synthesize maps controller counters onto training-schema columns and
// derives the SYN-flood heuristic flag.
func synthesize(vals map[string]float64) {
	if _, ok := vals["sPackets"]; !ok {
		if v, ok := vals["packet_count"]; ok {
			vals["sPackets"] = v
		}
	}
	if _, ok := vals["rPackets"]; !ok {
		vals["rPackets"] = 0
	}
	if _, ok := vals["sBytesSum"]; !ok {
		if v, ok := vals["byte_count"]; ok {
			vals["sBytesSum"] = v
		}
	}
	if _, ok := vals["rBytesSum"]; !ok {
		vals["rBytesSum"] = 0
	}
	if _, ok := vals["sLoad"]; !ok {
		if v, ok := vals["byte_rate"]; ok {
			vals["sLoad"] = v * 8
		}
	}
	if _, ok := vals["rLoad"]; !ok {
		vals["rLoad"] = 0
	}
	if _, ok := vals["sttl"]; !ok {
		vals["sttl"] = 64.0
	}
	if _, ok := vals["rttl"]; !ok {
		vals["rttl"] = 0.0
	}

	// High packet rate with small packets looks like a control-message
	// flood; the controller gives no per-flag counters, so infer one.
	if _, ok := vals["sSynRate"]; !ok {
		pktRate := vals["pkt_rate"]
		byteRate := vals["byte_rate"]
		if pktRate > 1000 && byteRate/pktRate < 120 {
			vals["sSynRate"] = 1.0
			vals["sAckRate"] = 0.0
		} else {
			vals["sSynRate"] = 0.0
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
