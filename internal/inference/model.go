// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package inference

import (
	"encoding/json"
	"fmt"
	"math"
)

// Model scores a feature vector. Implementations must be safe for
// concurrent use.
type Model interface {
	// PredictProba returns the probability of the positive class.
	PredictProba(features []float64) (float64, error)
	// PredictClass returns the argmax class index.
	PredictClass(features []float64) (int, error)
	// Type names the model family for meta reporting.
	Type() string
	// Version is the artifact version string.
	Version() string
}

// LinearModel is the deployable scorer exported by the training
// pipeline: a logistic model with one weight per feature column.
type LinearModel struct {
	ModelType string             `json:"model_type"`
	Ver       string             `json:"version"`
	Bias      float64            `json:"bias"`
	Weights   map[string]float64 `json:"weights"`
	Columns   []string           `json:"feature_columns"`

	ordered []float64
}

// LoadLinearModel parses the serialized model and resolves the weight
// order against its declared feature columns.
func LoadLinearModel(raw []byte) (*LinearModel, error) {
	var m LinearModel
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	if len(m.Columns) == 0 {
		return nil, fmt.Errorf("model declares no feature columns")
	}
	m.ordered = make([]float64, len(m.Columns))
	for i, col := range m.Columns {
		m.ordered[i] = m.Weights[col]
	}
	if m.ModelType == "" {
		m.ModelType = "linear"
	}
	if m.Ver == "" {
		m.Ver = "1.0.0"
	}
	return &m, nil
}

func (m *LinearModel) Type() string    { return m.ModelType }
func (m *LinearModel) Version() string { return m.Ver }

func (m *LinearModel) PredictProba(features []float64) (float64, error) {
	if len(features) != len(m.ordered) {
		return 0, fmt.Errorf("feature vector length %d, model expects %d", len(features), len(m.ordered))
	}
	score := m.Bias
	for i, w := range m.ordered {
		score += w * features[i]
	}
	return sigmoid(score), nil
}

func (m *LinearModel) PredictClass(features []float64) (int, error) {
	p, err := m.PredictProba(features)
	if err != nil {
		return 0, err
	}
	if p >= 0.5 {
		return 1, nil
	}
	return 0, nil
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
