// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package inference loads the trained classifier and its companion
// artifacts (feature schema, decision thresholds) and scores observed
// flows. Two whitelist pre-filters short-circuit obviously benign
// traffic before the model runs.
package inference

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
)

// Result is one scored flow.
type Result struct {
	Prob         float64 `json:"prob"`
	Label        string  `json:"label"`
	AnomalyScore float64 `json:"anomaly_score"`
	Level        Level   `json:"decision_level"`
}

// Options locate the model artifacts and override thresholds.
type Options struct {
	ModelDir       string
	ModelFile      string
	FeaturesFile   string
	ThresholdsFile string
	Thresholds     *Thresholds
}

// Service scores flows against the loaded model.
type Service struct {
	mu         sync.RWMutex
	model      Model
	features   FeatureConfig
	thresholds Thresholds
	loaded     bool
	logger     *logging.Logger
}

// NewService builds an inference service with defaults; call Load to
// pull artifacts from disk.
func NewService() *Service {
	return &Service{
		features:   DefaultFeatureConfig(),
		thresholds: DefaultThresholds(),
		logger:     logging.WithComponent("inference"),
	}
}

// Load reads the model, feature schema, and thresholds named in opts.
// Missing companion files fall back to defaults; a missing model leaves
// the service unloaded and every prediction returns Unknown/normal.
func (s *Service) Load(opts Options) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	success := true

	modelPath := filepath.Join(opts.ModelDir, opts.ModelFile)
	if raw, err := os.ReadFile(modelPath); err == nil {
		model, err := LoadLinearModel(raw)
		if err != nil {
			s.logger.Error("failed to load model", "path", modelPath, "error", err)
			success = false
		} else {
			s.model = model
			s.logger.Info("model loaded", "path", modelPath, "type", model.Type(), "version", model.Version())
		}
	} else {
		s.logger.Warn("model file not found", "path", modelPath)
		success = false
	}

	featuresPath := filepath.Join(opts.ModelDir, opts.FeaturesFile)
	if raw, err := os.ReadFile(featuresPath); err == nil {
		cfg, err := ParseFeatureConfig(raw)
		if err != nil {
			s.logger.Error("failed to parse feature config", "path", featuresPath, "error", err)
		} else {
			s.features = cfg
			s.logger.Info("feature config loaded", "path", featuresPath, "columns", len(cfg.FeatureColumns))
		}
	} else {
		s.logger.Info("using default feature config")
	}

	thresholdsPath := filepath.Join(opts.ModelDir, opts.ThresholdsFile)
	if raw, err := os.ReadFile(thresholdsPath); err == nil {
		t := DefaultThresholds()
		if err := unmarshalThresholds(raw, &t); err != nil {
			s.logger.Error("failed to parse thresholds", "path", thresholdsPath, "error", err)
		} else {
			s.thresholds = t
			s.logger.Info("thresholds loaded", "path", thresholdsPath)
		}
	} else {
		s.logger.Info("using default thresholds")
	}

	if opts.Thresholds != nil {
		s.thresholds = *opts.Thresholds
	}

	s.loaded = success && s.model != nil
	return s.loaded
}

// SetModel injects a model directly. Tests and the REST detect path in
// REST-only deployments use this.
func (s *Service) SetModel(m Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = m
	s.loaded = m != nil
}

// SetThresholds replaces the decision cutoffs.
func (s *Service) SetThresholds(t Thresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = t
}

// IsLoaded reports whether a model is available.
func (s *Service) IsLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded && s.model != nil
}

// Thresholds returns the active cutoffs.
func (s *Service) Thresholds() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

// PredictFlow scores one raw flow payload. It never returns an error:
// model failures produce the Error label at level normal.
func (s *Service) PredictFlow(flow map[string]any) Result {
	s.mu.RLock()
	model := s.model
	features := s.features
	thresholds := s.thresholds
	loaded := s.loaded
	s.mu.RUnlock()

	if !loaded || model == nil {
		return Result{Prob: 0, Label: "Unknown", AnomalyScore: 0, Level: LevelNormal}
	}

	pktRate, pktRatePresent := toFloat(flow["pkt_rate"])
	funcEntropy, _ := toFloat(flow["func_code_entropy"])
	regStd, _ := toFloat(flow["reg_addr_std"])

	// Low-rate polling with a single function code and stable register
	// addresses is ordinary supervisory traffic. Low-rate flows with
	// elevated entropy or register spread still go to the model: they
	// may be slow probes or injection.
	if pktRatePresent && pktRate < 5.0 {
		if funcEntropy < 0.1 && regStd < 5.0 {
			return Result{Prob: 0.01, Label: "Normal", AnomalyScore: 0.0, Level: LevelNormal}
		}
	}

	// Missing pkt_count means the controller has not accumulated stats
	// yet; a zero-filled vector would mislead the model. Extreme rates
	// are a signal on their own and still get scored.
	if _, hasPktCount := toFloat(flow["pkt_count"]); !hasPktCount {
		if _, alt := toFloat(flow["packet_count"]); !alt {
			if !(pktRatePresent && pktRate > 1000) {
				return Result{Prob: 0, Label: "Normal", AnomalyScore: 0, Level: LevelNormal}
			}
		}
	}

	vec := features.BuildFeatureVector(flow)

	prob, err := model.PredictProba(vec)
	if err != nil {
		s.logger.Error("prediction failed", "error", err)
		return Result{Prob: 0, Label: "Error", AnomalyScore: 0, Level: LevelNormal}
	}

	label := "Attack"
	if cls, err := model.PredictClass(vec); err == nil {
		if name, ok := features.LabelMapping[cls]; ok {
			label = name
		}
	} else if prob < 0.5 {
		label = "Normal"
	}

	return Result{
		Prob:         prob,
		Label:        label,
		AnomalyScore: prob,
		Level:        thresholds.DecisionLevel(prob),
	}
}

// PredictBatch scores flows in order.
func (s *Service) PredictBatch(flows []map[string]any) []Result {
	out := make([]Result, len(flows))
	for i, f := range flows {
		out[i] = s.PredictFlow(f)
	}
	return out
}

// Meta describes the loaded model for the REST surface.
func (s *Service) Meta() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	modelType := "linear"
	version := "1.0.0"
	if s.model != nil {
		modelType = s.model.Type()
		version = s.model.Version()
	}

	labels := make(map[string]string, len(s.features.LabelMapping))
	for k, v := range s.features.LabelMapping {
		labels[strconv.Itoa(k)] = v
	}

	return map[string]any{
		"model_type":      modelType,
		"version":         version,
		"loaded":          s.loaded && s.model != nil,
		"feature_columns": s.features.FeatureColumns,
		"label_mapping":   labels,
		"thresholds": map[string]float64{
			"alert":    s.thresholds.Alert,
			"throttle": s.thresholds.Throttle,
			"block":    s.thresholds.Block,
			"redirect": s.thresholds.Redirect,
		},
	}
}
