package fraud

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/cognativeshield/fraudguard/internal/model"
)

// ScoringEngine applies the artifact's scaler and logistic model. It holds
// no mutable state and is safe for concurrent use.
type ScoringEngine struct {
	weights   [NumFeatures]float64
	mean      [NumFeatures]float64
	scale     [NumFeatures]float64
	bias      float64
	threshold float64
	version   string
}

// NewScoringEngine copies the artifact parameters into fixed-size arrays.
func NewScoringEngine(artifact *model.Artifact) (*ScoringEngine, error) {
	if artifact.NumFeatures() != NumFeatures {
		return nil, fmt.Errorf("%w: artifact has %d features, engine expects %d",
			ErrConfiguration, artifact.NumFeatures(), NumFeatures)
	}
	s := &ScoringEngine{
		bias:      artifact.Bias,
		threshold: artifact.Threshold,
		version:   artifact.Version,
	}
	copy(s.weights[:], artifact.Weights)
	copy(s.mean[:], artifact.Scaler.Mean)
	for i, sd := range artifact.Scaler.Scale {
		// A constant column was fit with unit scale.
		if sd == 0 {
			sd = 1
		}
		s.scale[i] = sd
	}
	return s, nil
}

// Standardize returns (x - mean) / scale for every column.
func (s *ScoringEngine) Standardize(v FeatureVector) FeatureVector {
	var out FeatureVector
	for i := range v {
		out[i] = (v[i] - s.mean[i]) / s.scale[i]
	}
	return out
}

// Score returns the fraud probability for a feature vector.
func (s *ScoringEngine) Score(v FeatureVector) float64 {
	x := s.Standardize(v)
	return sigmoid(floats.Dot(s.weights[:], x[:]) + s.bias)
}

// Label classifies a probability. The threshold itself is high risk.
func (s *ScoringEngine) Label(p float64) RiskLabel {
	if p >= s.threshold {
		return RiskLabelHigh
	}
	return RiskLabelLow
}

// Threshold returns the decision threshold.
func (s *ScoringEngine) Threshold() float64 { return s.threshold }

// Version returns the model version the engine was built from.
func (s *ScoringEngine) Version() string { return s.version }

// sigmoid is evaluated on the side that cannot overflow.
func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
