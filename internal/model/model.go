// Package model loads the pre-trained fraud classifier artifact.
//
// The artifact is plain data: logistic regression weights and bias, the
// standard scaler's per-feature mean and scale, the decision threshold and
// the ordered feature column list the model was fit on. It is loaded once
// at startup and shared read-only by every scoring call.
package model

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// DefaultThreshold is used when an artifact omits its decision threshold.
const DefaultThreshold = 0.65

// ErrInvalidArtifact is returned when an artifact is malformed or does not
// match the expected feature layout.
var ErrInvalidArtifact = errors.New("model: invalid artifact")

//go:embed artifacts/default.json
var defaultArtifact []byte

// Scaler holds standard-scaler parameters, one entry per feature column.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Artifact is the serialized classifier bundle.
type Artifact struct {
	Version        string    `json:"version"`
	ModelType      string    `json:"model_type"`
	ScalerType     string    `json:"scaler_type,omitempty"`
	Threshold      float64   `json:"threshold"`
	Bias           float64   `json:"bias"`
	Weights        []float64 `json:"weights"`
	Scaler         Scaler    `json:"scaler"`
	FeatureColumns []string  `json:"feature_columns"`
}

// Info is the public summary of a loaded artifact.
type Info struct {
	Version        string   `json:"version"`
	ModelType      string   `json:"modelType"`
	ScalerType     string   `json:"scalerType,omitempty"`
	Threshold      float64  `json:"threshold"`
	NumFeatures    int      `json:"nFeatures"`
	FeatureColumns []string `json:"featureColumns"`
}

// Load reads and parses an artifact file.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}
	a, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Default returns the artifact bundled with the binary.
func Default() (*Artifact, error) {
	return Parse(defaultArtifact)
}

// Parse decodes an artifact and checks its internal consistency.
func Parse(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if a.Threshold == 0 {
		a.Threshold = DefaultThreshold
	}
	if err := a.check(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Artifact) check() error {
	n := len(a.FeatureColumns)
	if n == 0 {
		return fmt.Errorf("%w: no feature columns", ErrInvalidArtifact)
	}
	if len(a.Weights) != n {
		return fmt.Errorf("%w: %d weights for %d columns", ErrInvalidArtifact, len(a.Weights), n)
	}
	if len(a.Scaler.Mean) != n || len(a.Scaler.Scale) != n {
		return fmt.Errorf("%w: scaler has %d means and %d scales for %d columns",
			ErrInvalidArtifact, len(a.Scaler.Mean), len(a.Scaler.Scale), n)
	}
	if a.Threshold < 0 || a.Threshold > 1 {
		return fmt.Errorf("%w: threshold %v outside [0, 1]", ErrInvalidArtifact, a.Threshold)
	}
	if !finite(a.Bias) {
		return fmt.Errorf("%w: bias is not finite", ErrInvalidArtifact)
	}
	for i := 0; i < n; i++ {
		if !finite(a.Weights[i]) || !finite(a.Scaler.Mean[i]) || !finite(a.Scaler.Scale[i]) {
			return fmt.Errorf("%w: non-finite parameter for column %q", ErrInvalidArtifact, a.FeatureColumns[i])
		}
	}
	return nil
}

// Validate checks that the artifact was fit on exactly the expected columns,
// in the same order.
func (a *Artifact) Validate(expected []string) error {
	if len(a.FeatureColumns) != len(expected) {
		return fmt.Errorf("%w: artifact has %d feature columns, expected %d",
			ErrInvalidArtifact, len(a.FeatureColumns), len(expected))
	}
	for i, name := range expected {
		if a.FeatureColumns[i] != name {
			return fmt.Errorf("%w: column %d is %q, expected %q",
				ErrInvalidArtifact, i, a.FeatureColumns[i], name)
		}
	}
	return nil
}

// NumFeatures returns the width of the model's input vector.
func (a *Artifact) NumFeatures() int {
	return len(a.FeatureColumns)
}

// Info summarizes the artifact for operators.
func (a *Artifact) Info() Info {
	cols := make([]string, len(a.FeatureColumns))
	copy(cols, a.FeatureColumns)
	return Info{
		Version:        a.Version,
		ModelType:      a.ModelType,
		ScalerType:     a.ScalerType,
		Threshold:      a.Threshold,
		NumFeatures:    len(cols),
		FeatureColumns: cols,
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
