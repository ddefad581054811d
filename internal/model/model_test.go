package model

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsConsistent(t *testing.T) {
	a, err := Default()
	require.NoError(t, err)

	assert.Equal(t, 24, a.NumFeatures())
	assert.Equal(t, 0.65, a.Threshold)
	assert.Len(t, a.Weights, 24)
	assert.Len(t, a.Scaler.Mean, 24)
	assert.Len(t, a.Scaler.Scale, 24)
	assert.Equal(t, "amount", a.FeatureColumns[0])
	assert.Equal(t, "merchant_id_phonepe@upi", a.FeatureColumns[23])
}

func TestParse_DefaultsThreshold(t *testing.T) {
	a, err := Parse([]byte(`{
		"feature_columns": ["a", "b"],
		"weights": [1, 2],
		"scaler": {"mean": [0, 0], "scale": [1, 1]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultThreshold, a.Threshold)
}

func TestParse_RejectsMismatchedLengths(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"no columns", `{"weights": [], "scaler": {"mean": [], "scale": []}}`},
		{"short weights", `{"feature_columns": ["a", "b"], "weights": [1], "scaler": {"mean": [0, 0], "scale": [1, 1]}}`},
		{"short scaler", `{"feature_columns": ["a", "b"], "weights": [1, 2], "scaler": {"mean": [0], "scale": [1, 1]}}`},
		{"bad threshold", `{"threshold": 1.5, "feature_columns": ["a"], "weights": [1], "scaler": {"mean": [0], "scale": [1]}}`},
		{"not json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidArtifact), "got %v", err)
		})
	}
}

func TestValidate(t *testing.T) {
	a, err := Parse([]byte(`{
		"feature_columns": ["amount", "hour"],
		"weights": [1, 2],
		"scaler": {"mean": [0, 0], "scale": [1, 1]}
	}`))
	require.NoError(t, err)

	assert.NoError(t, a.Validate([]string{"amount", "hour"}))
	assert.ErrorIs(t, a.Validate([]string{"hour", "amount"}), ErrInvalidArtifact)
	assert.ErrorIs(t, a.Validate([]string{"amount"}), ErrInvalidArtifact)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"version": "test-1",
		"model_type": "LogisticRegression",
		"threshold": 0.5,
		"feature_columns": ["a"],
		"weights": [0.5],
		"scaler": {"mean": [1], "scale": [2]}
	}`), 0o600))

	a, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-1", a.Version)

	info := a.Info()
	assert.Equal(t, 1, info.NumFeatures)
	assert.Equal(t, 0.5, info.Threshold)

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
