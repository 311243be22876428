package ml

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput is returned when a model is fitted on no rows or no columns.
	ErrEmptyInput = errors.New("ml: empty input")
	// ErrShapeMismatch is returned when rows differ in width from the model.
	ErrShapeMismatch = errors.New("ml: feature width mismatch")
	// ErrNotFitted is returned when a model is used before Fit.
	ErrNotFitted = errors.New("ml: model not fitted")
)

// StandardScaler centers each feature on its training mean and divides by
// its training standard deviation. Constant features keep a unit scale.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Fit learns per-feature mean and scale from X.
func (s *StandardScaler) Fit(X [][]float64) error {
	width, err := validateMatrix(X)
	if err != nil {
		return err
	}
	s.Mean = make([]float64, width)
	s.Scale = make([]float64, width)
	for j := 0; j < width; j++ {
		col := Column(X, j)
		s.Mean[j] = Mean(col)
		std := StdDev(col)
		if std == 0 {
			std = 1
		}
		s.Scale[j] = std
	}
	return nil
}

// Transform returns a scaled copy of x.
func (s *StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(s.Mean) == 0 {
		return nil, ErrNotFitted
	}
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("%w: got %d features, want %d", ErrShapeMismatch, len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

// TransformAll scales every row of X.
func (s *StandardScaler) TransformAll(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}
