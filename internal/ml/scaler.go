// Package ml holds the small learners used to score payers: a standard scaler,
// a random forest classifier and an isolation forest.
package ml

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrNotFitted is returned when a model is used before Fit
	ErrNotFitted = errors.New("model is not fitted")
	// ErrEmptyInput is returned when Fit receives no rows
	ErrEmptyInput = errors.New("empty training input")
	// ErrDimension is returned when a row width does not match the fitted width
	ErrDimension = errors.New("input dimension mismatch")
)

// StandardScaler centers and scales columns to unit population variance
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Fit computes the per-column mean and population standard deviation.
// Columns with zero spread get a scale of 1.
func (s *StandardScaler) Fit(x [][]float64) error {
	if len(x) == 0 {
		return ErrEmptyInput
	}
	d := len(x[0])
	for _, row := range x {
		if len(row) != d {
			return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(row), d)
		}
	}

	mean := make([]float64, d)
	scale := make([]float64, d)
	col := make([]float64, len(x))
	for j := 0; j < d; j++ {
		for i, row := range x {
			col[i] = row[j]
		}
		mean[j], scale[j] = stat.PopMeanStdDev(col, nil)
		if scale[j] == 0 || math.IsNaN(scale[j]) {
			scale[j] = 1
		}
	}

	s.Mean, s.Scale = mean, scale
	return nil
}

// Transform scales a single row
func (s *StandardScaler) Transform(row []float64) ([]float64, error) {
	if len(s.Mean) == 0 {
		return nil, ErrNotFitted
	}
	if len(row) != len(s.Mean) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(row), len(s.Mean))
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

// TransformAll scales every row of x
func (s *StandardScaler) TransformAll(x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for i, row := range x {
		t, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// Fitted reports whether Fit has been called successfully
func (s *StandardScaler) Fitted() bool {
	return s != nil && len(s.Mean) > 0
}
