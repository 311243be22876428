// Package ml holds the small learning algorithms the twin trains per asset
// type: a standard scaler, an isolation forest for unsupervised scoring and
// a random-forest regressor for health prediction. Models are plain values
// that serialize to JSON so they can be persisted and swapped whole.
package ml

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean of values, or 0 when empty.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	sumSquares := 0.0
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)))
}

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation between closest ranks. values is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	rank := p / 100.0 * float64(len(sorted)-1)
	lower := int(rank)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Column extracts feature j from every row of X.
func Column(X [][]float64, j int) []float64 {
	col := make([]float64, len(X))
	for i, row := range X {
		col[i] = row[j]
	}
	return col
}

func validateMatrix(X [][]float64) (int, error) {
	if len(X) == 0 {
		return 0, ErrEmptyInput
	}
	width := len(X[0])
	if width == 0 {
		return 0, ErrEmptyInput
	}
	for _, row := range X {
		if len(row) != width {
			return 0, ErrShapeMismatch
		}
	}
	return width, nil
}
