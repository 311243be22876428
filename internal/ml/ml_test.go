package ml

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaussianRows(seed int64, n, width int) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	for i := range X {
		X[i] = make([]float64, width)
		for j := range X[i] {
			X[i][j] = rng.NormFloat64()
		}
	}
	return X
}

func TestStats(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3}
	assert.Equal(t, 3.0, Mean(values))
	assert.InDelta(t, 1.41421356, StdDev(values), 1e-6)
	assert.InDelta(t, 1.4, Percentile(values, 10), 1e-9)
	assert.Equal(t, 5.0, Percentile(values, 100))
	assert.Equal(t, 1.0, Percentile(values, 0))
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, values, "input must not be reordered")

	assert.Zero(t, Mean(nil))
	assert.Zero(t, StdDev([]float64{7}))
	assert.Zero(t, Percentile(nil, 50))
}

func TestStandardScaler(t *testing.T) {
	var s StandardScaler
	require.NoError(t, s.Fit([][]float64{{1, 10}, {3, 10}}))
	assert.Equal(t, []float64{2, 10}, s.Mean)
	assert.Equal(t, []float64{1, 1}, s.Scale, "constant column keeps unit scale")

	out, err := s.Transform([]float64{4, 12})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2}, out)

	_, err = s.Transform([]float64{1})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	var empty StandardScaler
	_, err = empty.Transform([]float64{1})
	assert.ErrorIs(t, err, ErrNotFitted)
	assert.ErrorIs(t, empty.Fit(nil), ErrEmptyInput)
	assert.ErrorIs(t, empty.Fit([][]float64{{1, 2}, {1}}), ErrShapeMismatch)
}

func TestIsolationForestSeparatesOutliers(t *testing.T) {
	X := gaussianRows(1, 300, 5)
	f, err := FitIsolationForest(X, DefaultIsolationForestConfig())
	require.NoError(t, err)
	assert.Equal(t, 256, f.SampleSize)

	scores, err := f.ScoreAll(X)
	require.NoError(t, err)
	threshold := Percentile(scores, 10)

	centroid, err := f.Score(make([]float64, 5))
	require.NoError(t, err)
	assert.Greater(t, centroid, threshold)

	far, err := f.Score([]float64{5, 5, 5, 5, 5})
	require.NoError(t, err)
	assert.Less(t, far, threshold/2)

	single, err := f.Score([]float64{0, 0, 0, 6, 0})
	require.NoError(t, err)
	assert.Less(t, single, threshold)

	for _, s := range scores {
		assert.True(t, s > 0 && s < 1)
	}
}

func TestIsolationForestIsDeterministicAndSerializable(t *testing.T) {
	X := gaussianRows(2, 120, 3)
	a, err := FitIsolationForest(X, DefaultIsolationForestConfig())
	require.NoError(t, err)
	b, err := FitIsolationForest(X, DefaultIsolationForestConfig())
	require.NoError(t, err)
	assert.Equal(t, 120, a.SampleSize, "sample size capped at row count")

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	var restored IsolationForest
	require.NoError(t, json.Unmarshal(raw, &restored))

	sample := []float64{0.3, -1.2, 2.5}
	sa, _ := a.Score(sample)
	sb, _ := b.Score(sample)
	sr, err := restored.Score(sample)
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
	assert.InDelta(t, sa, sr, 1e-12)

	_, err = a.Score([]float64{1})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	var unfitted *IsolationForest
	_, err = unfitted.Score(sample)
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestIsolationForestConstantData(t *testing.T) {
	X := [][]float64{{1, 1}, {1, 1}, {1, 1}}
	f, err := FitIsolationForest(X, IsolationForestConfig{Trees: 5, Seed: 1})
	require.NoError(t, err)
	s, err := f.Score([]float64{1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s, 1e-9)
}

func TestRandomForestFitsSignal(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	X := make([][]float64, 400)
	y := make([]float64, 400)
	for i := range X {
		X[i] = []float64{rng.Float64() * 10, rng.Float64() * 10, rng.Float64()}
		y[i] = 100 - 5*X[i][0] + rng.NormFloat64()*0.5
	}

	f, err := FitRandomForest(X, y, DefaultRandomForestConfig())
	require.NoError(t, err)

	pred, err := f.Predict([]float64{2, 5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 90, pred, 2)

	pred, err = f.Predict([]float64{8, 5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 60, pred, 2)

	require.Len(t, f.Importances, 3)
	total := 0.0
	for _, v := range f.Importances {
		total += v
	}
	assert.InDelta(t, 1, total, 1e-9)
	assert.Greater(t, f.Importances[0], 0.9)

	raw, err := json.Marshal(f)
	require.NoError(t, err)
	var restored RandomForest
	require.NoError(t, json.Unmarshal(raw, &restored))
	again, err := restored.Predict([]float64{8, 5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, pred, again, 1e-9)
}

func TestRandomForestRejectsBadInput(t *testing.T) {
	_, err := FitRandomForest([][]float64{{1}}, []float64{1, 2}, DefaultRandomForestConfig())
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = FitRandomForest(nil, nil, DefaultRandomForestConfig())
	assert.ErrorIs(t, err, ErrEmptyInput)

	var unfitted *RandomForest
	_, err = unfitted.Predict([]float64{1})
	assert.ErrorIs(t, err, ErrNotFitted)
}
