package ml

import (
	"math"
	"math/rand"
)

const eulerGamma = 0.5772156649015329

// IsolationForestConfig configures IsolationForest.Fit.
type IsolationForestConfig struct {
	Trees      int
	SampleSize int
	Seed       int64
}

// DefaultIsolationForestConfig returns 100 trees over 256-row subsamples.
func DefaultIsolationForestConfig() IsolationForestConfig {
	return IsolationForestConfig{Trees: 100, SampleSize: 256, Seed: 42}
}

// IsolationForest scores how hard a point is to isolate by random axis
// splits. Score returns a normality score in (0,1): points deep inside the
// training mass score near 1, isolated points score near 0.
type IsolationForest struct {
	Trees      []*isoNode `json:"trees"`
	SampleSize int        `json:"sampleSize"`
	Features   int        `json:"features"`
}

type isoNode struct {
	Feature int      `json:"f"`
	Split   float64  `json:"s,omitempty"`
	Lo      float64  `json:"lo,omitempty"`
	Hi      float64  `json:"hi,omitempty"`
	Size    int      `json:"n,omitempty"`
	Left    *isoNode `json:"l,omitempty"`
	Right   *isoNode `json:"r,omitempty"`
}

func (n *isoNode) leaf() bool { return n.Left == nil || n.Right == nil }

// FitIsolationForest grows a forest on X.
func FitIsolationForest(X [][]float64, cfg IsolationForestConfig) (*IsolationForest, error) {
	width, err := validateMatrix(X)
	if err != nil {
		return nil, err
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	psi := cfg.SampleSize
	if psi <= 0 || psi > len(X) {
		psi = len(X)
	}
	limit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))
	rng := rand.New(rand.NewSource(cfg.Seed))

	f := &IsolationForest{SampleSize: psi, Features: width, Trees: make([]*isoNode, cfg.Trees)}
	for t := range f.Trees {
		idx := rng.Perm(len(X))[:psi]
		rows := make([][]float64, psi)
		for i, k := range idx {
			rows[i] = X[k]
		}
		f.Trees[t] = growIsoTree(rows, 0, limit, width, rng)
	}
	return f, nil
}

func growIsoTree(rows [][]float64, depth, limit, width int, rng *rand.Rand) *isoNode {
	if depth >= limit || len(rows) <= 1 {
		return &isoNode{Feature: -1, Size: len(rows)}
	}

	lo := make([]float64, width)
	hi := make([]float64, width)
	for j := 0; j < width; j++ {
		lo[j], hi[j] = math.Inf(1), math.Inf(-1)
	}
	for _, row := range rows {
		for j, v := range row {
			lo[j] = math.Min(lo[j], v)
			hi[j] = math.Max(hi[j], v)
		}
	}
	var candidates []int
	for j := 0; j < width; j++ {
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{Feature: -1, Size: len(rows)}
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])
	var left, right [][]float64
	for _, row := range rows {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &isoNode{
		Feature: feature,
		Split:   split,
		Lo:      lo[feature],
		Hi:      hi[feature],
		Size:    len(rows),
		Left:    growIsoTree(left, depth+1, limit, width, rng),
		Right:   growIsoTree(right, depth+1, limit, width, rng),
	}
}

// Score returns the normality score of x: 1 - 2^(-E[h(x)]/c(psi)).
func (f *IsolationForest) Score(x []float64) (float64, error) {
	if f == nil || len(f.Trees) == 0 {
		return 0, ErrNotFitted
	}
	if len(x) != f.Features {
		return 0, ErrShapeMismatch
	}
	total := 0.0
	for _, tree := range f.Trees {
		total += pathLength(tree, x, 0)
	}
	mean := total / float64(len(f.Trees))
	norm := averagePathLength(f.SampleSize)
	if norm == 0 {
		return 0.5, nil
	}
	return 1 - math.Pow(2, -mean/norm), nil
}

// ScoreAll scores every row of X.
func (f *IsolationForest) ScoreAll(X [][]float64) ([]float64, error) {
	out := make([]float64, len(X))
	for i, row := range X {
		s, err := f.Score(row)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func pathLength(n *isoNode, x []float64, depth int) float64 {
	for !n.leaf() {
		v := x[n.Feature]
		if v < n.Lo || v > n.Hi {
			return float64(depth + 1)
		}
		if v < n.Split {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.Size)
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a binary
// search tree over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	harmonic := math.Log(float64(n-1)) + eulerGamma
	return 2*harmonic - 2*float64(n-1)/float64(n)
}
