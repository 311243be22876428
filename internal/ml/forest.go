package ml

import (
	"math"
	"math/rand"
	"sort"
)

// RandomForestConfig configures FitRandomForest.
type RandomForestConfig struct {
	Trees          int
	MaxDepth       int
	MinSamplesLeaf int
	Seed           int64
}

// DefaultRandomForestConfig returns 100 bootstrapped trees of depth 10.
func DefaultRandomForestConfig() RandomForestConfig {
	return RandomForestConfig{Trees: 100, MaxDepth: 10, MinSamplesLeaf: 2, Seed: 42}
}

// RandomForest is a bagged ensemble of variance-reduction regression trees.
type RandomForest struct {
	Trees       []*regNode `json:"trees"`
	Features    int        `json:"features"`
	Importances []float64  `json:"importances"`
}

type regNode struct {
	Feature   int      `json:"f"`
	Threshold float64  `json:"t,omitempty"`
	Value     float64  `json:"v,omitempty"`
	Left      *regNode `json:"l,omitempty"`
	Right     *regNode `json:"r,omitempty"`
}

// FitRandomForest trains a forest mapping rows of X onto y.
func FitRandomForest(X [][]float64, y []float64, cfg RandomForestConfig) (*RandomForest, error) {
	width, err := validateMatrix(X)
	if err != nil {
		return nil, err
	}
	if len(y) != len(X) {
		return nil, ErrShapeMismatch
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.MinSamplesLeaf <= 0 {
		cfg.MinSamplesLeaf = 1
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	f := &RandomForest{Features: width, Trees: make([]*regNode, cfg.Trees), Importances: make([]float64, width)}
	b := &treeBuilder{X: X, y: y, cfg: cfg, width: width}

	for t := range f.Trees {
		idx := make([]int, len(X))
		for i := range idx {
			idx[i] = rng.Intn(len(X))
		}
		b.gain = make([]float64, width)
		f.Trees[t] = b.grow(idx, 0)

		total := 0.0
		for _, g := range b.gain {
			total += g
		}
		if total > 0 {
			for j, g := range b.gain {
				f.Importances[j] += g / total
			}
		}
	}

	total := 0.0
	for _, v := range f.Importances {
		total += v
	}
	for j := range f.Importances {
		if total > 0 {
			f.Importances[j] /= total
		}
	}
	return f, nil
}

type treeBuilder struct {
	X     [][]float64
	y     []float64
	cfg   RandomForestConfig
	width int
	gain  []float64
}

func (b *treeBuilder) grow(idx []int, depth int) *regNode {
	mean, sse := b.moments(idx)
	if depth >= b.cfg.MaxDepth || len(idx) < 2*b.cfg.MinSamplesLeaf || sse <= 1e-12 {
		return &regNode{Feature: -1, Value: mean}
	}

	bestFeature, bestThreshold, bestSSE := -1, 0.0, sse
	sorted := make([]int, len(idx))
	for j := 0; j < b.width; j++ {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool { return b.X[sorted[a]][j] < b.X[sorted[c]][j] })

		var leftSum, leftSq float64
		rightSum, rightSq := 0.0, 0.0
		for _, i := range sorted {
			rightSum += b.y[i]
			rightSq += b.y[i] * b.y[i]
		}
		for k := 0; k < len(sorted)-1; k++ {
			v := b.y[sorted[k]]
			leftSum += v
			leftSq += v * v
			rightSum -= v
			rightSq -= v * v

			nl, nr := float64(k+1), float64(len(sorted)-k-1)
			if k+1 < b.cfg.MinSamplesLeaf || len(sorted)-k-1 < b.cfg.MinSamplesLeaf {
				continue
			}
			cur, next := b.X[sorted[k]][j], b.X[sorted[k+1]][j]
			if cur == next {
				continue
			}
			split := (leftSq - leftSum*leftSum/nl) + (rightSq - rightSum*rightSum/nr)
			if split < bestSSE {
				bestFeature, bestThreshold, bestSSE = j, (cur+next)/2, split
			}
		}
	}
	if bestFeature < 0 {
		return &regNode{Feature: -1, Value: mean}
	}

	b.gain[bestFeature] += sse - bestSSE
	var left, right []int
	for _, i := range idx {
		if b.X[i][bestFeature] <= bestThreshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &regNode{
		Feature:   bestFeature,
		Threshold: bestThreshold,
		Left:      b.grow(left, depth+1),
		Right:     b.grow(right, depth+1),
	}
}

func (b *treeBuilder) moments(idx []int) (mean, sse float64) {
	if len(idx) == 0 {
		return 0, 0
	}
	for _, i := range idx {
		mean += b.y[i]
	}
	mean /= float64(len(idx))
	for _, i := range idx {
		d := b.y[i] - mean
		sse += d * d
	}
	return mean, sse
}

// Predict returns the mean prediction of all trees for x.
func (f *RandomForest) Predict(x []float64) (float64, error) {
	if f == nil || len(f.Trees) == 0 {
		return 0, ErrNotFitted
	}
	if len(x) != f.Features {
		return 0, ErrShapeMismatch
	}
	total := 0.0
	for _, tree := range f.Trees {
		n := tree
		for n.Left != nil && n.Right != nil {
			if x[n.Feature] <= n.Threshold {
				n = n.Left
			} else {
				n = n.Right
			}
		}
		total += n.Value
	}
	out := total / float64(len(f.Trees))
	if math.IsNaN(out) {
		return 0, ErrNotFitted
	}
	return out, nil
}
