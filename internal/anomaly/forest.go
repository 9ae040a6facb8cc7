package anomaly

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// isolationNode is one node of an isolation tree. A node without children is a leaf.
type isolationNode struct {
	Feature int            `json:"f"`
	Split   float64        `json:"v"`
	Size    int            `json:"n"`
	Left    *isolationNode `json:"l,omitempty"`
	Right   *isolationNode `json:"r,omitempty"`
}

func (n *isolationNode) leaf() bool { return n.Left == nil || n.Right == nil }

// Forest is an isolation forest over fixed-width feature vectors.
// Scores are in (0,1]; short average isolation paths score high.
type Forest struct {
	Trees      []*isolationNode `json:"trees"`
	SampleSize int              `json:"sample_size"`
	MaxDepth   int              `json:"max_depth"`
	Features   int              `json:"features"`
}

// fitForest grows numTrees trees, each on a random subsample of rows.
func fitForest(ctx context.Context, rows [][]float64, numTrees, subSampleSize int, rng *rand.Rand) (*Forest, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("fit forest: no rows")
	}
	sampleSize := subSampleSize
	if sampleSize <= 0 || sampleSize > len(rows) {
		sampleSize = len(rows)
	}
	f := &Forest{
		Trees:      make([]*isolationNode, 0, numTrees),
		SampleSize: sampleSize,
		MaxDepth:   int(math.Ceil(math.Log2(float64(sampleSize)))),
		Features:   len(rows[0]),
	}
	for i := 0; i < numTrees; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sample := subsample(rows, sampleSize, rng)
		f.Trees = append(f.Trees, f.grow(sample, 0, rng))
	}
	return f, nil
}

// subsample is a partial Fisher-Yates draw without replacement.
func subsample(rows [][]float64, k int, rng *rand.Rand) [][]float64 {
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	out := make([][]float64, k)
	for i := 0; i < k; i++ {
		j := i + rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = rows[idx[i]]
	}
	return out
}

func (f *Forest) grow(rows [][]float64, depth int, rng *rand.Rand) *isolationNode {
	if len(rows) <= 1 || depth >= f.MaxDepth {
		return &isolationNode{Size: len(rows)}
	}

	// split only on features that vary within this node
	lo := append([]float64(nil), rows[0]...)
	hi := append([]float64(nil), rows[0]...)
	for _, r := range rows[1:] {
		for j, v := range r {
			lo[j] = math.Min(lo[j], v)
			hi[j] = math.Max(hi[j], v)
		}
	}
	candidates := make([]int, 0, f.Features)
	for j := range lo {
		if hi[j]-lo[j] > 1e-10 {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &isolationNode{Size: len(rows)}
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationNode{Size: len(rows)}
	}
	return &isolationNode{
		Feature: feature,
		Split:   split,
		Size:    len(rows),
		Left:    f.grow(left, depth+1, rng),
		Right:   f.grow(right, depth+1, rng),
	}
}

// Score returns 2^(-E[h(x)]/c(n)).
func (f *Forest) Score(x []float64) (float64, error) {
	if len(f.Trees) == 0 {
		return 0, ErrNotTrained
	}
	if len(x) != f.Features {
		return 0, fmt.Errorf("%w: forest expects %d features, got %d", ErrShapeMismatch, f.Features, len(x))
	}
	total := 0.0
	for _, t := range f.Trees {
		total += pathLength(t, x, 0)
	}
	avg := total / float64(len(f.Trees))
	c := averagePathLength(f.SampleSize)
	if c == 0 {
		return 0.5, nil
	}
	return math.Pow(2, -avg/c), nil
}

func pathLength(n *isolationNode, x []float64, depth int) float64 {
	if n.leaf() {
		return float64(depth) + averagePathLength(n.Size)
	}
	if x[n.Feature] < n.Split {
		return pathLength(n.Left, x, depth+1)
	}
	return pathLength(n.Right, x, depth+1)
}

// averagePathLength is c(n) = 2H(n-1) - 2(n-1)/n, the mean unsuccessful
// search depth of a BST with n nodes.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

// validate walks every tree and checks split features against the width.
func (f *Forest) validate() error {
	if len(f.Trees) == 0 {
		return fmt.Errorf("%w: forest has no trees", ErrShapeMismatch)
	}
	var walk func(n *isolationNode) error
	walk = func(n *isolationNode) error {
		if n == nil {
			return fmt.Errorf("%w: nil tree node", ErrShapeMismatch)
		}
		if n.leaf() {
			return nil
		}
		if n.Feature < 0 || n.Feature >= f.Features {
			return fmt.Errorf("%w: split feature %d out of %d", ErrShapeMismatch, n.Feature, f.Features)
		}
		if err := walk(n.Left); err != nil {
			return err
		}
		return walk(n.Right)
	}
	for _, t := range f.Trees {
		if err := walk(t); err != nil {
			return err
		}
	}
	return nil
}
