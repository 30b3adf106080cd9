package engine

import (
	"math"
	"math/rand"
	"sort"
)

// isolationForest is an ensemble of random isolation trees used for the
// multivariate anomaly pass. Scores follow the usual convention: more
// negative means more anomalous, with values in (-1, 0).
type isolationForest struct {
	trees     []*isoNode
	subsample int
	avgPath   float64
}

type isoNode struct {
	attr  int
	split float64
	left  *isoNode
	right *isoNode
	size  int
}

const (
	forestTrees     = 100
	forestSubsample = 256
	forestSeed      = 42
)

// fitIsolationForest builds the ensemble over the given rows with a fixed
// seed so runs are reproducible.
func fitIsolationForest(data [][]float64) *isolationForest {
	rng := rand.New(rand.NewSource(forestSeed))
	n := len(data)
	psi := forestSubsample
	if psi > n {
		psi = n
	}
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))

	f := &isolationForest{
		subsample: psi,
		avgPath:   averagePathLength(psi),
	}
	for t := 0; t < forestTrees; t++ {
		sample := make([][]float64, psi)
		for i := range sample {
			sample[i] = data[rng.Intn(n)]
		}
		f.trees = append(f.trees, buildIsoTree(sample, 0, maxDepth, rng))
	}
	return f
}

func buildIsoTree(data [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if len(data) <= 1 || depth >= maxDepth {
		return &isoNode{size: len(data)}
	}

	nAttrs := len(data[0])
	attr := rng.Intn(nAttrs)
	lo, hi := data[0][attr], data[0][attr]
	for _, row := range data {
		if row[attr] < lo {
			lo = row[attr]
		}
		if row[attr] > hi {
			hi = row[attr]
		}
	}
	if lo == hi {
		return &isoNode{size: len(data)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range data {
		if row[attr] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: len(data)}
	}
	return &isoNode{
		attr:  attr,
		split: split,
		left:  buildIsoTree(left, depth+1, maxDepth, rng),
		right: buildIsoTree(right, depth+1, maxDepth, rng),
	}
}

// pathLength walks a point down one tree, adding the standard adjustment for
// the unresolved subtree at the leaf.
func pathLength(node *isoNode, point []float64, depth float64) float64 {
	if node.left == nil {
		return depth + averagePathLength(node.size)
	}
	if point[node.attr] < node.split {
		return pathLength(node.left, point, depth+1)
	}
	return pathLength(node.right, point, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649015329
	return 2*h - 2*float64(n-1)/float64(n)
}

// scoreSamples returns the negated anomaly score -s(x) for every row, where
// s(x) = 2^(-E[h(x)]/c(psi)).
func (f *isolationForest) scoreSamples(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, point := range data {
		sum := 0.0
		for _, tree := range f.trees {
			sum += pathLength(tree, point, 0)
		}
		mean := sum / float64(len(f.trees))
		scores[i] = -math.Pow(2, -mean/f.avgPath)
	}
	return scores
}

// predictOutliers flags the contamination fraction of rows with the lowest
// scores.
func (f *isolationForest) predictOutliers(scores []float64, contamination float64) []bool {
	n := len(scores)
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)

	cut := int(contamination * float64(n))
	if cut == 0 {
		return make([]bool, n)
	}
	threshold := sorted[cut-1]

	out := make([]bool, n)
	for i, s := range scores {
		out[i] = s <= threshold
	}
	return out
}
