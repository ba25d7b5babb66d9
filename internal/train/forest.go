package train

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"

	ferrors "github.com/foresight/foresight/internal/errors"
)

const (
	defaultEstimators = 50
	defaultMaxDepth   = 6
	minLeafSize       = 2
	maxSplitCuts      = 16
)

// treeNode is one node of a regression tree. Leaf nodes carry the
// mean target of their training subset.
type treeNode struct {
	Feature   int       `json:"f,omitempty"`
	Threshold float64   `json:"t,omitempty"`
	Left      *treeNode `json:"l,omitempty"`
	Right     *treeNode `json:"r,omitempty"`
	Value     float64   `json:"v"`
	Leaf      bool      `json:"leaf,omitempty"`
}

func (n *treeNode) predict(x []float64) float64 {
	if n.Leaf {
		return n.Value
	}
	if x[n.Feature] <= n.Threshold {
		return n.Left.predict(x)
	}
	return n.Right.predict(x)
}

// forestState is the serialized form of a fitted random forest.
type forestState struct {
	Trees    []*treeNode `json:"trees"`
	MaxDepth int         `json:"max_depth"`
	Seed     int64       `json:"seed"`
}

// ForestModel is a bagged ensemble of depth-limited regression trees.
type ForestModel struct {
	state    forestState
	features []string
}

func (m *ForestModel) Kind() string { return AlgorithmForest }

// Predict averages the per-tree predictions for one feature vector.
func (m *ForestModel) Predict(features map[string]float64) (float64, error) {
	x := make([]float64, len(m.features))
	for i, name := range m.features {
		v, ok := features[name]
		if !ok {
			return 0, fmt.Errorf("missing feature %q", name)
		}
		x[i] = v
	}

	var sum float64
	for _, tree := range m.state.Trees {
		sum += tree.predict(x)
	}
	return sum / float64(len(m.state.Trees)), nil
}

// State serializes the model parameters.
func (m *ForestModel) State() (json.RawMessage, error) {
	return json.Marshal(m.state)
}

// fitForest trains a bagged forest. Each tree sees a bootstrap sample
// drawn from a rng derived from the configured seed, so the whole fit
// is reproducible. The context carries the training budget; hitting
// its deadline aborts the fit.
func fitForest(ctx context.Context, x [][]float64, y []float64, features []string, hyper map[string]float64, seed int64) (*ForestModel, error) {
	n := len(x)
	if n == 0 || len(features) == 0 {
		return nil, ferrors.NewTrainingError(ferrors.CodeInsufficientData,
			"empty design matrix", nil)
	}

	estimators := hyperInt(hyper, "n_estimators", defaultEstimators)
	maxDepth := hyperInt(hyper, "max_depth", defaultMaxDepth)

	state := forestState{
		Trees:    make([]*treeNode, 0, estimators),
		MaxDepth: maxDepth,
		Seed:     seed,
	}

	for t := 0; t < estimators; t++ {
		if err := ctx.Err(); err != nil {
			return nil, ferrors.NewTrainingError(ferrors.CodeTrainingDiverged,
				"training budget exceeded", err)
		}

		rng := rand.New(rand.NewSource(seed + int64(t)))
		sample := make([]int, n)
		for i := range sample {
			sample[i] = rng.Intn(n)
		}
		state.Trees = append(state.Trees, buildTree(x, y, sample, 0, maxDepth, rng))
	}

	return &ForestModel{state: state, features: features}, nil
}

// buildTree grows one tree by greedy variance-reduction splits.
func buildTree(x [][]float64, y []float64, indices []int, depth, maxDepth int, rng *rand.Rand) *treeNode {
	mean := subsetMean(y, indices)
	if depth >= maxDepth || len(indices) < 2*minLeafSize {
		return &treeNode{Leaf: true, Value: mean}
	}

	feature, threshold, ok := bestSplit(x, y, indices)
	if !ok {
		return &treeNode{Leaf: true, Value: mean}
	}

	var left, right []int
	for _, i := range indices {
		if x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < minLeafSize || len(right) < minLeafSize {
		return &treeNode{Leaf: true, Value: mean}
	}

	return &treeNode{
		Feature:   feature,
		Threshold: threshold,
		Value:     mean,
		Left:      buildTree(x, y, left, depth+1, maxDepth, rng),
		Right:     buildTree(x, y, right, depth+1, maxDepth, rng),
	}
}

// bestSplit scans every feature over a bounded set of candidate cut
// points and returns the split with the lowest weighted variance.
func bestSplit(x [][]float64, y []float64, indices []int) (feature int, threshold float64, ok bool) {
	bestScore := subsetSSE(y, indices)
	p := len(x[indices[0]])

	for f := 0; f < p; f++ {
		values := make([]float64, 0, len(indices))
		for _, i := range indices {
			values = append(values, x[i][f])
		}
		sort.Float64s(values)

		for _, cut := range candidateCuts(values) {
			var left, right []int
			for _, i := range indices {
				if x[i][f] <= cut {
					left = append(left, i)
				} else {
					right = append(right, i)
				}
			}
			if len(left) < minLeafSize || len(right) < minLeafSize {
				continue
			}

			score := subsetSSE(y, left) + subsetSSE(y, right)
			if score < bestScore {
				bestScore = score
				feature = f
				threshold = cut
				ok = true
			}
		}
	}
	return feature, threshold, ok
}

// candidateCuts returns up to maxSplitCuts midpoints between distinct
// sorted values.
func candidateCuts(sorted []float64) []float64 {
	var cuts []float64
	step := 1
	if len(sorted) > maxSplitCuts {
		step = len(sorted) / maxSplitCuts
	}
	for i := step; i < len(sorted); i += step {
		if sorted[i] != sorted[i-1] {
			cuts = append(cuts, (sorted[i]+sorted[i-1])/2)
		}
	}
	return cuts
}

func subsetMean(y []float64, indices []int) float64 {
	if len(indices) == 0 {
		return 0
	}
	var sum float64
	for _, i := range indices {
		sum += y[i]
	}
	return sum / float64(len(indices))
}

func subsetSSE(y []float64, indices []int) float64 {
	mean := subsetMean(y, indices)
	var sse float64
	for _, i := range indices {
		d := y[i] - mean
		sse += d * d
	}
	return sse
}

func hyperInt(hyper map[string]float64, key string, def int) int {
	if v, ok := hyper[key]; ok && v >= 1 {
		return int(v)
	}
	return def
}
