package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ForestConfig configures a RandomForest
type ForestConfig struct {
	Trees          int   `json:"trees"`
	MaxDepth       int   `json:"max_depth"` // 0 = unlimited
	MinSamplesLeaf int   `json:"min_samples_leaf"`
	Seed           int64 `json:"seed"`
}

// DefaultForestConfig matches the production categorizer: 100 trees, seed 42
func DefaultForestConfig() ForestConfig {
	return ForestConfig{Trees: 100, MinSamplesLeaf: 1, Seed: 42}
}

// treeNode is a flattened decision tree node. Leaves hold class probabilities.
type treeNode struct {
	Feature   int       `json:"f"`
	Threshold float64   `json:"t"`
	Left      int       `json:"l"`
	Right     int       `json:"r"`
	Probs     []float64 `json:"p,omitempty"`
}

type decisionTree struct {
	Nodes []treeNode `json:"nodes"`
}

// RandomForest is a bagged ensemble of Gini decision trees with sqrt(d) features per split
type RandomForest struct {
	Config   ForestConfig   `json:"config"`
	Classes  []string       `json:"classes"`
	Features int            `json:"features"`
	Trees    []decisionTree `json:"trees"`
}

// NewRandomForest creates an unfitted forest
func NewRandomForest(cfg ForestConfig) *RandomForest {
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.MinSamplesLeaf <= 0 {
		cfg.MinSamplesLeaf = 1
	}
	return &RandomForest{Config: cfg}
}

// Fit trains the forest on rows x with string labels y
func (f *RandomForest) Fit(x [][]float64, y []string) error {
	if len(x) == 0 {
		return ErrEmptyInput
	}
	if len(x) != len(y) {
		return fmt.Errorf("%w: %d rows, %d labels", ErrDimension, len(x), len(y))
	}
	d := len(x[0])
	for _, row := range x {
		if len(row) != d {
			return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(row), d)
		}
	}

	classSet := make(map[string]struct{})
	for _, label := range y {
		classSet[label] = struct{}{}
	}
	classes := make([]string, 0, len(classSet))
	for c := range classSet {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	classIndex := make(map[string]int, len(classes))
	for i, c := range classes {
		classIndex[c] = i
	}
	labels := make([]int, len(y))
	for i, label := range y {
		labels[i] = classIndex[label]
	}

	mtry := int(math.Max(1, math.Floor(math.Sqrt(float64(d)))))
	rng := rand.New(rand.NewSource(f.Config.Seed))

	trees := make([]decisionTree, 0, f.Config.Trees)
	for t := 0; t < f.Config.Trees; t++ {
		sample := make([]int, len(x))
		for i := range sample {
			sample[i] = rng.Intn(len(x))
		}
		b := &treeBuilder{
			x:        x,
			y:        labels,
			nClasses: len(classes),
			mtry:     mtry,
			maxDepth: f.Config.MaxDepth,
			minLeaf:  f.Config.MinSamplesLeaf,
			rng:      rand.New(rand.NewSource(rng.Int63())),
		}
		b.build(sample, 0)
		trees = append(trees, decisionTree{Nodes: b.nodes})
	}

	f.Classes = classes
	f.Features = d
	f.Trees = trees
	return nil
}

// PredictProba returns the averaged class probabilities for one row, ordered as Classes
func (f *RandomForest) PredictProba(row []float64) ([]float64, error) {
	if !f.Fitted() {
		return nil, ErrNotFitted
	}
	if len(row) != f.Features {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(row), f.Features)
	}

	probs := make([]float64, len(f.Classes))
	for _, tree := range f.Trees {
		leaf := tree.leaf(row)
		for i, p := range leaf.Probs {
			probs[i] += p
		}
	}
	for i := range probs {
		probs[i] /= float64(len(f.Trees))
	}
	return probs, nil
}

// Predict returns the most probable class label and its probability
func (f *RandomForest) Predict(row []float64) (string, float64, error) {
	probs, err := f.PredictProba(row)
	if err != nil {
		return "", 0, err
	}
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return f.Classes[best], probs[best], nil
}

// Accuracy returns the fraction of rows predicted correctly
func (f *RandomForest) Accuracy(x [][]float64, y []string) (float64, error) {
	if len(x) == 0 {
		return 0, ErrEmptyInput
	}
	correct := 0
	for i, row := range x {
		label, _, err := f.Predict(row)
		if err != nil {
			return 0, err
		}
		if label == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(x)), nil
}

// Fitted reports whether the forest has trees
func (f *RandomForest) Fitted() bool {
	return f != nil && len(f.Trees) > 0 && len(f.Classes) > 0
}

func (t *decisionTree) leaf(row []float64) *treeNode {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Probs != nil {
			return n
		}
		if row[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

type treeBuilder struct {
	x        [][]float64
	y        []int
	nClasses int
	mtry     int
	maxDepth int
	minLeaf  int
	rng      *rand.Rand
	nodes    []treeNode
}

func (b *treeBuilder) build(idx []int, depth int) int {
	counts := b.counts(idx)
	node := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{})

	if b.pure(counts) || len(idx) < 2*b.minLeaf || (b.maxDepth > 0 && depth >= b.maxDepth) {
		b.nodes[node].Probs = b.probs(counts, len(idx))
		return node
	}

	feature, threshold, ok := b.bestSplit(idx, counts)
	if !ok {
		b.nodes[node].Probs = b.probs(counts, len(idx))
		return node
	}

	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[node].Feature = feature
	b.nodes[node].Threshold = threshold
	b.nodes[node].Left = l
	b.nodes[node].Right = r
	return node
}

func (b *treeBuilder) bestSplit(idx []int, total []int) (int, float64, bool) {
	d := len(b.x[0])
	candidates := b.rng.Perm(d)[:b.mtry]
	n := float64(len(idx))
	parent := gini(total, len(idx))

	bestGain := 0.0
	bestFeature, bestThreshold := -1, 0.0

	sorted := make([]int, len(idx))
	for _, feature := range candidates {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool {
			return b.x[sorted[a]][feature] < b.x[sorted[c]][feature]
		})

		left := make([]int, b.nClasses)
		right := append([]int(nil), total...)
		for k := 0; k < len(sorted)-1; k++ {
			cls := b.y[sorted[k]]
			left[cls]++
			right[cls]--

			cur, next := b.x[sorted[k]][feature], b.x[sorted[k+1]][feature]
			if cur == next {
				continue
			}
			nl, nr := k+1, len(sorted)-k-1
			if nl < b.minLeaf || nr < b.minLeaf {
				continue
			}
			impurity := (float64(nl)*gini(left, nl) + float64(nr)*gini(right, nr)) / n
			if gain := parent - impurity; gain > bestGain {
				bestGain = gain
				bestFeature = feature
				bestThreshold = (cur + next) / 2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func (b *treeBuilder) counts(idx []int) []int {
	c := make([]int, b.nClasses)
	for _, i := range idx {
		c[b.y[i]]++
	}
	return c
}

func (b *treeBuilder) pure(counts []int) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}

func (b *treeBuilder) probs(counts []int, n int) []float64 {
	p := make([]float64, len(counts))
	if n == 0 {
		return p
	}
	for i, c := range counts {
		p[i] = float64(c) / float64(n)
	}
	return p
}

func gini(counts []int, n int) float64 {
	if n == 0 {
		return 0
	}
	g := 1.0
	for _, c := range counts {
		p := float64(c) / float64(n)
		g -= p * p
	}
	return g
}
