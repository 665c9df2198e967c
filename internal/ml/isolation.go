package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

const eulerGamma = 0.5772156649015329

// IsolationConfig configures an IsolationForest
type IsolationConfig struct {
	Trees         int     `json:"trees"`
	MaxSamples    int     `json:"max_samples"`
	Contamination float64 `json:"contamination"`
	Seed          int64   `json:"seed"`
}

// DefaultIsolationConfig matches the production outlier scorer
func DefaultIsolationConfig() IsolationConfig {
	return IsolationConfig{Trees: 100, MaxSamples: 256, Contamination: 0.1, Seed: 42}
}

type isoNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Size      int     `json:"s"`
	Leaf      bool    `json:"leaf,omitempty"`
}

type isoTree struct {
	Nodes []isoNode `json:"nodes"`
}

// IsolationForest scores how easily a row is isolated by random axis-aligned splits.
// DecisionFunction follows the usual convention: negative values are outliers.
type IsolationForest struct {
	Config     IsolationConfig `json:"config"`
	Features   int             `json:"features"`
	SampleSize int             `json:"sample_size"`
	Offset     float64         `json:"offset"`
	Trees      []isoTree       `json:"trees"`
}

// NewIsolationForest creates an unfitted isolation forest
func NewIsolationForest(cfg IsolationConfig) *IsolationForest {
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 256
	}
	if cfg.Contamination <= 0 || cfg.Contamination > 0.5 {
		cfg.Contamination = 0.1
	}
	return &IsolationForest{Config: cfg}
}

// Fit grows the trees on sub-samples of x and sets the decision offset from the
// contamination quantile of the training scores
func (f *IsolationForest) Fit(x [][]float64) error {
	if len(x) == 0 {
		return ErrEmptyInput
	}
	d := len(x[0])
	for _, row := range x {
		if len(row) != d {
			return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(row), d)
		}
	}

	psi := f.Config.MaxSamples
	if psi > len(x) {
		psi = len(x)
	}
	heightLimit := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))
	rng := rand.New(rand.NewSource(f.Config.Seed))

	trees := make([]isoTree, 0, f.Config.Trees)
	for t := 0; t < f.Config.Trees; t++ {
		sample := rng.Perm(len(x))[:psi]
		b := &isoBuilder{x: x, rng: rng, limit: heightLimit, dims: d}
		b.build(sample, 0)
		trees = append(trees, isoTree{Nodes: b.nodes})
	}

	f.Features = d
	f.SampleSize = psi
	f.Trees = trees
	f.Offset = 0

	scores := make([]float64, len(x))
	for i, row := range x {
		s, err := f.ScoreSamples(row)
		if err != nil {
			return err
		}
		scores[i] = s
	}
	f.Offset = percentile(scores, f.Config.Contamination)
	return nil
}

// ScoreSamples returns the opposite of the anomaly score: in [-1, 0), lower is more anomalous
func (f *IsolationForest) ScoreSamples(row []float64) (float64, error) {
	if !f.Fitted() {
		return 0, ErrNotFitted
	}
	if len(row) != f.Features {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(row), f.Features)
	}

	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(row)
	}
	mean := total / float64(len(f.Trees))
	return -math.Pow(2, -mean/averagePathLength(f.SampleSize)), nil
}

// DecisionFunction returns ScoreSamples shifted by the fitted offset
func (f *IsolationForest) DecisionFunction(row []float64) (float64, error) {
	s, err := f.ScoreSamples(row)
	if err != nil {
		return 0, err
	}
	return s - f.Offset, nil
}

// Fitted reports whether the forest has trees
func (f *IsolationForest) Fitted() bool {
	return f != nil && len(f.Trees) > 0
}

func (t *isoTree) pathLength(row []float64) float64 {
	i, depth := 0, 0
	for {
		n := &t.Nodes[i]
		if n.Leaf {
			return float64(depth) + averagePathLength(n.Size)
		}
		if row[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

type isoBuilder struct {
	x     [][]float64
	rng   *rand.Rand
	limit int
	dims  int
	nodes []isoNode
}

func (b *isoBuilder) build(idx []int, depth int) int {
	node := len(b.nodes)
	b.nodes = append(b.nodes, isoNode{Size: len(idx)})

	if depth >= b.limit || len(idx) <= 1 {
		b.nodes[node].Leaf = true
		return node
	}

	// only split on features that still vary in this node
	var splittable []int
	lows := make([]float64, b.dims)
	highs := make([]float64, b.dims)
	for j := 0; j < b.dims; j++ {
		lo, hi := b.x[idx[0]][j], b.x[idx[0]][j]
		for _, i := range idx[1:] {
			v := b.x[i][j]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		lows[j], highs[j] = lo, hi
		if hi > lo {
			splittable = append(splittable, j)
		}
	}
	if len(splittable) == 0 {
		b.nodes[node].Leaf = true
		return node
	}

	feature := splittable[b.rng.Intn(len(splittable))]
	threshold := lows[feature] + b.rng.Float64()*(highs[feature]-lows[feature])
	if threshold <= lows[feature] {
		threshold = math.Nextafter(lows[feature], highs[feature])
	}

	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] < threshold {
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

// averagePathLength is c(n), the mean path length of an unsuccessful BST search
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile returns the q-quantile (0..1) of values with linear interpolation
func percentile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
