package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Params are the ensemble hyperparameters.
type Params struct {
	NEstimators         int     `json:"n_estimators"`
	LearningRate        float64 `json:"learning_rate"`
	MaxDepth            int     `json:"max_depth"`
	Subsample           float64 `json:"subsample"`
	Colsample           float64 `json:"colsample"`
	EarlyStoppingRounds int     `json:"early_stopping_rounds"`
	Seed                uint64  `json:"seed"`
}

func DefaultParams() Params {
	return Params{
		NEstimators:         1000,
		LearningRate:        0.05,
		MaxDepth:            6,
		Subsample:           1,
		Colsample:           1,
		EarlyStoppingRounds: 50,
		Seed:                42,
	}
}

func (p Params) Validate() error {
	switch {
	case p.NEstimators <= 0:
		return fmt.Errorf("n_estimators must be positive, got %d", p.NEstimators)
	case p.LearningRate <= 0 || p.LearningRate > 1:
		return fmt.Errorf("learning_rate must be in (0,1], got %v", p.LearningRate)
	case p.MaxDepth <= 0:
		return fmt.Errorf("max_depth must be positive, got %d", p.MaxDepth)
	case p.Subsample <= 0 || p.Subsample > 1:
		return fmt.Errorf("subsample must be in (0,1], got %v", p.Subsample)
	case p.Colsample <= 0 || p.Colsample > 1:
		return fmt.Errorf("colsample must be in (0,1], got %v", p.Colsample)
	case p.EarlyStoppingRounds < 0:
		return fmt.Errorf("early_stopping_rounds must not be negative, got %d", p.EarlyStoppingRounds)
	}
	return nil
}

// Map flattens the parameters for the artifact record.
func (p Params) Map() map[string]float64 {
	return map[string]float64{
		"n_estimators":          float64(p.NEstimators),
		"learning_rate":         p.LearningRate,
		"max_depth":             float64(p.MaxDepth),
		"subsample":             p.Subsample,
		"colsample":             p.Colsample,
		"early_stopping_rounds": float64(p.EarlyStoppingRounds),
		"seed":                  float64(p.Seed),
	}
}

type node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
	Leaf      bool    `json:"leaf"`
}

type tree struct {
	Nodes []node `json:"nodes"`
}

func (t tree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Ensemble is a gradient-boosted regression tree model trained on squared
// error. It serializes to JSON for the artifact registry.
type Ensemble struct {
	Params        Params  `json:"params"`
	NFeatures     int     `json:"n_features"`
	Base          float64 `json:"base"`
	Trees         []tree  `json:"trees"`
	BestIteration int     `json:"best_iteration"`
	EvalRMSE      float64 `json:"eval_rmse"`
}

// Train fits an ensemble on x/y. When evalX is non-empty, training stops
// after EarlyStoppingRounds iterations without an eval RMSE improvement and
// the ensemble is truncated to its best iteration.
func Train(ctx context.Context, x [][]float64, y []float64, evalX [][]float64, evalY []float64, p Params) (*Ensemble, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	nf, err := checkMatrix(x, y)
	if err != nil {
		return nil, fmt.Errorf("training set: %w", err)
	}
	if len(evalX) > 0 {
		enf, err := checkMatrix(evalX, evalY)
		if err != nil {
			return nil, fmt.Errorf("eval set: %w", err)
		}
		if enf != nf {
			return nil, fmt.Errorf("eval set has %d features, training set has %d", enf, nf)
		}
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	e := &Ensemble{Params: p, NFeatures: nf, Base: stat.Mean(y, nil)}

	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = e.Base
	}
	evalPred := make([]float64, len(evalY))
	for i := range evalPred {
		evalPred[i] = e.Base
	}

	resid := make([]float64, len(y))
	bestRMSE := math.Inf(1)
	bestIter := 0
	for it := 0; it < p.NEstimators; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range resid {
			resid[i] = y[i] - pred[i]
		}

		b := builder{
			x:        x,
			resid:    resid,
			features: sampleIndexes(rng, nf, p.Colsample),
			maxDepth: p.MaxDepth,
		}
		t := b.build(sampleIndexes(rng, len(y), p.Subsample))
		for i := range t.Nodes {
			if t.Nodes[i].Leaf {
				t.Nodes[i].Value *= p.LearningRate
			}
		}
		e.Trees = append(e.Trees, t)
		for i := range pred {
			pred[i] += t.predict(x[i])
		}

		if len(evalX) == 0 {
			continue
		}
		for i := range evalPred {
			evalPred[i] += t.predict(evalX[i])
		}
		rmse := rootMeanSquare(evalPred, evalY)
		if math.IsNaN(rmse) || math.IsInf(rmse, 0) {
			return nil, fmt.Errorf("non-finite eval rmse at iteration %d", it)
		}
		if rmse < bestRMSE {
			bestRMSE, bestIter = rmse, it+1
		} else if p.EarlyStoppingRounds > 0 && it+1-bestIter >= p.EarlyStoppingRounds {
			break
		}
	}

	if len(evalX) == 0 {
		bestIter = len(e.Trees)
		bestRMSE = rootMeanSquare(pred, y)
	}
	e.Trees = e.Trees[:bestIter]
	e.BestIteration = bestIter
	e.EvalRMSE = bestRMSE
	return e, nil
}

// Predict returns one value per row of x.
func (e *Ensemble) Predict(x [][]float64) ([]float64, error) {
	out := make([]float64, len(x))
	for i, row := range x {
		if len(row) != e.NFeatures {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", i, len(row), e.NFeatures)
		}
		v := e.Base
		for _, t := range e.Trees {
			v += t.predict(row)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite prediction for row %d", i)
		}
		out[i] = v
	}
	return out, nil
}

type builder struct {
	x        [][]float64
	resid    []float64
	features []int
	maxDepth int
	nodes    []node
}

func (b *builder) build(rows []int) tree {
	b.nodes = nil
	b.grow(rows, 0)
	return tree{Nodes: b.nodes}
}

func (b *builder) grow(rows []int, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, node{})

	sum := 0.0
	for _, r := range rows {
		sum += b.resid[r]
	}
	leaf := node{Leaf: true, Value: sum / float64(len(rows))}

	if depth >= b.maxDepth || len(rows) < 2 {
		b.nodes[idx] = leaf
		return idx
	}
	feature, threshold, ok := b.bestSplit(rows, sum)
	if !ok {
		b.nodes[idx] = leaf
		return idx
	}

	var left, right []int
	for _, r := range rows {
		if b.x[r][feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[idx] = node{Feature: feature, Threshold: threshold, Left: l, Right: r}
	return idx
}

// bestSplit scans every sampled feature for the threshold maximizing the
// reduction in squared error.
func (b *builder) bestSplit(rows []int, total float64) (int, float64, bool) {
	n := float64(len(rows))
	baseScore := total * total / n
	bestGain := 1e-12
	bestFeature, bestThreshold, found := 0, 0.0, false

	sorted := make([]int, len(rows))
	for _, f := range b.features {
		copy(sorted, rows)
		sort.Slice(sorted, func(i, j int) bool { return b.x[sorted[i]][f] < b.x[sorted[j]][f] })

		left := 0.0
		for i := 0; i < len(sorted)-1; i++ {
			left += b.resid[sorted[i]]
			cur, next := b.x[sorted[i]][f], b.x[sorted[i+1]][f]
			if cur == next {
				continue
			}
			nl := float64(i + 1)
			right := total - left
			gain := left*left/nl + right*right/(n-nl) - baseScore
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = cur + (next-cur)/2
				if bestThreshold >= next {
					bestThreshold = cur
				}
				found = true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

// sampleIndexes returns a sorted random subset of [0,n) of size
// ceil(frac*n), or every index when frac is 1.
func sampleIndexes(rng *rand.Rand, n int, frac float64) []int {
	k := int(math.Ceil(frac * float64(n)))
	k = max(1, min(n, k))
	if k == n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := rng.Perm(n)[:k]
	sort.Ints(out)
	return out
}

func checkMatrix(x [][]float64, y []float64) (int, error) {
	if len(x) == 0 {
		return 0, fmt.Errorf("no rows")
	}
	if len(x) != len(y) {
		return 0, fmt.Errorf("%d rows but %d targets", len(x), len(y))
	}
	nf := len(x[0])
	if nf == 0 {
		return 0, fmt.Errorf("no features")
	}
	for i, row := range x {
		if len(row) != nf {
			return 0, fmt.Errorf("row %d has %d features, want %d", i, len(row), nf)
		}
		if floats.HasNaN(row) {
			return 0, fmt.Errorf("row %d has NaN features", i)
		}
	}
	if floats.HasNaN(y) {
		return 0, fmt.Errorf("NaN target")
	}
	return nf, nil
}

func rootMeanSquare(pred, actual []float64) float64 {
	return floats.Distance(pred, actual, 2) / math.Sqrt(float64(len(pred)))
}
