package ml

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"vacantwatch/internal/geo"
)

// weightTolerance bounds the accepted deviation of a weight triple
// from summing to exactly 1.
const weightTolerance = 1e-9

// Weights are the ensemble mixing coefficients. Each lies in [0,1] and
// the three sum to 1 within tolerance. Immutable once selected.
type Weights struct {
	Feature float64 `json:"feature"`
	Cluster float64 `json:"cluster"`
	Density float64 `json:"density"`
}

// EqualWeights is the pre-optimization default.
func EqualWeights() Weights {
	return Weights{Feature: 0.33, Cluster: 0.33, Density: 0.34}
}

// Valid reports whether the weights form a point on the 2-simplex.
func (w Weights) Valid() bool {
	for _, v := range []float64{w.Feature, w.Cluster, w.Density} {
		if v < 0 || v > 1 {
			return false
		}
	}
	return math.Abs(w.Feature+w.Cluster+w.Density-1) <= weightTolerance
}

// Contribution is one expert's share of a final prediction.
type Contribution struct {
	Prediction   float64 `json:"prediction"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Explanation is a per-expert breakdown of a single prediction. The
// contributions sum exactly to FinalProbability.
type Explanation struct {
	FinalProbability float64                 `json:"final_probability"`
	PerExpert        map[string]Contribution `json:"per_expert"`
}

// Ensemble combines the three experts into one calibrated predictor
// via a weighted sum. A sum, not a product: an untrained or
// unavailable expert outputting 0 merely dampens the score instead of
// vetoing it, so the ensemble degrades gracefully.
//
// The ensemble holds experts by interface and never owns their fitted
// state. Weight mutation is guarded; predictions may run concurrently.
type Ensemble struct {
	mu sync.RWMutex

	feature Expert
	cluster Expert
	density Expert
	weights Weights
}

// NewEnsemble composes three trained (or to-be-trained) experts with
// equal starting weights.
func NewEnsemble(feature, cluster, density Expert) *Ensemble {
	return &Ensemble{
		feature: feature,
		cluster: cluster,
		density: density,
		weights: EqualWeights(),
	}
}

// Weights returns the current mixing weights.
func (e *Ensemble) Weights() Weights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

// SetWeights installs weights, e.g. from a loaded bundle.
func (e *Ensemble) SetWeights(w Weights) error {
	if !w.Valid() {
		return fmt.Errorf("ensemble: invalid weights %+v", w)
	}
	e.mu.Lock()
	e.weights = w
	e.mu.Unlock()
	return nil
}

// expertScores runs one expert, substituting zeros when it is
// untrained so a missing opinion dampens rather than aborts.
func expertScores(ex Expert, X [][]float64, coords []geo.Coordinate, n int) ([]float64, error) {
	if ex == nil || !ex.Trained() {
		return make([]float64, n), nil
	}
	scores, err := ex.PredictProba(X, coords)
	if err != nil {
		return nil, fmt.Errorf("%s expert: %w", ex.Name(), err)
	}
	return scores, nil
}

func (e *Ensemble) anyTrained() bool {
	for _, ex := range []Expert{e.feature, e.cluster, e.density} {
		if ex != nil && ex.Trained() {
			return true
		}
	}
	return false
}

// PredictProba returns the weighted-sum probability for each row.
// Returns ErrUntrained if no expert has been trained at all, which is
// distinct from a prediction of zero.
func (e *Ensemble) PredictProba(X [][]float64, coords []geo.Coordinate) ([]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.anyTrained() {
		return nil, fmt.Errorf("ensemble: %w", ErrUntrained)
	}

	n := len(coords)
	if len(X) > n {
		n = len(X)
	}

	pf, err := expertScores(e.feature, X, coords, n)
	if err != nil {
		return nil, err
	}
	pc, err := expertScores(e.cluster, X, coords, n)
	if err != nil {
		return nil, err
	}
	pd, err := expertScores(e.density, X, coords, n)
	if err != nil {
		return nil, err
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = e.weights.Feature*pf[i] + e.weights.Cluster*pc[i] + e.weights.Density*pd[i]
	}
	return out, nil
}

// Explain returns the per-expert breakdown for a single query. The
// final probability is computed as the sum of the contributions, so
// the two always agree exactly.
func (e *Ensemble) Explain(x []float64, coord geo.Coordinate) (Explanation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.anyTrained() {
		return Explanation{}, fmt.Errorf("ensemble: %w", ErrUntrained)
	}

	X := [][]float64{x}
	coords := []geo.Coordinate{coord}

	pf, err := expertScores(e.feature, X, coords, 1)
	if err != nil {
		return Explanation{}, err
	}
	pc, err := expertScores(e.cluster, X, coords, 1)
	if err != nil {
		return Explanation{}, err
	}
	pd, err := expertScores(e.density, X, coords, 1)
	if err != nil {
		return Explanation{}, err
	}

	per := map[string]Contribution{
		"feature": {Prediction: pf[0], Weight: e.weights.Feature, Contribution: pf[0] * e.weights.Feature},
		"cluster": {Prediction: pc[0], Weight: e.weights.Cluster, Contribution: pc[0] * e.weights.Cluster},
		"density": {Prediction: pd[0], Weight: e.weights.Density, Contribution: pd[0] * e.weights.Density},
	}

	var final float64
	for _, c := range per {
		final += c.Contribution
	}

	return Explanation{FinalProbability: final, PerExpert: per}, nil
}

// OptimizeWeights grid-searches the 2-simplex in 0.1 increments for
// the weights maximizing ROC-AUC on the held-out validation set. Each
// expert's prediction vector is computed exactly once; the search then
// only mixes pre-computed vectors, so its cost is independent of model
// complexity. Ties keep the first combination encountered.
func (e *Ensemble) OptimizeWeights(XVal [][]float64, yVal []int, coordsVal []geo.Coordinate) (Weights, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.anyTrained() {
		return Weights{}, fmt.Errorf("ensemble: %w", ErrUntrained)
	}
	if len(yVal) == 0 {
		return Weights{}, fmt.Errorf("ensemble: empty validation set")
	}

	n := len(yVal)
	pf, err := expertScores(e.feature, XVal, coordsVal, n)
	if err != nil {
		return Weights{}, err
	}
	pc, err := expertScores(e.cluster, XVal, coordsVal, n)
	if err != nil {
		return Weights{}, err
	}
	pd, err := expertScores(e.density, XVal, coordsVal, n)
	if err != nil {
		return Weights{}, err
	}

	best := e.weights
	bestScore := -1.0
	mixed := make([]float64, n)

	// Feature weight enumerated high-to-low: when several mixtures tie
	// (one expert alone already ranks the set perfectly), the tie
	// resolves toward the informative expert instead of a diluted mix.
	for fi := 10; fi >= 0; fi-- {
		for ci := 0; ci <= 10-fi; ci++ {
			w := Weights{
				Feature: float64(fi) / 10,
				Cluster: float64(ci) / 10,
				Density: float64(10-fi-ci) / 10,
			}
			if !w.Valid() {
				continue
			}

			for i := 0; i < n; i++ {
				mixed[i] = w.Feature*pf[i] + w.Cluster*pc[i] + w.Density*pd[i]
			}

			// Single-class validation sets score 0 rather than erroring
			// out: the search still terminates with a usable default.
			score, err := ROCAUC(yVal, mixed)
			if err != nil {
				score = 0
			}

			if score > bestScore {
				bestScore = score
				best = w
			}
		}
	}

	e.weights = best
	log.Info().
		Float64("auc", bestScore).
		Float64("w_feature", best.Feature).
		Float64("w_cluster", best.Cluster).
		Float64("w_density", best.Density).
		Msg("ensemble weights optimized")

	return best, nil
}
