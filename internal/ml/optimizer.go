package ml

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"

	"vacantwatch/internal/geo"
)

// HyperOptimizer tunes expert hyperparameters. Everything supervised
// is scored on spatially-held-out folds, never on a plain random
// split; a random split would reward memorizing the neighbourhood.
type HyperOptimizer struct {
	cv  SpatialCV
	rng *rand.Rand
}

// NewHyperOptimizer creates an optimizer over the given cross
// validator. The seed drives the randomized search sampling.
func NewHyperOptimizer(cv SpatialCV, seed int64) *HyperOptimizer {
	return &HyperOptimizer{cv: cv, rng: rand.New(rand.NewSource(seed))}
}

// OptimizeFeatureExpert randomly samples hyperparameter combinations
// and scores each by mean F1 over the non-degenerate spatial folds.
func (o *HyperOptimizer) OptimizeFeatureExpert(X [][]float64, y []int, coords []geo.Coordinate, featureNames []string, nIter int) (FeatureExpertParams, float64, error) {
	folds, err := o.cv.Split(coords)
	if err != nil {
		return FeatureExpertParams{}, 0, fmt.Errorf("optimize feature expert: %w", err)
	}

	learnRates := []float64{0.01, 0.05, 0.1, 0.3}
	epochChoices := []int{200, 500, 1000}
	l2Choices := []float64{0, 1e-4, 1e-3, 1e-2}

	best := DefaultFeatureExpertParams()
	bestScore := -1.0

	for iter := 0; iter < nIter; iter++ {
		params := FeatureExpertParams{
			LearnRate: learnRates[o.rng.Intn(len(learnRates))],
			Epochs:    epochChoices[o.rng.Intn(len(epochChoices))],
			L2:        l2Choices[o.rng.Intn(len(l2Choices))],
		}

		score, ok := o.scoreFolds(params, X, y, folds, featureNames)
		if !ok {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = params
		}
	}

	if bestScore < 0 {
		return best, 0, fmt.Errorf("optimize feature expert: no scorable fold")
	}

	log.Info().
		Float64("f1", bestScore).
		Float64("learn_rate", best.LearnRate).
		Int("epochs", best.Epochs).
		Msg("feature expert hyperparameters selected")

	return best, bestScore, nil
}

// scoreFolds trains a throwaway classifier per fold and averages F1
// over folds with usable train and test sets.
func (o *HyperOptimizer) scoreFolds(params FeatureExpertParams, X [][]float64, y []int, folds []Fold, featureNames []string) (float64, bool) {
	var total float64
	scored := 0

	for _, fold := range folds {
		if fold.Degenerate {
			continue
		}

		XTrain, yTrain := selectRows(X, y, fold.TrainIdx)
		XTest, yTest := selectRows(X, y, fold.TestIdx)

		expert := NewFeatureExpert(params, featureNames)
		if _, err := expert.TrainValidate(XTrain, yTrain, nil, nil); err != nil {
			continue
		}
		scores, err := expert.PredictProba(XTest, nil)
		if err != nil {
			continue
		}
		m, err := Evaluate(yTest, scores)
		if err != nil {
			continue
		}

		total += m.F1
		scored++
	}

	if scored == 0 {
		return 0, false
	}
	return total / float64(scored), true
}

// OptimizeClusterEps grid-searches eps from 100m to maxEpsMeters,
// scored by the silhouette coefficient over non-noise points.
// Degenerate clusterings are rejected outright: zero clusters, a
// single cluster swallowing every point, and all-noise results all
// say nothing about neighbourhood structure.
func (o *HyperOptimizer) OptimizeClusterEps(positives []geo.Coordinate, maxEpsMeters float64, minSamples int) (ClusterParams, float64, error) {
	if len(positives) < minSamples {
		return DefaultClusterParams(), 0, fmt.Errorf("optimize cluster eps: only %d positive coordinates", len(positives))
	}

	best := ClusterParams{EpsMeters: 500, MinSamples: minSamples}
	bestScore := -1.0

	const steps = 10
	for s := 0; s < steps; s++ {
		eps := 100 + (maxEpsMeters-100)*float64(s)/float64(steps-1)

		labels, nClusters := dbscan(positives, eps, minSamples)
		if nClusters < 1 {
			continue
		}

		var clustered []geo.Coordinate
		var clusteredLabels []int
		for i, label := range labels {
			if label != noiseLabel {
				clustered = append(clustered, positives[i])
				clusteredLabels = append(clusteredLabels, label)
			}
		}
		if len(clustered) < 3 || len(clustered) == 0 {
			continue
		}
		if nClusters == 1 && len(clustered) == len(positives) {
			continue // one cluster containing everything
		}

		score := silhouette(clustered, clusteredLabels, nClusters)
		if score > bestScore {
			bestScore = score
			best = ClusterParams{EpsMeters: eps, MinSamples: minSamples}
		}
	}

	if bestScore < 0 {
		return best, 0, fmt.Errorf("optimize cluster eps: every eps produced a degenerate clustering")
	}

	log.Info().
		Float64("eps_m", best.EpsMeters).
		Float64("silhouette", bestScore).
		Msg("cluster eps selected")

	return best, bestScore, nil
}

// DensityBandwidth returns the closed-form bandwidth heuristic:
// mean coordinate spread in meters scaled by n^(-1/6). A classical
// rule of thumb that serves 2-D geographic density well, so no search
// is run. The meters conversion uses the flat 111km/degree
// approximation on both axes, matching the reference behaviour.
func DensityBandwidth(positives []geo.Coordinate) DensityParams {
	n := len(positives)
	if n < 2 {
		return DefaultDensityParams()
	}

	var latMean, lonMean float64
	for _, c := range positives {
		latMean += c.Lat
		lonMean += c.Lon
	}
	latMean /= float64(n)
	lonMean /= float64(n)

	var latVar, lonVar float64
	for _, c := range positives {
		latVar += (c.Lat - latMean) * (c.Lat - latMean)
		lonVar += (c.Lon - lonMean) * (c.Lon - lonMean)
	}
	stdLat := math.Sqrt(latVar/float64(n)) * geo.MetersPerDegree
	stdLon := math.Sqrt(lonVar/float64(n)) * geo.MetersPerDegree

	bw := (stdLat + stdLon) / 2 * math.Pow(float64(n), -1.0/6.0)
	if bw <= 0 {
		return DefaultDensityParams()
	}

	log.Info().Float64("bandwidth_m", bw).Int("samples", n).Msg("density bandwidth from spread heuristic")
	return DensityParams{BandwidthMeters: bw}
}

// silhouette computes the mean silhouette coefficient with euclidean
// distance in degree space, mirroring how the clusterings were
// originally validated.
func silhouette(points []geo.Coordinate, labels []int, nClusters int) float64 {
	n := len(points)
	if n == 0 || nClusters < 2 {
		// A lone cluster has no separation to measure.
		if nClusters == 1 {
			return 0
		}
		return -1
	}

	counts := make([]int, nClusters)
	for _, label := range labels {
		counts[label]++
	}

	var total float64
	for i := 0; i < n; i++ {
		// Mean distance to every cluster.
		sums := make([]float64, nClusters)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			sums[labels[j]] += math.Sqrt(sqDegDist(points[i], points[j]))
		}

		own := labels[i]
		var a float64
		if counts[own] > 1 {
			a = sums[own] / float64(counts[own]-1)
		}

		b := math.Inf(1)
		for k := 0; k < nClusters; k++ {
			if k == own || counts[k] == 0 {
				continue
			}
			if d := sums[k] / float64(counts[k]); d < b {
				b = d
			}
		}

		if counts[own] > 1 && !math.IsInf(b, 1) {
			if m := math.Max(a, b); m > 0 {
				total += (b - a) / m
			}
		}
	}

	return total / float64(n)
}

func selectRows(X [][]float64, y []int, idx []int) ([][]float64, []int) {
	Xs := make([][]float64, len(idx))
	ys := make([]int, len(idx))
	for i, j := range idx {
		Xs[i] = X[j]
		ys[i] = y[j]
	}
	return Xs, ys
}
