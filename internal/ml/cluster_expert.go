package ml

import (
	"math"

	"github.com/rs/zerolog/log"

	"vacantwatch/internal/geo"
)

// ClusterParams are the tunable hyperparameters of the spatial
// clustering expert.
type ClusterParams struct {
	EpsMeters  float64 `json:"eps_meters" yaml:"epsMeters"`
	MinSamples int     `json:"min_samples" yaml:"minSamples"`
}

// DefaultClusterParams returns neighbourhood-scale defaults.
func DefaultClusterParams() ClusterParams {
	return ClusterParams{EpsMeters: 500, MinSamples: 3}
}

// noiseLabel marks points failing the density criterion.
const noiseLabel = -1

// ClusterExpert is the neighbourhood expert: density-based clustering
// (haversine DBSCAN) over known abandoned locations, scored by
// exponential distance decay from the nearest cluster centroid.
// Abandonment is spatially contagious, so an isolated high-feature-risk
// point without spatial support should not dominate the ensemble.
type ClusterExpert struct {
	params ClusterParams

	centroids []geo.Coordinate
	sizes     []int
	trained   bool
}

// NewClusterExpert creates an untrained cluster expert.
func NewClusterExpert(params ClusterParams) *ClusterExpert {
	return &ClusterExpert{params: params}
}

func (e *ClusterExpert) Name() string  { return "cluster" }
func (e *ClusterExpert) Trained() bool { return e.trained }

// Params returns the expert's hyperparameters.
func (e *ClusterExpert) Params() ClusterParams { return e.params }

// Centroids returns the fitted cluster centroids.
func (e *ClusterExpert) Centroids() []geo.Coordinate { return e.centroids }

// Train clusters the positive-label coordinates. Noise points - those
// without MinSamples neighbours within EpsMeters - are excluded from
// centroid computation. X is ignored.
func (e *ClusterExpert) Train(_ [][]float64, y []int, coords []geo.Coordinate) (TrainInfo, error) {
	positives := coords
	if y != nil {
		positives = positiveCoords(y, coords)
	}

	labels, nClusters := dbscan(positives, e.params.EpsMeters, e.params.MinSamples)

	e.centroids = make([]geo.Coordinate, 0, nClusters)
	e.sizes = make([]int, 0, nClusters)
	for k := 0; k < nClusters; k++ {
		var members []geo.Coordinate
		for i, label := range labels {
			if label == k {
				members = append(members, positives[i])
			}
		}
		e.centroids = append(e.centroids, geo.Centroid(members))
		e.sizes = append(e.sizes, len(members))
	}
	e.trained = true

	nNoise := 0
	for _, label := range labels {
		if label == noiseLabel {
			nNoise++
		}
	}
	noiseRatio := 0.0
	if len(labels) > 0 {
		noiseRatio = float64(nNoise) / float64(len(labels))
	}

	log.Info().
		Int("clusters", nClusters).
		Int("noise", nNoise).
		Float64("eps_m", e.params.EpsMeters).
		Msg("cluster expert trained")

	return TrainInfo{
		"n_clusters":  float64(nClusters),
		"n_noise":     float64(nNoise),
		"noise_ratio": noiseRatio,
	}, nil
}

// PredictProba maps each query's distance d to its nearest centroid to
// exp(-d*ln2/eps): 1 at the centroid, 0.5 at exactly eps (the decay
// half-life), approaching 0 far away. With no trained clusters every
// score is 0.
func (e *ClusterExpert) PredictProba(_ [][]float64, coords []geo.Coordinate) ([]float64, error) {
	if !e.trained {
		return nil, ErrUntrained
	}

	out := make([]float64, len(coords))
	if len(e.centroids) == 0 {
		return out, nil
	}

	decay := math.Ln2 / e.params.EpsMeters
	for i, q := range coords {
		nearest := math.Inf(1)
		for _, c := range e.centroids {
			if d := geo.Haversine(q, c); d < nearest {
				nearest = d
			}
		}
		out[i] = math.Exp(-nearest * decay)
	}
	return out, nil
}

// dbscan labels each point with its cluster id or noiseLabel, and
// returns the cluster count. Neighbourhoods use haversine distance;
// the O(n^2) scan is fine at the few-thousand-positives scale this
// system trains on.
func dbscan(points []geo.Coordinate, epsMeters float64, minSamples int) ([]int, int) {
	const unvisited = -2

	n := len(points)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if geo.Haversine(points[i], points[j]) <= epsMeters {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}

		nbrs := neighbors(i)
		if len(nbrs) < minSamples {
			labels[i] = noiseLabel
			continue
		}

		labels[i] = cluster
		queue := append([]int(nil), nbrs...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]

			if labels[j] == noiseLabel {
				labels[j] = cluster // border point adopted by cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster

			jNbrs := neighbors(j)
			if len(jNbrs) >= minSamples {
				queue = append(queue, jNbrs...)
			}
		}
		cluster++
	}

	return labels, cluster
}
