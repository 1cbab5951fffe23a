package ml

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"

	"vacantwatch/internal/geo"
)

// Fold is one spatially-blocked train/test split. Train and test index
// sets are disjoint and no train point lies within the buffer distance
// of any test point.
type Fold struct {
	TrainIdx []int
	TestIdx  []int

	// Removed counts candidate train points dropped by the buffer.
	Removed int

	// Degenerate marks folds left with an empty train or test set.
	// Callers must exclude them from aggregate metrics instead of
	// averaging in a zero.
	Degenerate bool
}

// SpatialCV partitions labeled coordinates into leakage-free folds.
// Adjacent geospatial samples share near-identical feature values, so
// a plain random split leaks test information into training and
// overstates accuracy. Blocks are geographic (k-means on raw lat/lon)
// and a buffer strips training points bordering the test block.
type SpatialCV struct {
	NSplits      int
	BufferMeters float64

	// Seed makes block assignment reproducible across runs. It is a
	// required part of the configuration, not an optional nicety.
	Seed int64
}

// Split produces NSplits folds over the given coordinates.
func (cv SpatialCV) Split(coords []geo.Coordinate) ([]Fold, error) {
	if cv.NSplits < 2 {
		return nil, fmt.Errorf("spatial cv: need at least 2 splits, got %d", cv.NSplits)
	}
	if len(coords) < cv.NSplits {
		return nil, fmt.Errorf("spatial cv: %d samples cannot fill %d blocks", len(coords), cv.NSplits)
	}
	if cv.BufferMeters < 0 {
		return nil, fmt.Errorf("spatial cv: negative buffer distance %f", cv.BufferMeters)
	}

	blocks := kmeansBlocks(coords, cv.NSplits, cv.Seed)

	folds := make([]Fold, 0, cv.NSplits)
	for b := 0; b < cv.NSplits; b++ {
		var test, candidates []int
		for i, blk := range blocks {
			if blk == b {
				test = append(test, i)
			} else {
				candidates = append(candidates, i)
			}
		}

		fold := Fold{TestIdx: test}

		if len(test) == 0 {
			// Empty test block: caller skips scoring this fold.
			fold.TrainIdx = candidates
			fold.Degenerate = true
			log.Warn().Int("fold", b).Msg("spatial fold has an empty test set")
			folds = append(folds, fold)
			continue
		}

		for _, ti := range candidates {
			if nearestDistance(coords[ti], coords, test) >= cv.BufferMeters {
				fold.TrainIdx = append(fold.TrainIdx, ti)
			} else {
				fold.Removed++
			}
		}

		if len(fold.TrainIdx) == 0 {
			fold.Degenerate = true
			log.Warn().
				Int("fold", b).
				Int("removed", fold.Removed).
				Float64("buffer_m", cv.BufferMeters).
				Msg("buffer removed every candidate training point")
		}

		folds = append(folds, fold)
	}

	return folds, nil
}

// nearestDistance returns the haversine distance in meters from p to
// the closest of coords[idx].
func nearestDistance(p geo.Coordinate, coords []geo.Coordinate, idx []int) float64 {
	best := math.Inf(1)
	for _, i := range idx {
		if d := geo.Haversine(p, coords[i]); d < best {
			best = d
		}
	}
	return best
}

// kmeansBlocks assigns each coordinate to one of k geographic blocks
// using Lloyd's algorithm on raw lat/lon degrees, seeded for
// deterministic fold assignment.
func kmeansBlocks(coords []geo.Coordinate, k int, seed int64) []int {
	rng := rand.New(rand.NewSource(seed))

	// k-means++ style init: first centroid random, the rest chosen
	// proportionally to squared distance from the nearest centroid.
	centroids := make([]geo.Coordinate, 0, k)
	centroids = append(centroids, coords[rng.Intn(len(coords))])
	for len(centroids) < k {
		weights := make([]float64, len(coords))
		var total float64
		for i, c := range coords {
			d := math.Inf(1)
			for _, ct := range centroids {
				if dd := sqDegDist(c, ct); dd < d {
					d = dd
				}
			}
			weights[i] = d
			total += d
		}
		if total == 0 {
			// All points coincide with a centroid; duplicate one.
			centroids = append(centroids, coords[rng.Intn(len(coords))])
			continue
		}
		r := rng.Float64() * total
		acc := 0.0
		pick := len(coords) - 1
		for i, w := range weights {
			acc += w
			if acc >= r {
				pick = i
				break
			}
		}
		centroids = append(centroids, coords[pick])
	}

	assign := make([]int, len(coords))
	const maxIter = 100
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, c := range coords {
			best, bestD := 0, math.Inf(1)
			for j, ct := range centroids {
				if d := sqDegDist(c, ct); d < bestD {
					best, bestD = j, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}

		var latSum, lonSum = make([]float64, k), make([]float64, k)
		counts := make([]int, k)
		for i, blk := range assign {
			latSum[blk] += coords[i].Lat
			lonSum[blk] += coords[i].Lon
			counts[blk]++
		}
		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				centroids[j] = geo.Coordinate{Lat: latSum[j] / float64(counts[j]), Lon: lonSum[j] / float64(counts[j])}
			}
		}

		if !changed {
			break
		}
	}

	return assign
}

// sqDegDist is the squared euclidean distance in degree space, used
// only for block assignment where relative ordering is what matters.
func sqDegDist(a, b geo.Coordinate) float64 {
	dLat := a.Lat - b.Lat
	dLon := a.Lon - b.Lon
	return dLat*dLat + dLon*dLon
}
