package ml

import (
	"math"
	"math/rand"
	"testing"

	"vacantwatch/internal/geo"
)

// labeledTowns builds a linearly separable dataset spread over two
// towns. Both labels occur in both towns so every spatial fold keeps a
// mixed-class train set.
func labeledTowns(n int, seed int64) ([][]float64, []int, []geo.Coordinate) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, 0, 2*n)
	y := make([]int, 0, 2*n)
	var coords []geo.Coordinate
	for i := 0; i < 2*n; i++ {
		if i%2 == 0 {
			X = append(X, []float64{3 + rng.Float64(), 3 + rng.Float64(), rng.Float64()})
			y = append(y, 1)
		} else {
			X = append(X, []float64{rng.Float64(), rng.Float64(), rng.Float64()})
			y = append(y, 0)
		}
		lat := 42.3
		if i%4 < 2 {
			lat = 42.8
		}
		coords = append(coords, geo.Coordinate{Lat: lat + rng.Float64()*0.02, Lon: -83.1 + rng.Float64()*0.02})
	}
	return X, y, coords
}

func TestOptimizeFeatureExpert(t *testing.T) {
	t.Parallel()

	X, y, coords := labeledTowns(60, 7)
	names := []string{"a", "b", "c"}

	opt := NewHyperOptimizer(SpatialCV{NSplits: 3, BufferMeters: 0, Seed: 7}, 7)
	params, score, err := opt.OptimizeFeatureExpert(X, y, coords, names, 8)
	if err != nil {
		t.Fatal(err)
	}

	if params.LearnRate <= 0 || params.Epochs <= 0 {
		t.Errorf("selected degenerate params %+v", params)
	}
	// The towns are linearly separable, so the winning combination must
	// score well even across spatial holdouts.
	if score < 0.8 {
		t.Errorf("best mean F1 = %f, want >= 0.8 on separable data", score)
	}
}

func TestOptimizeFeatureExpert_Deterministic(t *testing.T) {
	t.Parallel()

	X, y, coords := labeledTowns(40, 3)
	names := []string{"a", "b", "c"}

	a, _, err := NewHyperOptimizer(SpatialCV{NSplits: 3, Seed: 3}, 42).OptimizeFeatureExpert(X, y, coords, names, 5)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := NewHyperOptimizer(SpatialCV{NSplits: 3, Seed: 3}, 42).OptimizeFeatureExpert(X, y, coords, names, 5)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("same seed selected different params: %+v vs %+v", a, b)
	}
}

func TestOptimizeClusterEps(t *testing.T) {
	t.Parallel()

	// Two tight blobs 5km apart. A good eps clusters each blob
	// separately; a huge eps merges everything and must be rejected.
	var positives []geo.Coordinate
	for i := 0; i < 8; i++ {
		positives = append(positives, geo.Coordinate{
			Lat: 42.35 + metersLat(float64(i)*30),
			Lon: -83.05,
		})
	}
	for i := 0; i < 8; i++ {
		positives = append(positives, geo.Coordinate{
			Lat: 42.35 + metersLat(5000+float64(i)*30),
			Lon: -83.05,
		})
	}

	opt := NewHyperOptimizer(SpatialCV{NSplits: 2, Seed: 1}, 1)
	params, score, err := opt.OptimizeClusterEps(positives, 2000, 2)
	if err != nil {
		t.Fatal(err)
	}

	// Any selected eps keeps the blobs apart (cluster span is 210m, gap
	// is 5km), so the silhouette should be near perfect.
	if score < 0.9 {
		t.Errorf("silhouette = %f, want >= 0.9 for well-separated blobs", score)
	}
	labels, nClusters := dbscan(positives, params.EpsMeters, params.MinSamples)
	if nClusters != 2 {
		t.Errorf("selected eps %fm yields %d clusters, want 2", params.EpsMeters, nClusters)
	}
	for i, label := range labels {
		if label == noiseLabel {
			t.Errorf("point %d marked noise under selected eps", i)
		}
	}
}

func TestOptimizeClusterEps_TooFewPoints(t *testing.T) {
	t.Parallel()

	opt := NewHyperOptimizer(SpatialCV{NSplits: 2, Seed: 1}, 1)
	if _, _, err := opt.OptimizeClusterEps([]geo.Coordinate{{Lat: 42, Lon: -83}}, 2000, 3); err == nil {
		t.Error("expected error with fewer positives than min_samples")
	}
}

func TestDensityBandwidth(t *testing.T) {
	t.Parallel()

	// A cloud with ~0.01 degree std on both axes.
	var positives []geo.Coordinate
	for i := 0; i < 100; i++ {
		sign := 1.0
		if i%2 == 1 {
			sign = -1
		}
		off := sign * 0.01 * float64(i%10) / 10
		positives = append(positives, geo.Coordinate{Lat: 42.35 + off, Lon: -83.05 + off/2})
	}

	params := DensityBandwidth(positives)
	if params.BandwidthMeters <= 0 {
		t.Fatalf("bandwidth = %f, want positive", params.BandwidthMeters)
	}

	// Verify the n^(-1/6) spread rule against a direct computation.
	var latMean, lonMean float64
	for _, c := range positives {
		latMean += c.Lat
		lonMean += c.Lon
	}
	latMean /= float64(len(positives))
	lonMean /= float64(len(positives))
	var latVar, lonVar float64
	for _, c := range positives {
		latVar += (c.Lat - latMean) * (c.Lat - latMean)
		lonVar += (c.Lon - lonMean) * (c.Lon - lonMean)
	}
	stdLat := math.Sqrt(latVar/float64(len(positives))) * geo.MetersPerDegree
	stdLon := math.Sqrt(lonVar/float64(len(positives))) * geo.MetersPerDegree
	want := (stdLat + stdLon) / 2 * math.Pow(float64(len(positives)), -1.0/6.0)

	if math.Abs(params.BandwidthMeters-want) > 1e-9 {
		t.Errorf("bandwidth = %f, want %f", params.BandwidthMeters, want)
	}
}

func TestDensityBandwidth_DegenerateInputs(t *testing.T) {
	t.Parallel()

	// Too few points and zero spread both fall back to the default.
	single := DensityBandwidth([]geo.Coordinate{{Lat: 42, Lon: -83}})
	if single != DefaultDensityParams() {
		t.Errorf("single point bandwidth %+v, want default", single)
	}

	same := []geo.Coordinate{{Lat: 42, Lon: -83}, {Lat: 42, Lon: -83}, {Lat: 42, Lon: -83}}
	if got := DensityBandwidth(same); got != DefaultDensityParams() {
		t.Errorf("zero-spread bandwidth %+v, want default", got)
	}
}

func TestSilhouette_SeparatedBlobs(t *testing.T) {
	t.Parallel()

	points := []geo.Coordinate{
		{Lat: 42.0, Lon: -83.0}, {Lat: 42.001, Lon: -83.0}, {Lat: 42.002, Lon: -83.0},
		{Lat: 42.5, Lon: -83.0}, {Lat: 42.501, Lon: -83.0}, {Lat: 42.502, Lon: -83.0},
	}
	labels := []int{0, 0, 0, 1, 1, 1}

	score := silhouette(points, labels, 2)
	if score < 0.95 {
		t.Errorf("silhouette = %f, want near 1 for tight separated blobs", score)
	}

	// Interleaved labels across the same blobs score poorly.
	bad := silhouette(points, []int{0, 1, 0, 1, 0, 1}, 2)
	if bad >= score {
		t.Errorf("interleaved labels scored %f, want below %f", bad, score)
	}
}
