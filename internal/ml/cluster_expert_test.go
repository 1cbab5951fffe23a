package ml

import (
	"errors"
	"math"
	"testing"

	"vacantwatch/internal/geo"
)

// metersLat converts a meter offset to degrees of latitude on the
// reference sphere.
func metersLat(m float64) float64 {
	return m / (geo.EarthRadiusMeters * math.Pi / 180)
}

func TestClusterExpert_HalfLifeDecay(t *testing.T) {
	t.Parallel()

	// Three positives within ~50m of each other.
	base := geo.Coordinate{Lat: 42.35, Lon: -83.05}
	coords := []geo.Coordinate{
		base,
		{Lat: base.Lat + metersLat(30), Lon: base.Lon},
		{Lat: base.Lat - metersLat(25), Lon: base.Lon},
	}

	e := NewClusterExpert(ClusterParams{EpsMeters: 500, MinSamples: 2})
	info, err := e.Train(nil, nil, coords)
	if err != nil {
		t.Fatal(err)
	}
	if info["n_clusters"] != 1 {
		t.Fatalf("n_clusters = %f, want 1", info["n_clusters"])
	}
	if info["n_noise"] != 0 {
		t.Fatalf("n_noise = %f, want 0", info["n_noise"])
	}

	centroid := e.Centroids()[0]
	queries := []geo.Coordinate{
		centroid,
		{Lat: centroid.Lat + metersLat(500), Lon: centroid.Lon},
		{Lat: centroid.Lat + metersLat(10000), Lon: centroid.Lon},
	}

	scores, err := e.PredictProba(nil, queries)
	if err != nil {
		t.Fatal(err)
	}

	if math.Abs(scores[0]-1.0) > 0.01 {
		t.Errorf("score at centroid = %f, want ~1.0", scores[0])
	}
	// eps is the half-life of the decay.
	if math.Abs(scores[1]-0.5) > 0.01 {
		t.Errorf("score at 500m = %f, want ~0.5", scores[1])
	}
	if scores[2] > 0.001 {
		t.Errorf("score at 10km = %f, want ~0", scores[2])
	}
}

func TestClusterExpert_NoiseExcludedFromCentroids(t *testing.T) {
	t.Parallel()

	base := geo.Coordinate{Lat: 42.35, Lon: -83.05}
	coords := []geo.Coordinate{
		base,
		{Lat: base.Lat + metersLat(40), Lon: base.Lon},
		{Lat: base.Lat + metersLat(80), Lon: base.Lon},
		// A lone point 20km north fails the density criterion.
		{Lat: base.Lat + metersLat(20000), Lon: base.Lon},
	}

	e := NewClusterExpert(ClusterParams{EpsMeters: 500, MinSamples: 2})
	info, err := e.Train(nil, nil, coords)
	if err != nil {
		t.Fatal(err)
	}

	if info["n_clusters"] != 1 {
		t.Errorf("n_clusters = %f, want 1", info["n_clusters"])
	}
	if info["n_noise"] != 1 {
		t.Errorf("n_noise = %f, want 1", info["n_noise"])
	}
	if want := 0.25; math.Abs(info["noise_ratio"]-want) > 1e-12 {
		t.Errorf("noise_ratio = %f, want %f", info["noise_ratio"], want)
	}

	// The centroid ignores the noise point, so it stays within the
	// tight group's extent.
	centroid := e.Centroids()[0]
	if d := geo.Haversine(centroid, base); d > 100 {
		t.Errorf("centroid %.0fm from group, noise point leaked in", d)
	}
}

func TestClusterExpert_PositiveFilterAndScoresBounded(t *testing.T) {
	t.Parallel()

	base := geo.Coordinate{Lat: 42.35, Lon: -83.05}
	coords := []geo.Coordinate{
		base,
		{Lat: base.Lat + metersLat(40), Lon: base.Lon},
		{Lat: base.Lat + metersLat(60), Lon: base.Lon},
		// Negative-label points far away must not influence training.
		{Lat: 43.2, Lon: -83.05},
		{Lat: 43.2, Lon: -83.06},
		{Lat: 43.2, Lon: -83.07},
	}
	y := []int{1, 1, 1, 0, 0, 0}

	e := NewClusterExpert(ClusterParams{EpsMeters: 500, MinSamples: 2})
	info, err := e.Train(nil, y, coords)
	if err != nil {
		t.Fatal(err)
	}
	if info["n_clusters"] != 1 {
		t.Fatalf("n_clusters = %f, want 1 (negatives must be ignored)", info["n_clusters"])
	}

	scores, err := e.PredictProba(nil, coords)
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range scores {
		if s < 0 || s > 1 {
			t.Errorf("score %d = %f outside [0,1]", i, s)
		}
	}
	// The negative neighbourhood scores near zero.
	if scores[3] > 0.01 {
		t.Errorf("negative area score = %f, want ~0", scores[3])
	}
}

func TestClusterExpert_AllNoiseScoresZero(t *testing.T) {
	t.Parallel()

	// Three isolated points, none with enough neighbours.
	coords := []geo.Coordinate{
		{Lat: 42.0, Lon: -83.0},
		{Lat: 42.5, Lon: -83.0},
		{Lat: 43.0, Lon: -83.0},
	}

	e := NewClusterExpert(ClusterParams{EpsMeters: 500, MinSamples: 2})
	info, err := e.Train(nil, nil, coords)
	if err != nil {
		t.Fatal(err)
	}
	if info["n_clusters"] != 0 {
		t.Fatalf("n_clusters = %f, want 0", info["n_clusters"])
	}

	scores, err := e.PredictProba(nil, coords)
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range scores {
		if s != 0 {
			t.Errorf("score %d = %f, want 0 with no clusters", i, s)
		}
	}
}

func TestClusterExpert_UntrainedErrors(t *testing.T) {
	t.Parallel()

	e := NewClusterExpert(DefaultClusterParams())
	if _, err := e.PredictProba(nil, []geo.Coordinate{{Lat: 42, Lon: -83}}); !errors.Is(err, ErrUntrained) {
		t.Errorf("expected ErrUntrained, got %v", err)
	}
}
