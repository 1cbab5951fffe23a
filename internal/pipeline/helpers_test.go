package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"vacantwatch/internal/features"
	"vacantwatch/internal/geo"
	"vacantwatch/internal/ml"
)

// stubExtractor serves deterministic per-source vectors keyed on the
// query coordinate, with switchable per-source failures, so pipeline
// tests run without a live extraction service.
type stubExtractor struct {
	mu          sync.Mutex
	calls       map[string]int
	fail        map[string]bool
	distressed  map[geo.Coordinate]bool
	outOfBounds map[geo.Coordinate]bool
}

func newStubExtractor() *stubExtractor {
	return &stubExtractor{
		calls:       make(map[string]int),
		fail:        make(map[string]bool),
		distressed:  make(map[geo.Coordinate]bool),
		outOfBounds: make(map[geo.Coordinate]bool),
	}
}

func (s *stubExtractor) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *stubExtractor) Extract(_ context.Context, source string, coord geo.Coordinate, _ int) (features.Vector, error) {
	s.mu.Lock()
	s.calls[source]++
	fail := s.fail[source]
	distressed := s.distressed[coord]
	broken := s.outOfBounds[coord]
	s.mu.Unlock()

	if fail {
		return nil, errors.New(source + " upstream unavailable")
	}

	switch source {
	case "census":
		if broken {
			return features.Vector{"vacancy_rate": 250, "poverty_rate": 42}, nil
		}
		if distressed {
			return features.Vector{
				"vacancy_rate":            38,
				"poverty_rate":            42,
				"unemployment_rate":       19,
				"median_household_income": 21000,
			}, nil
		}
		return features.Vector{
			"vacancy_rate":            4,
			"poverty_rate":            6,
			"unemployment_rate":       3,
			"median_household_income": 85000,
		}, nil
	case "osm":
		return features.Vector{"road_network_density": 5.2}, nil
	case "satellite":
		return features.Vector{"cloud_coverage": 12}, nil
	}
	return features.Vector{}, nil
}

// labeledSites spreads n sites over two towns with labels interleaved
// inside each, so spatially-blocked folds keep both classes on the
// training side. Positive sites within a town sit a couple hundred
// meters apart, dense enough for the cluster and density experts.
func labeledSites(n int) []LabeledCoordinate {
	out := make([]LabeledCoordinate, n)
	for i := 0; i < n; i++ {
		lat, lon := 42.30, -71.50
		if i%4 < 2 {
			lat, lon = 42.80, -71.10
		}
		lat += float64(i) * 0.0004
		lon += float64(i%7) * 0.0003
		out[i] = LabeledCoordinate{
			Coord: geo.Coordinate{Lat: lat, Lon: lon},
			Label: i % 2,
		}
	}
	return out
}

// siteFixture registers the positive sites as distressed in a fresh
// stub, so extracted features actually correlate with the labels.
func siteFixture(n int) (*stubExtractor, []LabeledCoordinate) {
	stub := newStubExtractor()
	labeled := labeledSites(n)
	for _, lc := range labeled {
		if lc.Label == 1 {
			stub.distressed[lc.Coord] = true
		}
	}
	return stub, labeled
}

func newTestOrchestrator(stub *stubExtractor) *Orchestrator {
	return NewOrchestrator(stub, nil, features.NewValidator(features.DefaultSchema()), 1000, nil)
}

// trainedEnsemble fits all three experts on feature vectors built
// through the orchestrator, weighted toward the tabular expert.
func trainedEnsemble(t *testing.T, orch *Orchestrator, labeled []LabeledCoordinate) (*ml.Ensemble, *ml.FeatureExpert, *ml.ClusterExpert, *ml.DensityExpert) {
	t.Helper()

	ctx := context.Background()
	X := make([][]float64, len(labeled))
	y := make([]int, len(labeled))
	coords := make([]geo.Coordinate, len(labeled))
	for i, lc := range labeled {
		X[i], _ = orch.Features(ctx, lc.Coord)
		y[i] = lc.Label
		coords[i] = lc.Coord
	}

	fe := ml.NewFeatureExpert(ml.DefaultFeatureExpertParams(), orch.Schema())
	ce := ml.NewClusterExpert(ml.DefaultClusterParams())
	de := ml.NewDensityExpert(ml.DefaultDensityParams())
	for _, ex := range []ml.Expert{fe, ce, de} {
		if _, err := ex.Train(X, y, coords); err != nil {
			t.Fatalf("training %s expert: %v", ex.Name(), err)
		}
	}

	ens := ml.NewEnsemble(fe, ce, de)
	if err := ens.SetWeights(ml.Weights{Feature: 0.5, Cluster: 0.3, Density: 0.2}); err != nil {
		t.Fatal(err)
	}
	return ens, fe, ce, de
}

func newTestPredictor(t *testing.T, threshold float64) (*Predictor, *stubExtractor) {
	t.Helper()
	stub, labeled := siteFixture(40)
	orch := newTestOrchestrator(stub)
	ens, _, _, _ := trainedEnsemble(t, orch, labeled)
	return NewPredictor(orch, ens, threshold, nil), stub
}
