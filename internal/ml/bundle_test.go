package ml

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vacantwatch/internal/features"
	"vacantwatch/internal/geo"
)

// trainedTriplet fits all three experts on a small labeled dataset and
// returns them composed into an ensemble.
func trainedTriplet(t *testing.T) (*Ensemble, *FeatureExpert, *ClusterExpert, *DensityExpert, [][]float64, []geo.Coordinate) {
	t.Helper()

	base := geo.Coordinate{Lat: 42.35, Lon: -83.05}
	coords := []geo.Coordinate{
		base,
		{Lat: base.Lat + metersLat(40), Lon: base.Lon},
		{Lat: base.Lat + metersLat(80), Lon: base.Lon},
		{Lat: base.Lat + metersLat(4000), Lon: base.Lon},
		{Lat: base.Lat + metersLat(4100), Lon: base.Lon},
		{Lat: base.Lat + metersLat(4200), Lon: base.Lon},
	}
	X := [][]float64{
		{3.1, 3.4}, {3.3, 3.0}, {2.9, 3.2},
		{0.2, 0.5}, {0.4, 0.1}, {0.6, 0.3},
	}
	y := []int{1, 1, 1, 0, 0, 0}

	fe := NewFeatureExpert(FeatureExpertParams{LearnRate: 0.1, Epochs: 300, L2: 1e-4}, []string{"a", "b"})
	if _, err := fe.Train(X, y, coords); err != nil {
		t.Fatal(err)
	}
	ce := NewClusterExpert(ClusterParams{EpsMeters: 500, MinSamples: 2})
	if _, err := ce.Train(nil, y, coords); err != nil {
		t.Fatal(err)
	}
	de := NewDensityExpert(DensityParams{BandwidthMeters: 800})
	if _, err := de.Train(nil, y, coords); err != nil {
		t.Fatal(err)
	}

	ens := NewEnsemble(fe, ce, de)
	if err := ens.SetWeights(Weights{Feature: 0.5, Cluster: 0.3, Density: 0.2}); err != nil {
		t.Fatal(err)
	}
	return ens, fe, ce, de, X, coords
}

func TestBundle_RoundTripPredictsIdentically(t *testing.T) {
	t.Parallel()

	ens, fe, ce, de, X, coords := trainedTriplet(t)
	schema := features.Schema{"a", "b"}

	want, err := ens.PredictProba(X, coords)
	if err != nil {
		t.Fatal(err)
	}

	b, err := NewBundle(ens, fe, ce, de, schema, Metrics{F1: 0.9, AUC: 0.95})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := b.Save(dir); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadBundle(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := loaded.VerifySchema(schema); err != nil {
		t.Fatal(err)
	}
	if loaded.Metrics.F1 != 0.9 {
		t.Errorf("metrics F1 = %f, want 0.9", loaded.Metrics.F1)
	}

	restored, _, _, _, err := loaded.Restore()
	if err != nil {
		t.Fatal(err)
	}
	got, err := restored.PredictProba(X, coords)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("row %d: restored %v, original %v", i, got[i], want[i])
		}
	}
	if restored.Weights() != ens.Weights() {
		t.Errorf("restored weights %+v, want %+v", restored.Weights(), ens.Weights())
	}
}

func TestBundle_RequiresTrainedExperts(t *testing.T) {
	t.Parallel()

	fe := NewFeatureExpert(DefaultFeatureExpertParams(), nil)
	ce := NewClusterExpert(DefaultClusterParams())
	de := NewDensityExpert(DefaultDensityParams())
	if _, err := NewBundle(NewEnsemble(fe, ce, de), fe, ce, de, nil, Metrics{}); !errors.Is(err, ErrUntrained) {
		t.Errorf("expected ErrUntrained, got %v", err)
	}
}

func TestBundle_VerifySchemaMismatch(t *testing.T) {
	t.Parallel()

	_, fe, ce, de, _, _ := trainedTriplet(t)
	b, err := NewBundle(NewEnsemble(fe, ce, de), fe, ce, de, features.Schema{"a", "b"}, Metrics{})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.VerifySchema(features.Schema{"a", "b", "c"}); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("extra column: expected ErrSchemaMismatch, got %v", err)
	}
	if err := b.VerifySchema(features.Schema{"b", "a"}); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("reordered columns: expected ErrSchemaMismatch, got %v", err)
	}
	if err := b.VerifySchema(features.Schema{"a", "b"}); err != nil {
		t.Errorf("matching schema rejected: %v", err)
	}
}

func TestLoadBundle_DetectsTampering(t *testing.T) {
	t.Parallel()

	_, fe, ce, de, _, _ := trainedTriplet(t)
	b, err := NewBundle(NewEnsemble(fe, ce, de), fe, ce, de, features.Schema{"a", "b"}, Metrics{})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := b.Save(dir); err != nil {
		t.Fatal(err)
	}

	// Diverging feature_names.txt is corruption.
	if err := os.WriteFile(filepath.Join(dir, "feature_names.txt"), []byte("a\nz\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBundle(dir); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}

	// Unknown schema version is rejected before anything else.
	data, err := os.ReadFile(filepath.Join(dir, "bundle.json"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"schema_version": 1`, `"schema_version": 99`, 1)
	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBundle(dir); err == nil {
		t.Error("expected error for unknown schema version")
	}
}

func TestVersionIndex_AddActivateRollback(t *testing.T) {
	t.Parallel()

	_, fe, ce, de, _, _ := trainedTriplet(t)
	modelsDir := t.TempDir()

	vi, err := OpenVersionIndex(modelsDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := vi.Active(); ok {
		t.Fatal("fresh index reports an active version")
	}

	makeBundle := func(created time.Time) *Bundle {
		b, err := NewBundle(NewEnsemble(fe, ce, de), fe, ce, de, features.Schema{"a", "b"}, Metrics{})
		if err != nil {
			t.Fatal(err)
		}
		b.CreatedAt = created
		return b
	}

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	v1, err := vi.Add(makeBundle(t0))
	if err != nil {
		t.Fatal(err)
	}
	v2, err := vi.Add(makeBundle(t0.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}

	// The newest addition is active and listed first.
	active, ok := vi.Active()
	if !ok || active.Version != v2.Version {
		t.Fatalf("active = %+v, want %s", active, v2.Version)
	}
	versions := vi.Versions()
	if len(versions) != 2 || versions[0].Version != v2.Version {
		t.Fatalf("versions not newest-first: %+v", versions)
	}

	// Rollback steps to the previous version, and the active bundle
	// directory still loads.
	if err := vi.Rollback(); err != nil {
		t.Fatal(err)
	}
	active, ok = vi.Active()
	if !ok || active.Version != v1.Version {
		t.Fatalf("after rollback active = %+v, want %s", active, v1.Version)
	}
	if _, err := LoadBundle(active.Dir); err != nil {
		t.Fatalf("active bundle does not load: %v", err)
	}
	if err := vi.Rollback(); err == nil {
		t.Error("expected error rolling back past the oldest version")
	}

	// The index persists across reopen.
	reopened, err := OpenVersionIndex(modelsDir)
	if err != nil {
		t.Fatal(err)
	}
	active, ok = reopened.Active()
	if !ok || active.Version != v1.Version {
		t.Errorf("reopened active = %+v, want %s", active, v1.Version)
	}

	if err := reopened.Activate("no-such-version"); err == nil {
		t.Error("expected error activating unknown version")
	}
}
