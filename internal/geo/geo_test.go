package geo

import (
	"math"
	"testing"
)

func TestCoordinate_Valid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		c    Coordinate
		want bool
	}{
		{"origin", Coordinate{0, 0}, true},
		{"detroit", Coordinate{42.3314, -83.0458}, true},
		{"north pole", Coordinate{90, 0}, true},
		{"lat too high", Coordinate{90.0001, 0}, false},
		{"lat too low", Coordinate{-90.5, 0}, false},
		{"lon too high", Coordinate{0, 180.1}, false},
		{"lon too low", Coordinate{0, -181}, false},
	}

	for _, tc := range cases {
		if got := tc.c.Valid(); got != tc.want {
			t.Errorf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHaversine_KnownDistance(t *testing.T) {
	t.Parallel()

	// One degree of latitude at the equator on a 6371km sphere.
	d := Haversine(Coordinate{0, 0}, Coordinate{1, 0})
	want := EarthRadiusMeters * math.Pi / 180
	if math.Abs(d-want) > 1 {
		t.Errorf("one degree latitude = %.1fm, want %.1fm", d, want)
	}

	// Same point is zero.
	p := Coordinate{42.3314, -83.0458}
	if d := Haversine(p, p); d != 0 {
		t.Errorf("distance to self = %f, want 0", d)
	}

	// Symmetry.
	a, b := Coordinate{40.7128, -74.0060}, Coordinate{42.3314, -83.0458}
	if math.Abs(Haversine(a, b)-Haversine(b, a)) > 1e-9 {
		t.Error("haversine is not symmetric")
	}
}

func TestGrid(t *testing.T) {
	t.Parallel()

	center := Coordinate{42.33, -83.05}
	cells := Grid(center, 1000, 200)
	if len(cells) == 0 {
		t.Fatal("expected non-empty grid")
	}

	for _, c := range cells {
		if !c.Valid() {
			t.Fatalf("grid produced invalid coordinate %v", c)
		}
		if math.Abs(c.Lat-center.Lat) > 1000/MetersPerDegree+1e-9 {
			t.Fatalf("cell %v outside latitude extent", c)
		}
	}

	// Finer resolution yields more cells.
	fine := Grid(center, 1000, 100)
	if len(fine) <= len(cells) {
		t.Errorf("expected finer grid to have more cells: %d vs %d", len(fine), len(cells))
	}

	if Grid(center, 0, 100) != nil {
		t.Error("zero radius should yield nil grid")
	}
	if Grid(center, 1000, 0) != nil {
		t.Error("zero resolution should yield nil grid")
	}
}

func TestCentroid(t *testing.T) {
	t.Parallel()

	got := Centroid([]Coordinate{{0, 0}, {2, 2}})
	if got.Lat != 1 || got.Lon != 1 {
		t.Errorf("centroid = %v, want (1, 1)", got)
	}

	if got := Centroid(nil); got.Lat != 0 || got.Lon != 0 {
		t.Errorf("empty centroid = %v, want origin", got)
	}
}
