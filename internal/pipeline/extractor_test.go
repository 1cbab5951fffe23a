package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vacantwatch/internal/geo"
)

func TestRemoteExtractor_ParsesFeaturePayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/features/census" {
			t.Errorf("request path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("lat") == "" || q.Get("lon") == "" || q.Get("radius") != "1000" {
			t.Errorf("query params incomplete: %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"vacancy_rate": 12.5, "poverty_rate": 18.0}`))
	}))
	defer srv.Close()

	e := NewRemoteExtractor(srv.URL, 5*time.Second, 0)
	vec, err := e.Extract(context.Background(), "census", geo.Coordinate{Lat: 42.5, Lon: -71.2}, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if vec["vacancy_rate"] != 12.5 || vec["poverty_rate"] != 18.0 {
		t.Errorf("parsed vector = %v", vec)
	}
}

func TestRemoteExtractor_UpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "census source down", http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewRemoteExtractor(srv.URL, 5*time.Second, 0)
	if _, err := e.Extract(context.Background(), "census", geo.Coordinate{Lat: 42.5, Lon: -71.2}, 1000); err == nil {
		t.Fatal("expected error for a 502 response")
	}
}

func TestRemoteExtractor_CircuitOpensUnderSustainedFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewRemoteExtractor(srv.URL, 5*time.Second, 0)
	ctx := context.Background()
	coord := geo.Coordinate{Lat: 42.5, Lon: -71.2}

	// Hammer the breaker past its failure ratio, then verify calls fail
	// fast without reaching the upstream at all.
	for i := 0; i < 10; i++ {
		e.Extract(ctx, "census", coord, 1000)
	}
	if _, err := e.Extract(ctx, "census", coord, 1000); err == nil {
		t.Fatal("expected the open circuit to reject the call")
	}
}
