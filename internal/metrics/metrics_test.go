package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewWithRegistry_Isolated(t *testing.T) {
	// Two instances on separate registries must not collide.
	a := NewWithRegistry(prometheus.NewRegistry())
	b := NewWithRegistry(prometheus.NewRegistry())

	a.Predictions.Inc()
	a.Predictions.Inc()
	b.Predictions.Inc()

	if got := testutil.ToFloat64(a.Predictions); got != 2 {
		t.Errorf("instance a predictions = %f, want 2", got)
	}
	if got := testutil.ToFloat64(b.Predictions); got != 1 {
		t.Errorf("instance b predictions = %f, want 1", got)
	}
}

func TestMetrics_CounterOperations(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	if got := testutil.ToFloat64(m.ExtractionErrors); got != 0 {
		t.Errorf("initial extraction errors = %f, want 0", got)
	}

	m.ExtractionErrors.Inc()
	m.ExtractionErrors.Inc()
	if got := testutil.ToFloat64(m.ExtractionErrors); got != 2 {
		t.Errorf("extraction errors = %f, want 2", got)
	}

	m.HighRiskFlagged.Inc()
	if got := testutil.ToFloat64(m.HighRiskFlagged); got != 1 {
		t.Errorf("high risk flagged = %f, want 1", got)
	}
}

func TestMetrics_GaugeAndHistogram(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ModelAge.Set(3600.0)
	if got := testutil.ToFloat64(m.ModelAge); got != 3600.0 {
		t.Errorf("model age = %f, want 3600.0", got)
	}

	// Observations must not panic; exact bucket contents are a
	// client-library concern.
	for _, v := range []float64{0.05, 0.5, 0.95} {
		m.PredictionScores.Observe(v)
	}
	m.PredictLatency.Observe(0.02)
	m.BatchDuration.Observe(1.5)
}

func TestMetrics_CacheRecorder(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	// The Inc methods back the cache package's recorder interface.
	m.CacheHitsInc()
	m.CacheHitsInc()
	m.CacheMissesInc()
	m.CacheErrorsInc()

	if got := testutil.ToFloat64(m.CacheHits); got != 2 {
		t.Errorf("cache hits = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheMisses); got != 1 {
		t.Errorf("cache misses = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheErrors); got != 1 {
		t.Errorf("cache errors = %f, want 1", got)
	}
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				m.Predictions.Inc()
				m.PredictLatency.Observe(0.01)
				m.CacheHitsInc()
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if got := testutil.ToFloat64(m.Predictions); got != 1000 {
		t.Errorf("predictions = %f, want 1000 after concurrent access", got)
	}
	if got := testutil.ToFloat64(m.CacheHits); got != 1000 {
		t.Errorf("cache hits = %f, want 1000 after concurrent access", got)
	}
}
