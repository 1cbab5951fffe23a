// Package metrics provides Prometheus metrics collection for the
// prediction engine. It defines and manages the prediction, feature
// extraction, and cache metrics exposed via the Prometheus endpoint
// for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the prediction engine.
type Metrics struct {
	// Prediction metrics
	Predictions      prometheus.Counter   // Total number of predictions served
	PredictionErrors prometheus.Counter   // Total number of failed predictions
	PredictionScores prometheus.Histogram // Distribution of predicted probabilities
	PredictLatency   prometheus.Histogram // End-to-end single prediction latency
	HighRiskFlagged  prometheus.Counter   // Predictions exceeding the risk threshold
	ModelAge         prometheus.Gauge     // Age of the active model bundle in seconds

	// Batch metrics
	BatchItems    prometheus.Counter   // Total items processed through batches
	BatchFailures prometheus.Counter   // Items that fell back to imputed features
	BatchDuration prometheus.Histogram // Wall time of whole batch runs

	// Feature extraction metrics
	ExtractionErrors  prometheus.Counter   // Total number of feature extraction failures
	ExtractionLatency prometheus.Histogram // Upstream extraction call latency
	ImputedValues     prometheus.Counter   // Total feature values filled by imputation

	// Cache metrics
	CacheHits   prometheus.Counter // Feature cache hits
	CacheMisses prometheus.Counter // Feature cache misses
	CacheErrors prometheus.Counter // Feature cache backend faults

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
// This is the standard way to create metrics for production use.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
// This allows for isolated metric collection in tests without affecting
// the global Prometheus registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Predictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of predictions served",
		}),
		PredictionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "prediction_errors_total",
			Help: "Total number of failed predictions",
		}),
		PredictionScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_scores",
			Help:    "Distribution of predicted abandonment probabilities",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		PredictLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_latency_seconds",
			Help:    "End-to-end single prediction latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		HighRiskFlagged: factory.NewCounter(prometheus.CounterOpts{
			Name: "high_risk_flagged_total",
			Help: "Predictions exceeding the high-risk threshold",
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "model_age_seconds",
			Help: "Age of the active model bundle in seconds",
		}),
		BatchItems: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_items_total",
			Help: "Total items processed through batch predictions",
		}),
		BatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_failures_total",
			Help: "Batch items that fell back to imputed features",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batch_duration_seconds",
			Help:    "Wall time of whole batch prediction runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ExtractionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "extraction_errors_total",
			Help: "Total number of feature extraction failures",
		}),
		ExtractionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "extraction_latency_seconds",
			Help:    "Upstream feature extraction call latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ImputedValues: factory.NewCounter(prometheus.CounterOpts{
			Name: "imputed_values_total",
			Help: "Total feature values filled in by imputation",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "feature_cache_hits_total",
			Help: "Feature cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "feature_cache_misses_total",
			Help: "Feature cache misses",
		}),
		CacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "feature_cache_errors_total",
			Help: "Feature cache backend faults",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}

// CacheHitsInc, CacheMissesInc and CacheErrorsInc satisfy the cache
// package's recorder interface without importing this package from it.
func (m *Metrics) CacheHitsInc()   { m.CacheHits.Inc() }
func (m *Metrics) CacheMissesInc() { m.CacheMisses.Inc() }
func (m *Metrics) CacheErrorsInc() { m.CacheErrors.Inc() }

// ExtractionErrorsInc, ExtractionLatencyObserve and ImputedValuesAdd
// satisfy the pipeline package's extraction recorder the same way.
func (m *Metrics) ExtractionErrorsInc()                  { m.ExtractionErrors.Inc() }
func (m *Metrics) ExtractionLatencyObserve(secs float64) { m.ExtractionLatency.Observe(secs) }
func (m *Metrics) ImputedValuesAdd(n int)                { m.ImputedValues.Add(float64(n)) }
