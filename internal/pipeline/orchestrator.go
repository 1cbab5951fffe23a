package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"vacantwatch/internal/cache"
	"vacantwatch/internal/features"
	"vacantwatch/internal/geo"
)

// ExtractionMetrics is the slice of the metrics surface the
// orchestrator reports to; nil disables instrumentation.
type ExtractionMetrics interface {
	ExtractionErrorsInc()
	ExtractionLatencyObserve(seconds float64)
	ImputedValuesAdd(n int)
}

// Orchestrator fetches, caches, validates and imputes feature vectors.
// It is the sole path between raw extractor output and any model input:
// every vector an expert sees has passed through the validator.
type Orchestrator struct {
	extractor    Extractor
	cache        *cache.FeatureCache
	validator    *features.Validator
	radiusMeters int
	metrics      ExtractionMetrics
}

// NewOrchestrator wires the extraction path. extractor, cache and
// metrics may each be nil: a nil extractor yields fully-imputed vectors,
// a nil cache is an always-miss cache.
func NewOrchestrator(extractor Extractor, fc *cache.FeatureCache, validator *features.Validator, radiusMeters int, metrics ExtractionMetrics) *Orchestrator {
	return &Orchestrator{
		extractor:    extractor,
		cache:        fc,
		validator:    validator,
		radiusMeters: radiusMeters,
		metrics:      metrics,
	}
}

// Schema returns the feature column order the orchestrator produces.
func (o *Orchestrator) Schema() features.Schema { return o.validator.Schema() }

// RawFeatures returns the merged raw feature dictionary for a
// coordinate, source by source, consulting the cache before the
// extractor. A failed source contributes nothing; the validator's
// imputation fills the gap downstream. The returned slice lists the
// sources that failed.
func (o *Orchestrator) RawFeatures(ctx context.Context, coord geo.Coordinate) (features.Vector, []string) {
	merged := make(features.Vector)
	var failed []string

	for _, source := range Sources {
		key := cache.Key(source, coord.Lat, coord.Lon, o.radiusMeters)

		if v, ok := o.cache.Get(ctx, key); ok {
			for name, val := range v {
				merged[name] = val
			}
			continue
		}

		if o.extractor == nil {
			failed = append(failed, source)
			continue
		}

		start := time.Now()
		v, err := o.extractor.Extract(ctx, source, coord, o.radiusMeters)
		if o.metrics != nil {
			o.metrics.ExtractionLatencyObserve(time.Since(start).Seconds())
		}
		if err != nil {
			log.Warn().Err(err).Str("source", source).Stringer("coord", coord).Msg("feature extraction failed")
			if o.metrics != nil {
				o.metrics.ExtractionErrorsInc()
			}
			failed = append(failed, source)
			continue
		}

		o.cache.Set(ctx, key, source, v)
		for name, val := range v {
			merged[name] = val
		}
	}

	return merged, failed
}

// Features returns the imputed, schema-ordered feature vector for a
// coordinate along with its validation report. Extraction failures are
// flagged in the report, never raised: the imputed defaults stand in.
func (o *Orchestrator) Features(ctx context.Context, coord geo.Coordinate) ([]float64, features.Report) {
	raw, failed := o.RawFeatures(ctx, coord)

	vec, report := o.validator.ImputeWithReport(raw)
	for _, source := range failed {
		report.Flags = append(report.Flags, "extraction failed: "+source)
		report.IsValid = false
	}
	if o.metrics != nil && len(report.MissingKeys) > 0 {
		o.metrics.ImputedValuesAdd(len(report.MissingKeys))
	}

	return vec, report
}
