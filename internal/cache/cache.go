// Package cache provides the feature cache: a spatially-quantized
// key/value layer over a pluggable backend (Redis, BoltDB, or memory)
// with per-source TTLs matching each data source's update cadence.
//
// The cache is advisory. Backend faults never surface to callers; they
// degrade to an unconditional miss and the pipeline re-extracts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"vacantwatch/internal/features"
)

// ErrMiss is returned by backends when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend is any key-value store supporting get and set-with-TTL.
// Implementations must be safe for concurrent use; batch workers
// query and populate the same spatial bins simultaneously.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Source-specific TTLs. Demographic data changes on an annual cadence;
// physically-observed data (infrastructure, imagery) weekly.
var sourceTTLs = map[string]time.Duration{
	"census":    365 * 24 * time.Hour,
	"osm":       7 * 24 * time.Hour,
	"satellite": 7 * 24 * time.Hour,
}

const defaultTTL = 24 * time.Hour

// TTLFor returns the cache lifetime for a source tag.
func TTLFor(source string) time.Duration {
	if ttl, ok := sourceTTLs[source]; ok {
		return ttl
	}
	return defaultTTL
}

// Key derives a deterministic cache key for a location and source.
// Coordinates are rounded to 5 decimal places (~1.1m) so near-duplicate
// queries share an entry.
func Key(source string, lat, lon float64, radiusMeters int) string {
	return fmt.Sprintf("features:%s:%.5f:%.5f:%d", source, lat, lon, radiusMeters)
}

// MetricsRecorder is implemented by the metrics package; a nil recorder
// disables instrumentation.
type MetricsRecorder interface {
	CacheHitsInc()
	CacheMissesInc()
	CacheErrorsInc()
}

// FeatureCache caches raw feature dictionaries keyed by quantized
// location. A nil backend is valid and behaves as an always-miss cache.
type FeatureCache struct {
	backend Backend
	metrics MetricsRecorder
}

// New creates a feature cache over the given backend. backend and
// metrics may both be nil.
func New(backend Backend, metrics MetricsRecorder) *FeatureCache {
	return &FeatureCache{backend: backend, metrics: metrics}
}

// Get returns the cached feature vector for key, or ok=false on any
// miss, expiry, or backend fault.
func (c *FeatureCache) Get(ctx context.Context, key string) (features.Vector, bool) {
	if c == nil || c.backend == nil {
		return nil, false
	}

	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			log.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
			if c.metrics != nil {
				c.metrics.CacheErrorsInc()
			}
		} else if c.metrics != nil {
			c.metrics.CacheMissesInc()
		}
		return nil, false
	}

	var v features.Vector
	if err := json.Unmarshal(data, &v); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache entry corrupt, treating as miss")
		return nil, false
	}

	if c.metrics != nil {
		c.metrics.CacheHitsInc()
	}
	return v, true
}

// Set stores a feature vector under key with the TTL for source.
// Failures are logged and swallowed; cached data is advisory.
func (c *FeatureCache) Set(ctx context.Context, key, source string, v features.Vector) {
	if c == nil || c.backend == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache marshal failed")
		return
	}

	if err := c.backend.Set(ctx, key, data, TTLFor(source)); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache write failed")
		if c.metrics != nil {
			c.metrics.CacheErrorsInc()
		}
	}
}

// Close releases the backend, if any.
func (c *FeatureCache) Close() error {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend.Close()
}
