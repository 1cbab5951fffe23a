// Package pipeline is the composition root of the prediction engine:
// feature extraction with caching and imputation, batch processing,
// the training pipeline, and the prediction facade over the ensemble.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"vacantwatch/internal/features"
	"vacantwatch/internal/geo"
)

// Sources are the upstream feature providers, in extraction order.
// Each maps to a cache TTL policy and a slice of the feature schema.
var Sources = []string{"census", "osm", "satellite"}

// Extractor produces a raw feature dictionary for one source around a
// coordinate. Implementations do the actual census/OSM/imagery lookups;
// only the return contract matters here.
type Extractor interface {
	Extract(ctx context.Context, source string, coord geo.Coordinate, radiusMeters int) (features.Vector, error)
}

// RemoteExtractor calls a feature-extraction HTTP service. A circuit
// breaker per extractor fails fast during batch runs when the upstream
// is down, instead of burning the per-item timeout on every location.
type RemoteExtractor struct {
	base    string
	rest    *resty.Client
	circuit *gobreaker.CircuitBreaker
}

// NewRemoteExtractor creates a client for the extraction service at
// base (e.g. "http://extractor:9000").
func NewRemoteExtractor(base string, timeout time.Duration, retries int) *RemoteExtractor {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(10 * time.Second) // default fallback
	}
	r.SetRetryCount(retries)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "extractor",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("extractor circuit state changed")
		},
	})

	return &RemoteExtractor{base: base, rest: r, circuit: cb}
}

// Extract fetches the raw feature dictionary for one source. The
// response body is the flat name→scalar mapping the validator expects.
func (e *RemoteExtractor) Extract(ctx context.Context, source string, coord geo.Coordinate, radiusMeters int) (features.Vector, error) {
	out, err := e.circuit.Execute(func() (interface{}, error) {
		var result features.Vector
		resp, err := e.rest.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"lat":    fmt.Sprintf("%.6f", coord.Lat),
				"lon":    fmt.Sprintf("%.6f", coord.Lon),
				"radius": fmt.Sprintf("%d", radiusMeters),
			}).
			SetResult(&result).
			Get(e.base + "/features/" + source)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("extractor: status %d, body: %s", resp.StatusCode(), resp.String())
		}
		return result, nil
	})
	if err != nil {
		return nil, fmt.Errorf("extract %s at %s: %w", source, coord, err)
	}
	return out.(features.Vector), nil
}
