package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"vacantwatch/internal/geo"
	"vacantwatch/internal/metrics"
)

// BatchItem is one location in a batch request. A blank ID is assigned
// a generated one; results are correlated by ID, not by order.
type BatchItem struct {
	ID    string         `json:"id"`
	Coord geo.Coordinate `json:"coord"`
}

// BatchResult is the outcome for one item. Err is set when the item
// failed outright (invalid coordinate, untrained model, timeout before
// scoring); extraction trouble alone is not an error, the score stands
// on imputed features with flags attached.
type BatchResult struct {
	ID         string     `json:"id"`
	Prediction Prediction `json:"prediction"`
	Err        string     `json:"error,omitempty"`
}

// BatchProcessor runs predictions for many locations on a bounded
// worker pool. Items share no mutable state except the feature cache,
// so workers are independent; a failed item never aborts the batch.
type BatchProcessor struct {
	predictor   *Predictor
	workers     int
	itemTimeout time.Duration
	metrics     *metrics.Metrics
}

// NewBatchProcessor creates a pool of the given width. workers < 1
// falls back to 1; metrics may be nil.
func NewBatchProcessor(p *Predictor, workers int, itemTimeout time.Duration, m *metrics.Metrics) *BatchProcessor {
	if workers < 1 {
		workers = 1
	}
	return &BatchProcessor{predictor: p, workers: workers, itemTimeout: itemTimeout, metrics: m}
}

// Process scores every item and returns one result per item, in input
// order. Each item gets an independent timeout; ctx cancellation stops
// the whole batch, with pending items reported as errors.
func (b *BatchProcessor) Process(ctx context.Context, items []BatchItem, withBreakdown bool) []BatchResult {
	start := time.Now()
	batchID := uuid.NewString()
	results := make([]BatchResult, len(items))

	sem := make(chan struct{}, b.workers)
	var wg sync.WaitGroup

	for i := range items {
		item := items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		results[i].ID = item.ID

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item BatchItem) {
			defer wg.Done()
			defer func() { <-sem }()

			itemCtx, cancel := context.WithTimeout(ctx, b.itemTimeout)
			defer cancel()

			pred, err := b.predictor.Predict(itemCtx, item.Coord, withBreakdown)
			if err != nil {
				log.Warn().Err(err).Str("batch", batchID).Str("item", item.ID).Msg("batch item failed")
				results[i].Err = err.Error()
				if b.metrics != nil {
					b.metrics.BatchFailures.Inc()
				}
				return
			}
			results[i].Prediction = pred
		}(i, item)
	}
	wg.Wait()

	if b.metrics != nil {
		b.metrics.BatchItems.Add(float64(len(items)))
		b.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}
	log.Info().
		Str("batch", batchID).
		Int("items", len(items)).
		Dur("elapsed", time.Since(start)).
		Msg("batch prediction complete")

	return results
}
