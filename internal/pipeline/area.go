package pipeline

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"vacantwatch/internal/geo"
)

// AreaRequest describes a probability-surface query: a square of
// RadiusMeters around the center, sampled every ResolutionMeters.
type AreaRequest struct {
	CenterLat        float64 `json:"center_lat" validate:"gte=-90,lte=90"`
	CenterLon        float64 `json:"center_lon" validate:"gte=-180,lte=180"`
	RadiusMeters     float64 `json:"radius_meters" validate:"gt=0,lte=50000"`
	ResolutionMeters float64 `json:"resolution_meters" validate:"gt=0"`
	WithBreakdown    bool    `json:"with_breakdown"`
}

// AreaResult is the full probability surface plus the request echo.
// Each cell result carries its own coordinate and optional breakdown.
type AreaResult struct {
	Request AreaRequest   `json:"request"`
	Cells   []BatchResult `json:"cells"`
}

var validate = validator.New()

// AreaPredictor runs the per-cell pipeline over a request grid,
// reusing the batch pool so extraction parallelism and per-cell
// timeouts apply unchanged.
type AreaPredictor struct {
	batch        *BatchProcessor
	maxGridCells int
}

// NewAreaPredictor bounds surfaces at maxGridCells cells; a request
// exceeding that is rejected before any extraction work begins.
func NewAreaPredictor(batch *BatchProcessor, maxGridCells int) *AreaPredictor {
	return &AreaPredictor{batch: batch, maxGridCells: maxGridCells}
}

// PredictArea validates the request, builds the grid, and scores every
// cell independently through the same extraction→validation→ensemble
// path as single-point prediction.
func (a *AreaPredictor) PredictArea(ctx context.Context, req AreaRequest) (AreaResult, error) {
	if err := validate.Struct(req); err != nil {
		return AreaResult{}, fmt.Errorf("area request invalid: %w", err)
	}

	center := geo.Coordinate{Lat: req.CenterLat, Lon: req.CenterLon}
	cells := geo.Grid(center, req.RadiusMeters, req.ResolutionMeters)
	if len(cells) == 0 {
		return AreaResult{}, fmt.Errorf("area request produces an empty grid")
	}
	if len(cells) > a.maxGridCells {
		return AreaResult{}, fmt.Errorf("area request produces %d cells, limit is %d; increase resolution or shrink radius", len(cells), a.maxGridCells)
	}

	items := make([]BatchItem, len(cells))
	for i, c := range cells {
		items[i] = BatchItem{ID: fmt.Sprintf("cell-%d", i), Coord: c}
	}

	results := a.batch.Process(ctx, items, req.WithBreakdown)
	return AreaResult{Request: req, Cells: results}, nil
}
