// Package ml implements the geospatial ensemble prediction engine: the
// three expert predictors (tabular classifier, spatial cluster
// distance-decay, kernel density surface), the spatially-blocked
// cross-validator that keeps their evaluation honest, the ensemble
// weight optimizer, and model bundle persistence.
package ml

import (
	"errors"

	"vacantwatch/internal/geo"
)

var (
	// ErrUntrained is returned when predictions are requested from a
	// model that has never been trained. This is deliberately a hard
	// error: a silent all-zero result reads as "confirmed not
	// abandoned" downstream.
	ErrUntrained = errors.New("ml: model has not been trained")

	// ErrSchemaMismatch is returned when a persisted bundle's feature
	// name list does not match the live extraction schema.
	ErrSchemaMismatch = errors.New("ml: bundle feature schema does not match extractor schema")

	// ErrDimensionMismatch is returned when inputs disagree on length.
	ErrDimensionMismatch = errors.New("ml: input dimensions do not match")
)

// TrainInfo carries model-specific statistics from a training run,
// e.g. cluster counts or validation metrics.
type TrainInfo map[string]float64

// Expert is one statistical opinion in the ensemble. Each expert owns
// its fitted parameters exclusively; the ensemble holds experts by this
// interface only, so tests can substitute stubs.
//
// Train replaces any previously fitted parameters. Implementations are
// not safe for concurrent Train calls on the same instance.
type Expert interface {
	Name() string

	// Train fits the expert on labeled samples. Experts that reason
	// over geography rather than features (cluster, density) consume
	// only the positive-label coordinates and ignore X.
	Train(X [][]float64, y []int, coords []geo.Coordinate) (TrainInfo, error)

	// PredictProba returns a probability-like score in [0,1] per row.
	// Returns ErrUntrained before the first successful Train.
	PredictProba(X [][]float64, coords []geo.Coordinate) ([]float64, error)

	Trained() bool
}

// positiveCoords extracts the coordinates of positive-label samples.
func positiveCoords(y []int, coords []geo.Coordinate) []geo.Coordinate {
	var out []geo.Coordinate
	for i, label := range y {
		if label == 1 && i < len(coords) {
			out = append(out, coords[i])
		}
	}
	return out
}
