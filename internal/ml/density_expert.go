package ml

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"vacantwatch/internal/geo"
)

// DensityParams are the tunable hyperparameters of the kernel density
// expert.
type DensityParams struct {
	BandwidthMeters float64 `json:"bandwidth_meters" yaml:"bandwidthMeters"`
}

// DefaultDensityParams returns a kilometer-scale default bandwidth.
func DefaultDensityParams() DensityParams {
	return DensityParams{BandwidthMeters: 1000}
}

// DensityExpert is the hotspot expert: a Gaussian kernel density
// surface over known abandoned locations, evaluated with haversine
// distances on the sphere.
//
// The output is deliberately not a probability density (which would
// integrate to 1 over the whole domain). Scores are normalized against
// the maximum log-density seen on the training set, yielding a relative
// risk in (0,1] that equals exactly 1.0 at the densest training spot.
type DensityExpert struct {
	params DensityParams

	train         []geo.Coordinate
	maxLogDensity float64
	trained       bool
}

// NewDensityExpert creates an untrained density expert.
func NewDensityExpert(params DensityParams) *DensityExpert {
	return &DensityExpert{params: params}
}

func (e *DensityExpert) Name() string  { return "density" }
func (e *DensityExpert) Trained() bool { return e.trained }

// Params returns the expert's hyperparameters.
func (e *DensityExpert) Params() DensityParams { return e.params }

// TrainingCoords returns the fitted kernel centers.
func (e *DensityExpert) TrainingCoords() []geo.Coordinate { return e.train }

// Train fits the density surface to the positive-label coordinates and
// records the training-set peak log-density as the normalization
// anchor. X is ignored.
func (e *DensityExpert) Train(_ [][]float64, y []int, coords []geo.Coordinate) (TrainInfo, error) {
	positives := coords
	if y != nil {
		positives = positiveCoords(y, coords)
	}
	if len(positives) == 0 {
		return nil, fmt.Errorf("density expert: no positive coordinates to fit")
	}
	if e.params.BandwidthMeters <= 0 {
		return nil, fmt.Errorf("density expert: bandwidth must be positive, got %f", e.params.BandwidthMeters)
	}

	e.train = append([]geo.Coordinate(nil), positives...)

	e.maxLogDensity = math.Inf(-1)
	for _, p := range e.train {
		if ld := e.logDensity(p); ld > e.maxLogDensity {
			e.maxLogDensity = ld
		}
	}
	e.trained = true

	log.Info().
		Int("samples", len(e.train)).
		Float64("bandwidth_m", e.params.BandwidthMeters).
		Float64("max_log_density", e.maxLogDensity).
		Msg("density expert trained")

	return TrainInfo{
		"n_samples":       float64(len(e.train)),
		"max_log_density": e.maxLogDensity,
	}, nil
}

// PredictProba returns exp(logDensity(q) - maxTrainLogDensity) per
// query, a relative risk score in (0,1].
func (e *DensityExpert) PredictProba(_ [][]float64, coords []geo.Coordinate) ([]float64, error) {
	if !e.trained {
		return nil, ErrUntrained
	}

	out := make([]float64, len(coords))
	for i, q := range coords {
		out[i] = math.Exp(e.logDensity(q) - e.maxLogDensity)
	}
	return out, nil
}

// logDensity evaluates the Gaussian KDE at q. Distances are central
// angles in radians; the bandwidth is converted from meters to radians
// on the reference sphere. The normalization constant cancels under
// the anchor subtraction but is kept for interpretable magnitudes.
func (e *DensityExpert) logDensity(q geo.Coordinate) float64 {
	h := e.params.BandwidthMeters / geo.EarthRadiusMeters
	qLat, qLon := q.Lat*math.Pi/180, q.Lon*math.Pi/180

	// logsumexp over the kernel exponents for numeric stability.
	exps := make([]float64, len(e.train))
	maxExp := math.Inf(-1)
	for i, p := range e.train {
		d := geo.HaversineRad(qLat, qLon, p.Lat*math.Pi/180, p.Lon*math.Pi/180)
		exps[i] = -d * d / (2 * h * h)
		if exps[i] > maxExp {
			maxExp = exps[i]
		}
	}

	var sum float64
	for _, x := range exps {
		sum += math.Exp(x - maxExp)
	}

	return maxExp + math.Log(sum) - math.Log(float64(len(e.train))) - math.Log(2*math.Pi*h*h)
}
