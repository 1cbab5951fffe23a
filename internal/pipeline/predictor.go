package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"vacantwatch/internal/features"
	"vacantwatch/internal/geo"
	"vacantwatch/internal/metrics"
	"vacantwatch/internal/ml"
)

// Prediction is the result of a single-location query.
type Prediction struct {
	Coord       geo.Coordinate  `json:"coord"`
	Probability float64         `json:"probability"`
	IsHighRisk  bool            `json:"is_high_risk"`
	Breakdown   *ml.Explanation `json:"breakdown,omitempty"`
	Flags       []string        `json:"flags,omitempty"`
}

// Predictor is the single-location facade: extraction → validation →
// ensemble → optional per-expert breakdown, with the configured
// high-risk threshold applied.
type Predictor struct {
	orch      *Orchestrator
	ensemble  *ml.Ensemble
	threshold float64
	metrics   *metrics.Metrics
}

// NewPredictor composes the facade. metrics may be nil.
func NewPredictor(orch *Orchestrator, ens *ml.Ensemble, threshold float64, m *metrics.Metrics) *Predictor {
	return &Predictor{orch: orch, ensemble: ens, threshold: threshold, metrics: m}
}

// LoadPredictor restores the active model bundle under modelsDir and
// builds a predictor over it. The bundle's feature-name contract is
// checked against the orchestrator's live schema before anything runs.
func LoadPredictor(modelsDir string, orch *Orchestrator, threshold float64, m *metrics.Metrics) (*Predictor, error) {
	vi, err := ml.OpenVersionIndex(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("load predictor: %w", err)
	}
	active, ok := vi.Active()
	if !ok {
		return nil, fmt.Errorf("load predictor: no active model version in %s", modelsDir)
	}

	b, err := ml.LoadBundle(active.Dir)
	if err != nil {
		return nil, fmt.Errorf("load predictor: %w", err)
	}
	if err := b.VerifySchema(orch.Schema()); err != nil {
		return nil, fmt.Errorf("load predictor: %w", err)
	}

	ens, _, _, _, err := b.Restore()
	if err != nil {
		return nil, fmt.Errorf("load predictor: %w", err)
	}

	if m != nil {
		m.ModelAge.Set(time.Since(b.CreatedAt).Seconds())
	}
	log.Info().Str("version", active.Version).Time("created", b.CreatedAt).Msg("model bundle loaded")

	return NewPredictor(orch, ens, threshold, m), nil
}

// Threshold returns the configured high-risk cutoff.
func (p *Predictor) Threshold() float64 { return p.threshold }

// Predict scores one coordinate. An invalid coordinate or an untrained
// ensemble is an error; extraction trouble is not, the prediction
// proceeds on imputed features with the report flags attached.
func (p *Predictor) Predict(ctx context.Context, coord geo.Coordinate, withBreakdown bool) (Prediction, error) {
	if !coord.Valid() {
		return Prediction{}, fmt.Errorf("predict: coordinate %s outside WGS84 bounds", coord)
	}

	start := time.Now()
	vec, report := p.orch.Features(ctx, coord)

	pred, err := p.score(vec, coord, report, withBreakdown)
	if err != nil {
		if p.metrics != nil {
			p.metrics.PredictionErrors.Inc()
		}
		return Prediction{}, err
	}

	if p.metrics != nil {
		p.metrics.Predictions.Inc()
		p.metrics.PredictionScores.Observe(pred.Probability)
		p.metrics.PredictLatency.Observe(time.Since(start).Seconds())
		if pred.IsHighRisk {
			p.metrics.HighRiskFlagged.Inc()
		}
	}
	return pred, nil
}

func (p *Predictor) score(vec []float64, coord geo.Coordinate, report features.Report, withBreakdown bool) (Prediction, error) {
	pred := Prediction{Coord: coord, Flags: report.Flags}

	if withBreakdown {
		exp, err := p.ensemble.Explain(vec, coord)
		if err != nil {
			return Prediction{}, err
		}
		pred.Probability = exp.FinalProbability
		pred.Breakdown = &exp
	} else {
		probs, err := p.ensemble.PredictProba([][]float64{vec}, []geo.Coordinate{coord})
		if err != nil {
			return Prediction{}, err
		}
		pred.Probability = probs[0]
	}

	pred.IsHighRisk = pred.Probability >= p.threshold
	return pred, nil
}
