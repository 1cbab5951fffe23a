package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"

	"vacantwatch/internal/features"
	"vacantwatch/internal/geo"
	"vacantwatch/internal/ml"
)

// TrainingConfig carries everything the training pipeline needs beyond
// the samples themselves.
type TrainingConfig struct {
	CVSplits     int
	BufferMeters float64
	Seed         int64

	FeatureParams ml.FeatureExpertParams
	ClusterParams ml.ClusterParams
	DensityParams ml.DensityParams

	// OptimizeHyper replaces the fixed params above with searched ones
	// before fold training: randomized search for the classifier,
	// silhouette-scored eps grid for the clusterer, closed-form
	// bandwidth for the density surface.
	OptimizeHyper bool
	HyperIters    int
}

// LabeledCoordinate is one row of the labeled training input.
type LabeledCoordinate struct {
	Coord geo.Coordinate
	Label int
}

// LoadLabeledCSV reads labeled coordinates from a CSV with a
// latitude,longitude,label header. Unparseable rows are skipped with a
// logged reason rather than aborting the load.
func LoadLabeledCSV(path string) ([]LabeledCoordinate, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open training CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	indices := make(map[string]int)
	for i, col := range header {
		indices[col] = i
	}
	for _, col := range []string{"latitude", "longitude", "label"} {
		if _, ok := indices[col]; !ok {
			return nil, fmt.Errorf("training CSV missing column %q", col)
		}
	}

	var out []LabeledCoordinate
	line := 1
	for {
		record, err := reader.Read()
		if err != nil {
			break // EOF or malformed tail
		}
		line++

		lat, latErr := strconv.ParseFloat(record[indices["latitude"]], 64)
		lon, lonErr := strconv.ParseFloat(record[indices["longitude"]], 64)
		label, labelErr := strconv.Atoi(record[indices["label"]])
		if latErr != nil || lonErr != nil || labelErr != nil || (label != 0 && label != 1) {
			log.Warn().Int("line", line).Msg("skipping unparseable training row")
			continue
		}

		coord := geo.Coordinate{Lat: lat, Lon: lon}
		if !coord.Valid() {
			log.Warn().Int("line", line).Stringer("coord", coord).Msg("skipping out-of-range coordinate")
			continue
		}
		out = append(out, LabeledCoordinate{Coord: coord, Label: label})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("training CSV %s contains no usable rows", path)
	}
	return out, nil
}

// TrainingPipeline builds feature vectors for labeled coordinates, runs
// spatially-blocked cross validation, trains the three experts,
// optimizes the ensemble weights on held-out data, and snapshots the
// result into a bundle.
type TrainingPipeline struct {
	orch *Orchestrator
	cfg  TrainingConfig
}

// NewTrainingPipeline wires the pipeline over an extraction
// orchestrator.
func NewTrainingPipeline(orch *Orchestrator, cfg TrainingConfig) *TrainingPipeline {
	return &TrainingPipeline{orch: orch, cfg: cfg}
}

// BuildSamples extracts and imputes a feature vector per labeled
// coordinate. Samples with out-of-bounds feature values are excluded
// from the run with a logged reason; they do not abort the job.
func (p *TrainingPipeline) BuildSamples(ctx context.Context, labeled []LabeledCoordinate) []features.LabeledSample {
	samples := make([]features.LabeledSample, 0, len(labeled))
	excluded := 0

	for _, lc := range labeled {
		vec, report := p.orch.Features(ctx, lc.Coord)
		if len(report.OutOfBounds) > 0 {
			log.Warn().
				Stringer("coord", lc.Coord).
				Strs("out_of_bounds", report.OutOfBounds).
				Msg("excluding training sample with out-of-bounds features")
			excluded++
			continue
		}
		samples = append(samples, features.LabeledSample{Coord: lc.Coord, Features: vec, Label: lc.Label})
	}

	log.Info().Int("samples", len(samples)).Int("excluded", excluded).Msg("training samples built")
	return samples
}

// Run executes the full training flow and returns the persisted-ready
// bundle with cross-validated metrics.
func (p *TrainingPipeline) Run(ctx context.Context, labeled []LabeledCoordinate) (*ml.Bundle, error) {
	samples := p.BuildSamples(ctx, labeled)
	if len(samples) < p.cfg.CVSplits {
		return nil, fmt.Errorf("training: %d usable samples for %d folds", len(samples), p.cfg.CVSplits)
	}

	n := len(samples)
	X := make([][]float64, n)
	y := make([]int, n)
	coords := make([]geo.Coordinate, n)
	for i, s := range samples {
		X[i] = s.Features
		y[i] = s.Label
		coords[i] = s.Coord
	}

	schema := p.orch.Schema()
	cv := ml.SpatialCV{NSplits: p.cfg.CVSplits, BufferMeters: p.cfg.BufferMeters, Seed: p.cfg.Seed}

	featureParams := p.cfg.FeatureParams
	clusterParams := p.cfg.ClusterParams
	densityParams := p.cfg.DensityParams
	if p.cfg.OptimizeHyper {
		featureParams, clusterParams, densityParams = p.tuneHyperparameters(cv, X, y, coords, schema)
	}

	folds, err := cv.Split(coords)
	if err != nil {
		return nil, fmt.Errorf("training: %w", err)
	}

	foldMetrics, weights, err := p.crossValidate(folds, X, y, coords, schema, featureParams, clusterParams, densityParams)
	if err != nil {
		return nil, err
	}

	// Final fit on every sample, keeping the cross-validated weights.
	fe := ml.NewFeatureExpert(featureParams, schema)
	ce := ml.NewClusterExpert(clusterParams)
	de := ml.NewDensityExpert(densityParams)
	for _, ex := range []ml.Expert{fe, ce, de} {
		if _, err := ex.Train(X, y, coords); err != nil {
			return nil, fmt.Errorf("training: final %s fit: %w", ex.Name(), err)
		}
	}

	ens := ml.NewEnsemble(fe, ce, de)
	if err := ens.SetWeights(weights); err != nil {
		return nil, fmt.Errorf("training: %w", err)
	}

	bundle, err := ml.NewBundle(ens, fe, ce, de, schema, foldMetrics)
	if err != nil {
		return nil, fmt.Errorf("training: %w", err)
	}

	log.Info().
		Float64("cv_f1", foldMetrics.F1).
		Float64("cv_auc", foldMetrics.AUC).
		Float64("w_feature", weights.Feature).
		Msg("training complete")

	return bundle, nil
}

func (p *TrainingPipeline) tuneHyperparameters(cv ml.SpatialCV, X [][]float64, y []int, coords []geo.Coordinate, schema features.Schema) (ml.FeatureExpertParams, ml.ClusterParams, ml.DensityParams) {
	opt := ml.NewHyperOptimizer(cv, p.cfg.Seed)

	featureParams := p.cfg.FeatureParams
	if fp, f1, err := opt.OptimizeFeatureExpert(X, y, coords, schema, p.cfg.HyperIters); err != nil {
		log.Warn().Err(err).Msg("feature expert search failed, keeping configured params")
	} else {
		log.Info().Float64("f1", f1).Msg("feature expert params tuned")
		featureParams = fp
	}

	var positives []geo.Coordinate
	for i, label := range y {
		if label == 1 {
			positives = append(positives, coords[i])
		}
	}

	clusterParams := p.cfg.ClusterParams
	if cp, sil, err := opt.OptimizeClusterEps(positives, 4*p.cfg.ClusterParams.EpsMeters, p.cfg.ClusterParams.MinSamples); err != nil {
		log.Warn().Err(err).Msg("cluster eps search failed, keeping configured params")
	} else {
		log.Info().Float64("silhouette", sil).Float64("eps_m", cp.EpsMeters).Msg("cluster eps tuned")
		clusterParams = cp
	}

	return featureParams, clusterParams, ml.DensityBandwidth(positives)
}

// crossValidate trains the experts and optimizes weights per fold,
// scoring the resulting ensemble on the fold's held-out set. Degenerate
// folds are excluded from the aggregate rather than averaged in as
// zeros. The returned weights come from the last scorable fold.
func (p *TrainingPipeline) crossValidate(folds []ml.Fold, X [][]float64, y []int, coords []geo.Coordinate, schema features.Schema, fp ml.FeatureExpertParams, cp ml.ClusterParams, dp ml.DensityParams) (ml.Metrics, ml.Weights, error) {
	var agg ml.Metrics
	weights := ml.EqualWeights()
	scored := 0

	for fi, fold := range folds {
		if fold.Degenerate {
			log.Warn().Int("fold", fi).Msg("skipping degenerate spatial fold")
			continue
		}

		XTr, yTr, cTr := selectSamples(X, y, coords, fold.TrainIdx)
		XTe, yTe, cTe := selectSamples(X, y, coords, fold.TestIdx)

		fe := ml.NewFeatureExpert(fp, schema)
		ce := ml.NewClusterExpert(cp)
		de := ml.NewDensityExpert(dp)
		trainFailed := false
		for _, ex := range []ml.Expert{fe, ce, de} {
			if _, err := ex.Train(XTr, yTr, cTr); err != nil {
				log.Warn().Err(err).Int("fold", fi).Str("expert", ex.Name()).Msg("fold training failed, skipping fold")
				trainFailed = true
				break
			}
		}
		if trainFailed {
			continue
		}

		ens := ml.NewEnsemble(fe, ce, de)
		w, err := ens.OptimizeWeights(XTe, yTe, cTe)
		if err != nil {
			log.Warn().Err(err).Int("fold", fi).Msg("weight optimization failed, skipping fold")
			continue
		}

		scores, err := ens.PredictProba(XTe, cTe)
		if err != nil {
			return ml.Metrics{}, ml.Weights{}, fmt.Errorf("training: fold %d scoring: %w", fi, err)
		}
		m, err := ml.Evaluate(yTe, scores)
		if err != nil {
			log.Warn().Err(err).Int("fold", fi).Msg("fold not scorable, skipping")
			continue
		}

		agg.Accuracy += m.Accuracy
		agg.Precision += m.Precision
		agg.Recall += m.Recall
		agg.F1 += m.F1
		agg.AUC += m.AUC
		weights = w
		scored++
	}

	if scored == 0 {
		return ml.Metrics{}, ml.Weights{}, fmt.Errorf("training: no scorable spatial fold")
	}

	agg.Accuracy /= float64(scored)
	agg.Precision /= float64(scored)
	agg.Recall /= float64(scored)
	agg.F1 /= float64(scored)
	agg.AUC /= float64(scored)
	return agg, weights, nil
}

func selectSamples(X [][]float64, y []int, coords []geo.Coordinate, idx []int) ([][]float64, []int, []geo.Coordinate) {
	Xs := make([][]float64, len(idx))
	ys := make([]int, len(idx))
	cs := make([]geo.Coordinate, len(idx))
	for i, j := range idx {
		Xs[i] = X[j]
		ys[i] = y[j]
		cs[i] = coords[j]
	}
	return Xs, ys, cs
}
