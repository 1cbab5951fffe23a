package ml

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"vacantwatch/internal/geo"
)

// FeatureExpertParams are the tunable hyperparameters of the tabular
// classifier.
type FeatureExpertParams struct {
	LearnRate float64 `json:"learn_rate" yaml:"learnRate"`
	Epochs    int     `json:"epochs" yaml:"epochs"`
	L2        float64 `json:"l2" yaml:"l2"`
}

// DefaultFeatureExpertParams returns the reference hyperparameters.
func DefaultFeatureExpertParams() FeatureExpertParams {
	return FeatureExpertParams{LearnRate: 0.1, Epochs: 500, L2: 1e-4}
}

// FeatureExpert is the tabular classifier of the ensemble: a
// class-weighted logistic regression over standardized features.
// Abandoned properties are the minority class, so each class is
// weighted inversely to its frequency during training.
//
// Re-training replaces the fitted parameters wholesale; concurrent
// Train calls on one instance must be externally serialized.
type FeatureExpert struct {
	params       FeatureExpertParams
	featureNames []string

	weights []float64
	bias    float64
	means   []float64
	stds    []float64
	trained bool
}

// NewFeatureExpert creates an untrained tabular classifier. The
// feature names are used only for importance reporting.
func NewFeatureExpert(params FeatureExpertParams, featureNames []string) *FeatureExpert {
	return &FeatureExpert{params: params, featureNames: featureNames}
}

func (e *FeatureExpert) Name() string  { return "feature" }
func (e *FeatureExpert) Trained() bool { return e.trained }

// Train fits the classifier on X/y. Coordinates are ignored; this
// expert reasons over features only. Returns training-set metrics.
func (e *FeatureExpert) Train(X [][]float64, y []int, _ []geo.Coordinate) (TrainInfo, error) {
	m, err := e.TrainValidate(X, y, nil, nil)
	if err != nil {
		return nil, err
	}
	return TrainInfo{
		"accuracy":  m.Accuracy,
		"precision": m.Precision,
		"recall":    m.Recall,
		"f1":        m.F1,
		"auc":       m.AUC,
	}, nil
}

// TrainValidate fits on the training set and reports metrics on the
// validation set, or on the training set itself if none is given.
func (e *FeatureExpert) TrainValidate(XTrain [][]float64, yTrain []int, XVal [][]float64, yVal []int) (Metrics, error) {
	if len(XTrain) == 0 || len(XTrain) != len(yTrain) {
		return Metrics{}, fmt.Errorf("%w: %d rows vs %d labels", ErrDimensionMismatch, len(XTrain), len(yTrain))
	}
	nFeatures := len(XTrain[0])
	if nFeatures == 0 {
		return Metrics{}, fmt.Errorf("feature expert: zero-width feature matrix")
	}

	e.fitScaler(XTrain)
	Xs := e.transform(XTrain)

	// Balanced class weights: w_c = n / (2 * n_c).
	nPos := 0
	for _, label := range yTrain {
		nPos += label
	}
	nNeg := len(yTrain) - nPos
	wPos, wNeg := 1.0, 1.0
	if nPos > 0 && nNeg > 0 {
		n := float64(len(yTrain))
		wPos = n / (2 * float64(nPos))
		wNeg = n / (2 * float64(nNeg))
	}

	e.weights = make([]float64, nFeatures)
	e.bias = 0

	for epoch := 0; epoch < e.params.Epochs; epoch++ {
		grad := make([]float64, nFeatures)
		var gradBias float64

		for i, row := range Xs {
			p := sigmoid(dot(e.weights, row) + e.bias)
			w := wNeg
			if yTrain[i] == 1 {
				w = wPos
			}
			diff := w * (p - float64(yTrain[i]))
			for j, x := range row {
				grad[j] += diff * x
			}
			gradBias += diff
		}

		n := float64(len(Xs))
		for j := range e.weights {
			e.weights[j] -= e.params.LearnRate * (grad[j]/n + e.params.L2*e.weights[j])
		}
		e.bias -= e.params.LearnRate * gradBias / n
	}

	e.trained = true

	evalX, evalY := XVal, yVal
	if len(evalX) == 0 {
		evalX, evalY = XTrain, yTrain
	}
	scores, err := e.PredictProba(evalX, nil)
	if err != nil {
		return Metrics{}, err
	}
	metrics, err := Evaluate(evalY, scores)
	if err != nil {
		return Metrics{}, err
	}

	log.Info().
		Int("samples", len(XTrain)).
		Int("features", nFeatures).
		Float64("f1", metrics.F1).
		Float64("auc", metrics.AUC).
		Msg("feature expert trained")

	return metrics, nil
}

// PredictProba returns P(positive) per row.
func (e *FeatureExpert) PredictProba(X [][]float64, _ []geo.Coordinate) ([]float64, error) {
	if !e.trained {
		return nil, fmt.Errorf("feature expert: %w", ErrUntrained)
	}

	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(e.weights) {
			return nil, fmt.Errorf("%w: row %d has %d features, model expects %d", ErrDimensionMismatch, i, len(row), len(e.weights))
		}
		out[i] = sigmoid(dot(e.weights, e.scaleRow(row)) + e.bias)
	}
	return out, nil
}

// ImportanceEntry pairs a feature name with its importance score.
type ImportanceEntry struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// FeatureImportance returns features ranked by the magnitude of their
// standardized coefficient, descending.
func (e *FeatureExpert) FeatureImportance() ([]ImportanceEntry, error) {
	if !e.trained {
		return nil, fmt.Errorf("feature expert: %w", ErrUntrained)
	}

	entries := make([]ImportanceEntry, len(e.weights))
	for i, w := range e.weights {
		name := fmt.Sprintf("feature_%d", i)
		if i < len(e.featureNames) {
			name = e.featureNames[i]
		}
		entries[i] = ImportanceEntry{Name: name, Score: math.Abs(w)}
	}
	sort.SliceStable(entries, func(a, b int) bool { return entries[a].Score > entries[b].Score })
	return entries, nil
}

func (e *FeatureExpert) fitScaler(X [][]float64) {
	nFeatures := len(X[0])
	e.means = make([]float64, nFeatures)
	e.stds = make([]float64, nFeatures)

	for _, row := range X {
		for j, v := range row {
			e.means[j] += v
		}
	}
	n := float64(len(X))
	for j := range e.means {
		e.means[j] /= n
	}
	for _, row := range X {
		for j, v := range row {
			d := v - e.means[j]
			e.stds[j] += d * d
		}
	}
	for j := range e.stds {
		e.stds[j] = math.Sqrt(e.stds[j] / n)
		if e.stds[j] == 0 {
			e.stds[j] = 1 // constant column, leave centered at zero
		}
	}
}

func (e *FeatureExpert) transform(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = e.scaleRow(row)
	}
	return out
}

func (e *FeatureExpert) scaleRow(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - e.means[j]) / e.stds[j]
	}
	return out
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	ez := math.Exp(z)
	return ez / (1 + ez)
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
