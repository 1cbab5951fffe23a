package ml

import (
	"fmt"
	"sort"
)

// Metrics is a standard binary classification report.
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
	AUC       float64 `json:"roc_auc"`

	TruePositives  int `json:"true_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalsePositives int `json:"false_positives"`
	FalseNegatives int `json:"false_negatives"`
}

// Evaluate computes classification metrics from scores thresholded at
// 0.5. Precision/recall/F1 follow the zero-division-is-zero convention
// so an all-negative prediction set scores 0, not NaN.
func Evaluate(yTrue []int, scores []float64) (Metrics, error) {
	if len(yTrue) != len(scores) {
		return Metrics{}, fmt.Errorf("%w: %d labels vs %d scores", ErrDimensionMismatch, len(yTrue), len(scores))
	}
	if len(yTrue) == 0 {
		return Metrics{}, fmt.Errorf("evaluate: empty input")
	}

	var m Metrics
	for i, label := range yTrue {
		pred := 0
		if scores[i] > 0.5 {
			pred = 1
		}
		switch {
		case pred == 1 && label == 1:
			m.TruePositives++
		case pred == 1 && label == 0:
			m.FalsePositives++
		case pred == 0 && label == 0:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
		}
	}

	n := float64(len(yTrue))
	m.Accuracy = float64(m.TruePositives+m.TrueNegatives) / n
	if m.TruePositives+m.FalsePositives > 0 {
		m.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		m.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}

	if auc, err := ROCAUC(yTrue, scores); err == nil {
		m.AUC = auc
	}

	return m, nil
}

// ROCAUC computes the area under the ROC curve via the rank-sum
// (Mann-Whitney) formulation with midrank tie handling. Returns an
// error if yTrue contains only one class, since AUC is undefined there.
func ROCAUC(yTrue []int, scores []float64) (float64, error) {
	if len(yTrue) != len(scores) {
		return 0, fmt.Errorf("%w: %d labels vs %d scores", ErrDimensionMismatch, len(yTrue), len(scores))
	}

	nPos, nNeg := 0, 0
	for _, label := range yTrue {
		if label == 1 {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0, fmt.Errorf("roc auc: need both classes, got %d positive / %d negative", nPos, nNeg)
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	// Midranks: tied scores share the average of their rank range.
	ranks := make([]float64, len(scores))
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && scores[idx[j]] == scores[idx[i]] {
			j++
		}
		mid := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			ranks[idx[k]] = mid
		}
		i = j
	}

	var posRankSum float64
	for i, label := range yTrue {
		if label == 1 {
			posRankSum += ranks[i]
		}
	}

	u := posRankSum - float64(nPos)*float64(nPos+1)/2
	return u / (float64(nPos) * float64(nNeg)), nil
}
