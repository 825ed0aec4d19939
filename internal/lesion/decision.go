package lesion

import (
	"fmt"
	"math"
)

// Prediction is the outcome of applying the decision policy to one distribution.
type Prediction struct {
	Label      string
	Index      int
	Confidence float64
	Advisory   string
}

// LowConfidence reports whether the top-class probability fell below the threshold.
// NaN never clears the threshold.
func (p Prediction) LowConfidence() bool {
	return !(p.Confidence >= ConfidenceThreshold)
}

// ConfidencePercent renders the confidence the way clients receive it, e.g. "87.31%".
func (p Prediction) ConfidencePercent() string {
	return fmt.Sprintf("%.2f%%", p.Confidence*100)
}

// Argmax returns the index of the largest value; the first maximum wins ties.
// A NaN counts as the maximum, so the first NaN wins wherever it sits.
// It returns -1 for an empty slice.
func Argmax(distribution []float32) int {
	if len(distribution) == 0 {
		return -1
	}
	best := 0
	for i, v := range distribution {
		if math.IsNaN(float64(v)) {
			return i
		}
		if v > distribution[best] {
			best = i
		}
	}
	return best
}

// Decide applies the confidence policy. It is total: distributions that do not sum
// to one, or are empty, still produce a result.
func Decide(distribution []float32) Prediction {
	index := Argmax(distribution)
	if index < 0 {
		return Prediction{Label: LowConfidenceLabel, Index: index, Advisory: LowConfidenceAdvisory}
	}

	p := Prediction{
		Index:      index,
		Confidence: float64(distribution[index]),
	}
	if p.LowConfidence() {
		p.Label = LowConfidenceLabel
		p.Advisory = LowConfidenceAdvisory
		return p
	}
	p.Label = LabelFor(index)
	return p
}
