// Package lesion holds the fixed label table and the decision policy that turns a
// classifier's probability distribution into a reported prediction.
package lesion

const (
	// NumClasses is the length of the distribution produced by the classifier.
	NumClasses = 8

	// ImageSize is the square edge, in pixels, of the classifier input.
	ImageSize = 224

	// ConfidenceThreshold is the minimum top-class probability reported as a label.
	ConfidenceThreshold = 0.30

	// LowConfidenceLabel replaces the class label when the threshold is not met.
	LowConfidenceLabel = "Low confidence"

	// UnknownLabel is returned for indices outside the label table.
	UnknownLabel = "Unknown"

	// LowConfidenceAdvisory accompanies every low confidence prediction.
	LowConfidenceAdvisory = "⚠ This image is not confidently recognized. Please upload a clearer image."
)

var labels = [NumClasses]string{
	"Melanoma",
	"Melanocytic nevus",
	"Basal cell carcinoma",
	"Actinic keratosis",
	"Benign keratosis",
	"Dermatofibroma",
	"Vascular lesion",
	"Squamous cell carcinoma",
}

// LabelFor returns the diagnostic category for a class index.
func LabelFor(index int) string {
	if index < 0 || index >= len(labels) {
		return UnknownLabel
	}
	return labels[index]
}

// Labels returns a copy of the label table ordered by class index.
func Labels() []string {
	out := make([]string, len(labels))
	copy(out, labels[:])
	return out
}
