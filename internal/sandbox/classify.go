package sandbox

import "strings"

// DefaultMarkers are the minitest report headings for a failed assertion
// and for an unexpected exception inside a test.
var DefaultMarkers = []string{"Failure:", "Error:"}

// Classifier decides pass/fail from captured output text. It is a plain
// substring scan: guest output that happens to print a marker outside a
// failure report is classified as a failure too.
type Classifier struct {
	Markers []string
}

// NewClassifier returns a classifier for markers, or DefaultMarkers when
// none are given.
func NewClassifier(markers ...string) Classifier {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	return Classifier{Markers: markers}
}

// Classify returns true unless output contains one of the markers.
func (c Classifier) Classify(output string) bool {
	for _, m := range c.Markers {
		if m != "" && strings.Contains(output, m) {
			return false
		}
	}
	return true
}
