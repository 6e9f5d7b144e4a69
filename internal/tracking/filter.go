package tracking

import (
	"math"

	"github.com/vlebourl/redlights/internal/ride"
)

// DefaultMaxAccuracyM is the accuracy gate applied when none is configured.
const DefaultMaxAccuracyM = 50.0

// Accept reports whether a fix is accurate enough to reach the stop detector
// and the sampler. Fixes with unknown accuracy are always dropped.
func Accept(fix ride.Fix, maxAccuracyM float64) bool {
	if fix.Accuracy == nil || math.IsNaN(*fix.Accuracy) {
		return false
	}
	return *fix.Accuracy <= maxAccuracyM
}
