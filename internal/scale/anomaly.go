package scale

import (
	"time"

	"github.com/packline/orderscale/internal/timeutil"
)

// anomalyTracker follows one candidate anomalous value awaiting
// confirmation.
type anomalyTracker struct {
	value       float64
	count       int
	firstSeenAt time.Time
}

// AnomalyFilter rejects readings that imply an implausible instantaneous
// collapse versus the last confirmed weight. A reading is anomalous when
// previous/current exceeds the configured ratio: a typical scale glitch,
// not a real unload. Repeated identical anomalous readings are accepted as
// a genuine fast state change once they reach the confirmation count.
//
// The ratio test is deliberately one-sided; sudden large increases are the
// spike filter's concern.
type AnomalyFilter struct {
	clock         timeutil.Clock
	ratio         float64
	confirmations int
	tracker       *anomalyTracker
}

// NewAnomalyFilter creates a filter with the given ratio threshold and
// confirmation count.
func NewAnomalyFilter(ratio float64, confirmations int, clock timeutil.Clock) *AnomalyFilter {
	if confirmations < 1 {
		confirmations = 1
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &AnomalyFilter{clock: clock, ratio: ratio, confirmations: confirmations}
}

// Check inspects a non-zero reading against the last confirmed weight and
// reports whether it may proceed. Non-anomalous readings clear the tracker
// and pass; anomalous readings are held back until the same value repeats
// enough times.
func (f *AnomalyFilter) Check(current float64, previous *float64) bool {
	if previous == nil || *previous == 0 || current <= 0 {
		f.tracker = nil
		return true
	}

	if *previous/current <= f.ratio {
		f.tracker = nil
		return true
	}

	if f.tracker == nil || f.tracker.value != current {
		// Arm (or restart) tracking for this value.
		f.tracker = &anomalyTracker{
			value:       current,
			count:       1,
			firstSeenAt: f.clock.Now(),
		}
		return false
	}

	f.tracker.count++
	if f.tracker.count >= f.confirmations {
		f.tracker = nil
		return true
	}
	return false
}

// Clear drops any armed tracker.
func (f *AnomalyFilter) Clear() {
	f.tracker = nil
}

// Armed reports whether an anomalous value is currently being tracked.
func (f *AnomalyFilter) Armed() bool {
	return f.tracker != nil
}
