package scale

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/packline/orderscale/internal/timeutil"
)

// stabilityWindow accumulates near-equal samples. The reference weight is
// the running mean of the retained samples; a deviating sample replaces
// the window rather than mutating it.
type stabilityWindow struct {
	samples   []float64
	reference float64
	startedAt time.Time
	wasStable bool
}

// StabilityResult is the tracker's verdict for one surviving sample.
type StabilityResult struct {
	// Stable reports whether the current window is considered settled.
	Stable bool

	// NewlyStable is set on the first stable verdict of a window.
	NewlyStable bool

	// ProtocolStable echoes the hardware marker used for this sample.
	ProtocolStable bool

	// Weight is the window's averaged weight.
	Weight float64
}

// StabilityTracker maintains a rolling window of near-equal samples and
// declares a weight stable once either the protocol marker says so or both
// a minimum sample count and minimum elapsed time are satisfied. The dual
// criterion lets a well-behaved scale report stability instantly while
// still covering hardware whose marker is unreliable.
type StabilityTracker struct {
	clock      timeutil.Clock
	threshold  float64
	minSamples int
	minTime    time.Duration

	window     *stabilityWindow
	lastStable *float64
}

// NewStabilityTracker creates a tracker with the given window threshold,
// minimum sample count and minimum window age.
func NewStabilityTracker(threshold float64, minSamples int, minTime time.Duration, clock timeutil.Clock) *StabilityTracker {
	if minSamples < 1 {
		minSamples = 1
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &StabilityTracker{
		clock:      clock,
		threshold:  threshold,
		minSamples: minSamples,
		minTime:    minTime,
	}
}

// Observe feeds one surviving weight value together with the protocol
// verdict for its raw frame.
func (t *StabilityTracker) Observe(weight float64, protocolStable bool) StabilityResult {
	now := t.clock.Now()

	if t.window == nil || math.Abs(weight-t.window.reference) > t.threshold {
		t.window = &stabilityWindow{
			samples:   []float64{weight},
			reference: weight,
			startedAt: now,
		}
		return StabilityResult{ProtocolStable: protocolStable, Weight: weight}
	}

	w := t.window
	w.samples = append(w.samples, weight)
	w.reference = stat.Mean(w.samples, nil)

	elapsed := now.Sub(w.startedAt)
	stable := protocolStable || (len(w.samples) >= t.minSamples && elapsed >= t.minTime)

	res := StabilityResult{
		Stable:         stable,
		ProtocolStable: protocolStable,
		Weight:         w.reference,
	}
	if stable && !w.wasStable {
		w.wasStable = true
		res.NewlyStable = true
		v := w.reference
		t.lastStable = &v
	}
	return res
}

// LastStableWeight returns the averaged weight of the most recent window
// that reached stability, or nil if none has.
func (t *StabilityTracker) LastStableWeight() *float64 {
	return t.lastStable
}

// Reset drops the open window and the recorded stable weight.
func (t *StabilityTracker) Reset() {
	t.window = nil
	t.lastStable = nil
}
