package scale

import "math"

// spikeFloor is the minimum last-confirmed weight in kg before spike
// rejection applies. Below it, large jumps are legitimate loading-from-
// empty transitions and must pass.
const spikeFloor = 0.1

// SpikeFilter rejects a single large jump relative to the last confirmed
// weight. It is stateless: the same spike value offered repeatedly is
// rejected every time.
type SpikeFilter struct {
	// Threshold is the largest plausible single-poll jump in kg.
	Threshold float64
}

// NewSpikeFilter creates a filter with the given jump threshold.
func NewSpikeFilter(threshold float64) SpikeFilter {
	return SpikeFilter{Threshold: threshold}
}

// IsSpike reports whether the reading should be discarded as a spike.
func (f SpikeFilter) IsSpike(current float64, lastConfirmed *float64) bool {
	if lastConfirmed == nil || *lastConfirmed <= spikeFloor {
		return false
	}
	return math.Abs(current-*lastConfirmed) > f.Threshold
}
