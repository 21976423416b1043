// Package scale implements the weight acquisition and stabilization engine:
// it polls a scale driver, filters protocol noise, fake zeros, spikes and
// anomalous readings, debounces zeros, declares stability, and adapts its
// polling cadence between a fast active mode and a slow reserve mode.
package scale

import (
	"time"

	"github.com/packline/orderscale/internal/config"
)

// Config holds the resolved engine parameters. It is immutable once the
// engine is constructed.
type Config struct {
	// StabilityThreshold is the maximum deviation in kg a sample may have
	// from the open stability window's reference weight.
	StabilityThreshold float64

	// StabilitySamples is the minimum window size before time-based
	// stability can be declared.
	StabilitySamples int

	// StabilityTime is the minimum window age before time-based stability
	// can be declared.
	StabilityTime time.Duration

	// SpikeThreshold is the largest plausible single-poll jump in kg.
	SpikeThreshold float64

	// ZeroConfirmations is the run length required to confirm a zero.
	ZeroConfirmations int

	// AnomalyRatio flags a reading as anomalous when the previous
	// confirmed weight exceeds it by more than this ratio.
	AnomalyRatio float64

	// AnomalyConfirmations is the number of identical anomalous readings
	// required before the value is accepted as real.
	AnomalyConfirmations int

	// MinWeight and MaxWeight bound the valid reading range in kg,
	// inclusive on both ends.
	MinWeight float64
	MaxWeight float64

	// RealChangeThreshold is the minimum difference in kg from the last
	// displayed weight for a confirmed value to count as a change.
	RealChangeThreshold float64

	// ActivePollInterval and ReservePollInterval are the polling cadences
	// of the two modes.
	ActivePollInterval  time.Duration
	ReservePollInterval time.Duration

	// ActiveModeDuration is how long active mode lasts without further
	// qualifying activity.
	ActiveModeDuration time.Duration

	// ActivityThreshold is the minimum confirmed weight in kg that counts
	// as activity for mode switching.
	ActivityThreshold float64

	// ActivityDebounce is the quiescence required between mode-relevant
	// weight changes.
	ActivityDebounce time.Duration

	// ConnectionErrorTimeout is how long reads may fail before the engine
	// raises its non-fatal "no data" error state.
	ConnectionErrorTimeout time.Duration

	// TareRetryTimeout is how long reads may fail before the engine issues
	// one automatic tare to recover the scale.
	TareRetryTimeout time.Duration

	// ConnectionCheckInterval is the period of the driver-level
	// connectivity probe.
	ConnectionCheckInterval time.Duration
}

// DefaultConfig returns the production defaults for order-assembly bench
// scales.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyEngineTuning())
}

// ConfigFromTuning resolves an engine Config from tuning parameters,
// applying defaults for anything unset.
func ConfigFromTuning(t *config.EngineTuning) Config {
	if t == nil {
		t = config.EmptyEngineTuning()
	}
	return Config{
		StabilityThreshold:      t.GetStabilityThresholdKg(),
		StabilitySamples:        t.GetStabilitySampleCount(),
		StabilityTime:           t.GetStabilityTime(),
		SpikeThreshold:          t.GetSpikeThresholdKg(),
		ZeroConfirmations:       t.GetZeroConfirmationCount(),
		AnomalyRatio:            t.GetAnomalyRatio(),
		AnomalyConfirmations:    t.GetAnomalyConfirmationCount(),
		MinWeight:               t.GetMinWeightKg(),
		MaxWeight:               t.GetMaxWeightKg(),
		RealChangeThreshold:     t.GetRealChangeThresholdKg(),
		ActivePollInterval:      t.GetActivePollInterval(),
		ReservePollInterval:     t.GetReservePollInterval(),
		ActiveModeDuration:      t.GetActiveModeDuration(),
		ActivityThreshold:       t.GetActivityThresholdKg(),
		ActivityDebounce:        t.GetActivityDebounce(),
		ConnectionErrorTimeout:  t.GetConnectionErrorTimeout(),
		TareRetryTimeout:        t.GetTareRetryTimeout(),
		ConnectionCheckInterval: t.GetConnectionCheckInterval(),
	}
}
