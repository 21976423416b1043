package scale

import (
	"time"

	"github.com/packline/orderscale/internal/timeutil"
)

// zeroRun accumulates consecutive zero readings.
type zeroRun struct {
	count       int
	firstSeenAt time.Time
}

// ZeroDebouncer requires a run of consecutive zero readings before a zero
// is confirmed, so a momentary signal drop is never reported as an empty
// platter.
type ZeroDebouncer struct {
	clock         timeutil.Clock
	confirmations int
	run           *zeroRun
}

// NewZeroDebouncer creates a debouncer confirming after the given run
// length.
func NewZeroDebouncer(confirmations int, clock timeutil.Clock) *ZeroDebouncer {
	if confirmations < 1 {
		confirmations = 1
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ZeroDebouncer{clock: clock, confirmations: confirmations}
}

// Observe records one raw zero reading. It returns true when the run
// reaches the confirmation count; the run is then cleared so the next zero
// starts a fresh one. Readings before confirmation are discarded silently.
func (z *ZeroDebouncer) Observe() bool {
	if z.run == nil {
		z.run = &zeroRun{firstSeenAt: z.clock.Now()}
	}

	z.run.count++
	if z.run.count >= z.confirmations {
		z.run = nil
		return true
	}
	return false
}

// Clear drops any active run. Called for every non-zero reading before
// further processing.
func (z *ZeroDebouncer) Clear() {
	z.run = nil
}

// Active reports whether a zero run is currently building.
func (z *ZeroDebouncer) Active() bool {
	return z.run != nil
}
