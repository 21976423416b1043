package scale

import (
	"time"

	"github.com/packline/orderscale/internal/timeutil"
)

// PollingMode is the engine's polling cadence state.
type PollingMode string

const (
	// ModeActive is the fast cadence entered after detected weight
	// activity.
	ModeActive PollingMode = "active"

	// ModeReserve is the default slow cadence used when idle.
	ModeReserve PollingMode = "reserve"
)

// Valid reports whether m names a known polling mode.
func (m PollingMode) Valid() bool {
	return m == ModeActive || m == ModeReserve
}

// PollController owns the polling mode state machine: reserve by default,
// active for a bounded duration after qualifying weight activity. The
// engine owns the actual expiry timer; the controller decides transitions.
type PollController struct {
	clock          timeutil.Clock
	activeDuration time.Duration
	threshold      float64
	debounce       time.Duration

	mode           PollingMode
	expiresAt      time.Time
	lastActivityAt time.Time
}

// NewPollController creates a controller in reserve mode.
func NewPollController(activeDuration time.Duration, threshold float64, debounce time.Duration, clock timeutil.Clock) *PollController {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PollController{
		clock:          clock,
		activeDuration: activeDuration,
		threshold:      threshold,
		debounce:       debounce,
		mode:           ModeReserve,
	}
}

// Mode returns the current polling mode.
func (p *PollController) Mode() PollingMode {
	return p.mode
}

// ExpiresAt returns the pending active-mode deadline, zero if none.
func (p *PollController) ExpiresAt() time.Time {
	return p.expiresAt
}

// NoteActivity records a confirmed, really-changed weight. It reports
// whether the mode transitioned to active and whether the expiry timer
// must be (re)armed for the active duration. Sub-threshold weights and
// changes inside the debounce interval are ignored.
func (p *PollController) NoteActivity(weight float64) (transitioned, rearm bool) {
	if weight < p.threshold {
		return false, false
	}

	now := p.clock.Now()
	if !p.lastActivityAt.IsZero() && now.Sub(p.lastActivityAt) < p.debounce {
		return false, false
	}
	p.lastActivityAt = now
	p.expiresAt = now.Add(p.activeDuration)

	if p.mode == ModeActive {
		return false, true
	}
	p.mode = ModeActive
	return true, true
}

// Expire handles the active-mode deadline firing. It reports whether a
// transition back to reserve happened.
func (p *PollController) Expire() bool {
	if p.mode != ModeActive {
		return false
	}
	p.mode = ModeReserve
	p.expiresAt = time.Time{}
	return true
}

// Force sets the mode unconditionally, cancelling any pending expiry. It
// reports whether the mode actually changed.
func (p *PollController) Force(mode PollingMode) bool {
	p.expiresAt = time.Time{}
	if p.mode == mode {
		return false
	}
	p.mode = mode
	return true
}

// Reset returns the controller to reserve mode and forgets activity
// history. Used on engine stop.
func (p *PollController) Reset() {
	p.mode = ModeReserve
	p.expiresAt = time.Time{}
	p.lastActivityAt = time.Time{}
}
