package scale

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/packline/orderscale/internal/monitoring"
	"github.com/packline/orderscale/internal/scaledriver"
	"github.com/packline/orderscale/internal/timeutil"
)

var (
	// ErrAlreadyRunning is returned by Start on a running engine.
	ErrAlreadyRunning = errors.New("engine already running")

	// ErrNotRunning is returned by commands that need a running engine.
	ErrNotRunning = errors.New("engine not running")

	// ErrChannelLocked is returned by Start when the driver reports a
	// locked read or write channel.
	ErrChannelLocked = errors.New("scale channel is locked by another process")

	// ErrInvalidMode is returned by ForceMode for unknown mode names.
	ErrInvalidMode = errors.New("invalid polling mode")
)

// subscriber channel capacity. Sends are non-blocking; a consumer that
// falls this far behind starts dropping events.
const subscriberBuffer = 16

// WeightEvent is one confirmed, newly stable, really-changed weight.
type WeightEvent struct {
	Weight *float64  `json:"weight_kg"`
	At     time.Time `json:"at"`
}

// EngineState is a point-in-time snapshot of the engine, safe to read from
// any goroutine.
type EngineState struct {
	LastConfirmedWeight *float64    `json:"last_confirmed_weight_kg"`
	LastDisplayedWeight *float64    `json:"last_displayed_weight_kg"`
	Stable              bool        `json:"stable"`
	Mode                PollingMode `json:"mode"`
	ConnectionOK        bool        `json:"connection_ok"`
	NoData              bool        `json:"no_data"`
	LastError           string      `json:"last_error,omitempty"`
	LastSampleAt        time.Time   `json:"last_sample_at"`
	Running             bool        `json:"running"`
	Paused              bool        `json:"paused"`
}

// Engine is the acquisition loop facade. All mutable tracker state is
// owned by the single run goroutine; commands from other goroutines are
// funnelled into it, so processing is strictly run-to-completion in poll
// order.
type Engine struct {
	cfg    Config
	driver scaledriver.Driver
	clock  timeutil.Clock

	zero      *ZeroDebouncer
	anomaly   *AnomalyFilter
	spike     SpikeFilter
	stability *StabilityTracker
	poller    *PollController

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	cmds       chan func(context.Context)
	snapshot   EngineState
	weightSubs map[string]chan WeightEvent
	modeSubs   map[string]chan PollingMode

	// Loop-owned state. Only the run goroutine touches these.
	lastConfirmed *float64
	lastDisplayed *float64
	stableNow     bool
	paused        bool
	connectionOK  bool
	noData        bool
	lastErr       string
	lastSuccess   time.Time
	lastSampleAt  time.Time
	tareIssued    bool

	pollTicker timeutil.Ticker
	connTicker timeutil.Ticker
	modeTimer  timeutil.Timer
}

// NewEngine creates an engine around the given driver. A nil clock selects
// the real clock.
func NewEngine(cfg Config, driver scaledriver.Driver, clock timeutil.Clock) *Engine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Engine{
		cfg:        cfg,
		driver:     driver,
		clock:      clock,
		zero:       NewZeroDebouncer(cfg.ZeroConfirmations, clock),
		anomaly:    NewAnomalyFilter(cfg.AnomalyRatio, cfg.AnomalyConfirmations, clock),
		spike:      NewSpikeFilter(cfg.SpikeThreshold),
		stability:  NewStabilityTracker(cfg.StabilityThreshold, cfg.StabilitySamples, cfg.StabilityTime, clock),
		poller:     NewPollController(cfg.ActiveModeDuration, cfg.ActivityThreshold, cfg.ActivityDebounce, clock),
		weightSubs: make(map[string]chan WeightEvent),
		modeSubs:   make(map[string]chan PollingMode),
		snapshot:   EngineState{Mode: ModeReserve},
	}
}

// Start acquires the driver channel and begins polling. The driver must
// report a connected, unlocked channel; otherwise the engine stays
// stopped and the error is returned to the caller.
func (e *Engine) Start() error {
	ctx, cancel := context.WithCancel(context.Background())

	// Claim the engine before touching the driver. The driver checks run
	// unlocked, so the claim is what makes a concurrent Start fail with
	// ErrAlreadyRunning instead of spawning a second loop.
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.cmds = make(chan func(context.Context))
	done := e.done
	e.mu.Unlock()

	if err := e.checkDriverReady(); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		cancel()
		// Release anything blocked in Stop or do during the claim window.
		close(done)
		return err
	}

	go e.run(ctx, done)
	return nil
}

func (e *Engine) checkDriverReady() error {
	if !e.driver.IsConnected() {
		return scaledriver.ErrNotConnected
	}
	status, err := e.driver.CheckStatus()
	if err != nil {
		return err
	}
	if status.ReadableLocked || status.WritableLocked {
		return ErrChannelLocked
	}
	return nil
}

// Stop halts polling, cancels every outstanding timer and clears all
// tracker state. Safe to call while a poll is in flight; its result is
// discarded. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
}

// Pause suspends sample polling and connection checks without resetting
// any tracker state.
func (e *Engine) Pause() error {
	return e.do(func(context.Context) {
		if e.paused {
			return
		}
		e.paused = true
		e.pollTicker.Stop()
		e.connTicker.Stop()
		e.publishState()
	})
}

// Resume restarts the suspended timers and performs one immediate poll.
func (e *Engine) Resume() error {
	return e.do(func(ctx context.Context) {
		if !e.paused {
			return
		}
		e.paused = false
		e.pollTicker.Reset(e.pollInterval())
		e.connTicker.Reset(e.cfg.ConnectionCheckInterval)
		e.pollOnce(ctx)
	})
}

// ForceMode sets the polling mode explicitly, cancelling any pending
// active-mode expiry.
func (e *Engine) ForceMode(mode PollingMode) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}
	return e.do(func(context.Context) {
		e.modeTimer.Stop()
		if e.poller.Force(mode) {
			e.applyModeChange()
		}
	})
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// SubscribeWeight registers a consumer of confirmed weight-change events.
// Events are dropped rather than block a slow consumer.
func (e *Engine) SubscribeWeight() (string, <-chan WeightEvent) {
	id := uuid.NewString()
	ch := make(chan WeightEvent, subscriberBuffer)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.weightSubs[id] = ch
	return id, ch
}

// SubscribeMode registers a consumer of polling-mode transitions.
func (e *Engine) SubscribeMode() (string, <-chan PollingMode) {
	id := uuid.NewString()
	ch := make(chan PollingMode, subscriberBuffer)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modeSubs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber by id and closes its channel.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.weightSubs[id]; ok {
		close(ch)
		delete(e.weightSubs, id)
	}
	if ch, ok := e.modeSubs[id]; ok {
		close(ch)
		delete(e.modeSubs, id)
	}
}

// do hands a command to the run loop.
func (e *Engine) do(f func(context.Context)) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	cmds, done := e.cmds, e.done
	e.mu.Unlock()

	select {
	case cmds <- f:
		return nil
	case <-done:
		return ErrNotRunning
	}
}

// run is the single-threaded acquisition loop. Every timer funnels into
// this select, so tracker mutation is strictly sequential.
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	e.connectionOK = true
	e.lastSuccess = e.clock.Now()
	monitoring.ConnectionOK.Set(1)

	e.pollTicker = e.clock.NewTicker(e.cfg.ReservePollInterval)
	e.connTicker = e.clock.NewTicker(e.cfg.ConnectionCheckInterval)
	e.modeTimer = e.clock.NewTimer(e.cfg.ActiveModeDuration)
	e.modeTimer.Stop()
	defer e.pollTicker.Stop()
	defer e.connTicker.Stop()
	defer e.modeTimer.Stop()

	e.publishState()
	e.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return

		case f := <-e.cmds:
			f(ctx)

		case <-e.pollTicker.C():
			if !e.paused {
				e.pollOnce(ctx)
			}

		case <-e.connTicker.C():
			if !e.paused {
				e.checkConnection()
			}

		case <-e.modeTimer.C():
			if e.poller.Expire() {
				e.applyModeChange()
			}
		}
	}
}

// shutdown clears all tracker and engine state on stop.
func (e *Engine) shutdown() {
	e.zero.Clear()
	e.anomaly.Clear()
	e.stability.Reset()
	e.poller.Reset()
	e.lastConfirmed = nil
	e.lastDisplayed = nil
	e.stableNow = false
	e.paused = false
	e.noData = false
	e.lastErr = ""
	e.tareIssued = false

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.publishState()
}

// pollOnce requests one sample from the driver and routes it through the
// filter pipeline. A result arriving after stop is discarded.
func (e *Engine) pollOnce(ctx context.Context) {
	sample, err := e.driver.ReadOnce(ctx, false)
	if ctx.Err() != nil {
		return
	}

	if err != nil || sample == nil || sample.Weight == nil {
		e.handleReadFailure(ctx, err)
	} else {
		e.handleSample(sample)
	}
	e.publishState()
}

// handleReadFailure tracks outage duration: it keeps the last confirmed
// weight, raises the non-fatal no-data error after the configured timeout,
// and issues exactly one tare per outage to attempt recovery.
func (e *Engine) handleReadFailure(ctx context.Context, err error) {
	monitoring.PollsTotal.WithLabelValues("failure").Inc()
	if err != nil && !errors.Is(err, scaledriver.ErrNoSample) {
		monitoring.Logf("scale: read failed: %v", err)
	}

	elapsed := e.clock.Since(e.lastSuccess)
	if elapsed >= e.cfg.ConnectionErrorTimeout {
		e.noData = true
		e.lastErr = "no data from scale"
	}
	if elapsed >= e.cfg.TareRetryTimeout && !e.tareIssued {
		e.tareIssued = true
		if terr := e.driver.Tare(ctx); terr != nil {
			monitoring.Logf("scale: recovery tare failed: %v", terr)
		} else {
			monitoring.Logf("scale: issued recovery tare after %s without data", elapsed)
			monitoring.TareRecoveries.Inc()
		}
	}
}

// handleSample routes one successful reading through range check, zero
// debouncing or the anomaly and spike filters, then the stability tracker.
func (e *Engine) handleSample(sample *scaledriver.RawSample) {
	monitoring.PollsTotal.WithLabelValues("sample").Inc()

	now := e.clock.Now()
	e.lastSuccess = now
	e.lastSampleAt = now
	e.noData = false
	e.lastErr = ""
	e.tareIssued = false
	e.connectionOK = true
	monitoring.ConnectionOK.Set(1)

	weight := *sample.Weight
	if weight < e.cfg.MinWeight || weight > e.cfg.MaxWeight {
		// Out-of-range readings vanish without touching any tracker.
		monitoring.SamplesDiscarded.WithLabelValues("out_of_range").Inc()
		return
	}

	verdict := AnalyzeFrame(sample.Frame, sample.Weight)

	if weight == 0 {
		if verdict.Reason == ReasonFakeZero {
			// Residual noise under a zero display. Discarded outright; it
			// neither extends nor interrupts a zero run.
			monitoring.SamplesDiscarded.WithLabelValues("fake_zero").Inc()
			return
		}
		if !e.zero.Observe() {
			return
		}
		// Confirmed empty platter: the zero supersedes any open window
		// or armed anomaly candidate.
		e.stability.Reset()
		e.anomaly.Clear()
		e.stableNow = true
		e.confirmWeight(0, now)
		return
	}

	e.zero.Clear()
	if !e.anomaly.Check(weight, e.lastConfirmed) {
		monitoring.SamplesDiscarded.WithLabelValues("anomaly").Inc()
		return
	}
	if e.spike.IsSpike(weight, e.lastConfirmed) {
		monitoring.SamplesDiscarded.WithLabelValues("spike").Inc()
		return
	}

	res := e.stability.Observe(weight, verdict.Stable)
	e.stableNow = res.Stable
	if !res.NewlyStable {
		return
	}
	e.confirmWeight(res.Weight, now)
}

// confirmWeight applies the real-change gate, updates confirmed state,
// emits the weight event and feeds the polling controller.
func (e *Engine) confirmWeight(weight float64, now time.Time) {
	if e.lastDisplayed != nil && math.Abs(weight-*e.lastDisplayed) < e.cfg.RealChangeThreshold {
		return
	}

	v := weight
	e.lastDisplayed = &v
	e.lastConfirmed = &v
	monitoring.WeightConfirmed.Inc()
	monitoring.CurrentWeight.Set(weight)

	e.emitWeight(WeightEvent{Weight: &v, At: now})

	transitioned, rearm := e.poller.NoteActivity(weight)
	if rearm {
		e.modeTimer.Reset(e.cfg.ActiveModeDuration)
	}
	if transitioned {
		e.applyModeChange()
	}
}

// applyModeChange retunes the poll cadence after any mode transition and
// notifies observers.
func (e *Engine) applyModeChange() {
	mode := e.poller.Mode()
	if !e.paused {
		e.pollTicker.Reset(e.pollInterval())
	}
	monitoring.ModeTransitions.WithLabelValues(string(mode)).Inc()
	monitoring.Logf("scale: polling mode -> %s", mode)
	e.emitMode(mode)
	e.publishState()
}

func (e *Engine) pollInterval() time.Duration {
	if e.poller.Mode() == ModeActive {
		return e.cfg.ActivePollInterval
	}
	return e.cfg.ReservePollInterval
}

// checkConnection probes driver-level connectivity independent of sample
// polling. Tracker state is never disturbed here.
func (e *Engine) checkConnection() {
	ok := e.driver.IsConnected()
	if ok != e.connectionOK {
		e.connectionOK = ok
		if ok {
			monitoring.Logf("scale: connection restored")
		} else {
			monitoring.Logf("scale: connection lost")
		}
	}
	if ok {
		monitoring.ConnectionOK.Set(1)
	} else {
		monitoring.ConnectionOK.Set(0)
	}
	e.publishState()
}

// publishState refreshes the cross-goroutine snapshot.
func (e *Engine) publishState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshot = EngineState{
		LastConfirmedWeight: copyWeight(e.lastConfirmed),
		LastDisplayedWeight: copyWeight(e.lastDisplayed),
		Stable:              e.stableNow,
		Mode:                e.poller.Mode(),
		ConnectionOK:        e.connectionOK,
		NoData:              e.noData,
		LastError:           e.lastErr,
		LastSampleAt:        e.lastSampleAt,
		Running:             e.running,
		Paused:              e.paused,
	}
}

func (e *Engine) emitWeight(ev WeightEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.weightSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Engine) emitMode(mode PollingMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.modeSubs {
		select {
		case ch <- mode:
		default:
		}
	}
}

func copyWeight(w *float64) *float64 {
	if w == nil {
		return nil
	}
	v := *w
	return &v
}
