package scale

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/packline/orderscale/internal/scaledriver"
	"github.com/packline/orderscale/internal/timeutil"
)

// directEngine builds an engine whose pipeline is driven by hand through
// pollOnce, without the run goroutine. The loop-owned timers are installed
// here so confirmWeight and applyModeChange work as they do in the loop.
func directEngine(t *testing.T, cfg Config) (*Engine, *scaledriver.MockDriver, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	driver := scaledriver.NewMockDriver()
	e := NewEngine(cfg, driver, clock)
	e.pollTicker = clock.NewTicker(cfg.ReservePollInterval)
	e.connTicker = clock.NewTicker(cfg.ConnectionCheckInterval)
	e.modeTimer = clock.NewTimer(cfg.ActiveModeDuration)
	e.modeTimer.Stop()
	e.connectionOK = true
	e.lastSuccess = clock.Now()
	return e, driver, clock
}

// feedStable queues n protocol-stable readings of kg and polls them through.
func feedStable(e *Engine, driver *scaledriver.MockDriver, kg float64, n int) {
	for i := 0; i < n; i++ {
		driver.QueueWeight(kg, scaledriver.TrailerStable)
		e.pollOnce(context.Background())
	}
}

func recvWeight(t *testing.T, ch <-chan WeightEvent) WeightEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	default:
		t.Fatal("expected a weight event")
		return WeightEvent{}
	}
}

func recvMode(t *testing.T, ch <-chan PollingMode) PollingMode {
	t.Helper()
	select {
	case m := <-ch:
		return m
	default:
		t.Fatal("expected a mode event")
		return ""
	}
}

func assertNoWeight(t *testing.T, ch <-chan WeightEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected weight event: %+v", ev)
	default:
	}
}

func TestEngineConfirmsStableWeight(t *testing.T) {
	e, driver, _ := directEngine(t, DefaultConfig())
	_, weights := e.SubscribeWeight()
	_, modes := e.SubscribeMode()

	feedStable(e, driver, 1.0, 1)
	assertNoWeight(t, weights)

	// Second protocol-stable sample settles the window.
	feedStable(e, driver, 1.0, 1)
	ev := recvWeight(t, weights)
	if ev.Weight == nil || *ev.Weight != 1.0 {
		t.Fatalf("event weight = %v, want 1.0", ev.Weight)
	}

	// Confirming a real weight is activity: the engine goes active.
	if m := recvMode(t, modes); m != ModeActive {
		t.Errorf("mode event = %q, want active", m)
	}

	st := e.Status()
	if st.LastConfirmedWeight == nil || *st.LastConfirmedWeight != 1.0 {
		t.Errorf("LastConfirmedWeight = %v, want 1.0", st.LastConfirmedWeight)
	}
	if !st.Stable {
		t.Error("status should report stable")
	}
	if st.Mode != ModeActive {
		t.Errorf("mode = %q, want active", st.Mode)
	}
}

func TestEngineRealChangeGate(t *testing.T) {
	e, driver, _ := directEngine(t, DefaultConfig())
	_, weights := e.SubscribeWeight()

	feedStable(e, driver, 1.0, 2)
	recvWeight(t, weights)

	// 1.08 settles as a new window but differs from the displayed 1.0 by
	// less than the real-change threshold: silently confirmed stable, no
	// event, no state change.
	feedStable(e, driver, 1.08, 2)
	assertNoWeight(t, weights)
	if st := e.Status(); *st.LastConfirmedWeight != 1.0 {
		t.Errorf("LastConfirmedWeight = %v, want unchanged 1.0", *st.LastConfirmedWeight)
	}

	// 1.2 clears the gate.
	feedStable(e, driver, 1.2, 2)
	ev := recvWeight(t, weights)
	if *ev.Weight != 1.2 {
		t.Errorf("event weight = %v, want 1.2", *ev.Weight)
	}
}

func TestEngineZeroDebounce(t *testing.T) {
	e, driver, _ := directEngine(t, DefaultConfig())
	_, weights := e.SubscribeWeight()

	feedStable(e, driver, 1.0, 2)
	recvWeight(t, weights)

	zeroFrame := make([]byte, scaledriver.FrameLen)

	// Two zeros interrupted by a non-zero reading: no confirmation.
	for i := 0; i < 2; i++ {
		driver.QueueFrame(zeroFrame)
		e.pollOnce(context.Background())
	}
	feedStable(e, driver, 1.0, 1)
	assertNoWeight(t, weights)

	// Three consecutive zeros: exactly one confirmed zero, on the third.
	for i := 0; i < 3; i++ {
		assertNoWeight(t, weights)
		driver.QueueFrame(zeroFrame)
		e.pollOnce(context.Background())
	}
	ev := recvWeight(t, weights)
	if ev.Weight == nil || *ev.Weight != 0 {
		t.Fatalf("event weight = %v, want 0", ev.Weight)
	}
	st := e.Status()
	if *st.LastConfirmedWeight != 0 {
		t.Errorf("LastConfirmedWeight = %v, want 0", *st.LastConfirmedWeight)
	}
	if !st.Stable {
		t.Error("confirmed zero should report stable")
	}
}

func TestEngineFakeZeroDiscarded(t *testing.T) {
	e, driver, _ := directEngine(t, DefaultConfig())
	_, weights := e.SubscribeWeight()

	// Stable trailer, zero display, residual non-zero digit byte. These
	// must not accumulate toward a zero confirmation.
	fake := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00}
	for i := 0; i < 5; i++ {
		driver.QueueFrame(fake)
		e.pollOnce(context.Background())
	}
	assertNoWeight(t, weights)
	if e.zero.Active() {
		t.Error("fake zeros must not open a zero run")
	}
}

func TestEngineAnomalyCascade(t *testing.T) {
	e, driver, _ := directEngine(t, DefaultConfig())
	_, weights := e.SubscribeWeight()

	feedStable(e, driver, 2.0, 2)
	recvWeight(t, weights)

	// 2.0 -> 0.35 is ratio 5.7: anomalous. Every third identical reading
	// passes the filter; the stability window then still needs a second
	// surviving sample, so the sixth reading is the first confirmable one.
	for i := 0; i < 5; i++ {
		feedStable(e, driver, 0.35, 1)
		assertNoWeight(t, weights)
	}
	feedStable(e, driver, 0.35, 1)
	ev := recvWeight(t, weights)
	if *ev.Weight != 0.35 {
		t.Errorf("event weight = %v, want 0.35", *ev.Weight)
	}
}

func TestEngineSpikeDiscarded(t *testing.T) {
	e, driver, _ := directEngine(t, DefaultConfig())
	_, weights := e.SubscribeWeight()

	feedStable(e, driver, 1.0, 2)
	recvWeight(t, weights)

	// A 4 kg jump is beyond any plausible single-poll change. Stateless:
	// rejected every time, no confirmation count.
	feedStable(e, driver, 5.0, 3)
	assertNoWeight(t, weights)
	if st := e.Status(); *st.LastConfirmedWeight != 1.0 {
		t.Errorf("LastConfirmedWeight = %v, want unchanged 1.0", *st.LastConfirmedWeight)
	}
}

func TestEngineRangeBoundaries(t *testing.T) {
	e, driver, _ := directEngine(t, DefaultConfig())
	_, weights := e.SubscribeWeight()

	// Just outside the range on either end: discarded before any tracker.
	neg := -0.001
	driver.QueueSample(&scaledriver.RawSample{
		Weight: &neg,
		Frame:  scaledriver.EncodeFrame(0, scaledriver.TrailerStable),
	})
	e.pollOnce(context.Background())

	over := 20.001
	driver.QueueSample(&scaledriver.RawSample{
		Weight: &over,
		Frame:  scaledriver.EncodeFrame(20001, scaledriver.TrailerStable),
	})
	e.pollOnce(context.Background())

	assertNoWeight(t, weights)
	if e.zero.Active() {
		t.Error("out-of-range readings must not touch the zero debouncer")
	}
	if e.stability.LastStableWeight() != nil {
		t.Error("out-of-range readings must not touch the stability tracker")
	}

	// Both boundaries are inclusive. Zero enters the zero pipeline.
	driver.QueueFrame(make([]byte, scaledriver.FrameLen))
	e.pollOnce(context.Background())
	if !e.zero.Active() {
		t.Error("0 kg is in range and should start a zero run")
	}
	e.zero.Clear()

	// 20 kg confirms normally.
	feedStable(e, driver, 20.0, 2)
	ev := recvWeight(t, weights)
	if *ev.Weight != 20.0 {
		t.Errorf("event weight = %v, want 20.0", *ev.Weight)
	}
}

func TestEngineActiveModeExpiry(t *testing.T) {
	e, driver, clock := directEngine(t, DefaultConfig())
	_, modes := e.SubscribeMode()

	feedStable(e, driver, 1.0, 2)
	if m := recvMode(t, modes); m != ModeActive {
		t.Fatalf("mode event = %q, want active", m)
	}

	// No further activity: the mode timer fires after the active duration
	// and the loop drops back to reserve.
	clock.Advance(e.cfg.ActiveModeDuration)
	select {
	case <-e.modeTimer.C():
	default:
		t.Fatal("mode timer did not fire at the active duration")
	}
	if !e.poller.Expire() {
		t.Fatal("expiry must transition out of active mode")
	}
	e.applyModeChange()

	if m := recvMode(t, modes); m != ModeReserve {
		t.Errorf("mode event = %q, want reserve", m)
	}
	if st := e.Status(); st.Mode != ModeReserve {
		t.Errorf("mode = %q, want reserve", st.Mode)
	}
}

func TestEngineSubThresholdChangeKeepsReserve(t *testing.T) {
	e, driver, _ := directEngine(t, DefaultConfig())

	// 0.005 kg is under the activity threshold: confirmable in principle
	// but never a mode trigger. It is also under the real-change gate
	// against nothing, so confirmation itself goes through.
	feedStable(e, driver, 0.005, 2)
	if st := e.Status(); st.Mode != ModeReserve {
		t.Errorf("mode = %q, want reserve after sub-threshold weight", st.Mode)
	}
}

func TestEngineNoDataAndTareRecovery(t *testing.T) {
	e, driver, clock := directEngine(t, DefaultConfig())
	ctx := context.Background()

	feedStable(e, driver, 1.0, 2)

	// Failures shorter than the connection error timeout stay silent.
	e.pollOnce(ctx)
	if st := e.Status(); st.NoData {
		t.Error("no-data must not be raised before the timeout")
	}

	// At 5s the non-fatal no-data error appears; the last confirmed
	// weight is preserved.
	clock.Advance(5 * time.Second)
	e.pollOnce(ctx)
	st := e.Status()
	if !st.NoData || st.LastError == "" {
		t.Errorf("status = %+v, want no-data error raised", st)
	}
	if st.LastConfirmedWeight == nil || *st.LastConfirmedWeight != 1.0 {
		t.Errorf("LastConfirmedWeight = %v, want preserved 1.0", st.LastConfirmedWeight)
	}
	if driver.TareCalls != 0 {
		t.Errorf("TareCalls = %d, want 0 before the tare timeout", driver.TareCalls)
	}

	// At 10s one recovery tare, and only one per outage.
	clock.Advance(5 * time.Second)
	e.pollOnce(ctx)
	if driver.TareCalls != 1 {
		t.Errorf("TareCalls = %d, want 1", driver.TareCalls)
	}
	clock.Advance(5 * time.Second)
	e.pollOnce(ctx)
	if driver.TareCalls != 1 {
		t.Errorf("TareCalls = %d, want still 1 within the same outage", driver.TareCalls)
	}

	// A successful read ends the outage and re-arms the tare.
	driver.QueueWeight(1.0, scaledriver.TrailerStable)
	e.pollOnce(ctx)
	if st := e.Status(); st.NoData || st.LastError != "" {
		t.Errorf("status = %+v, want error state cleared", st)
	}

	clock.Advance(10 * time.Second)
	e.pollOnce(ctx)
	if driver.TareCalls != 2 {
		t.Errorf("TareCalls = %d, want 2 after a second outage", driver.TareCalls)
	}
}

func TestEngineConnectionCheck(t *testing.T) {
	e, driver, _ := directEngine(t, DefaultConfig())

	feedStable(e, driver, 1.0, 2)

	driver.SetConnected(false)
	e.checkConnection()
	st := e.Status()
	if st.ConnectionOK {
		t.Error("ConnectionOK should be false after a failed probe")
	}
	// The probe is independent of the sample pipeline.
	if st.LastConfirmedWeight == nil || *st.LastConfirmedWeight != 1.0 {
		t.Errorf("LastConfirmedWeight = %v, want untouched 1.0", st.LastConfirmedWeight)
	}

	driver.SetConnected(true)
	e.checkConnection()
	if st := e.Status(); !st.ConnectionOK {
		t.Error("ConnectionOK should recover after a successful probe")
	}
}

func TestEngineStartValidation(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	driver := scaledriver.NewMockDriver()
	e := NewEngine(DefaultConfig(), driver, clock)

	driver.SetConnected(false)
	require.ErrorIs(t, e.Start(), scaledriver.ErrNotConnected)
	e.Stop() // a failed start leaves nothing to stop
	require.False(t, e.Status().Running)

	driver.SetConnected(true)
	driver.Status = scaledriver.Status{ReadableLocked: true}
	require.ErrorIs(t, e.Start(), ErrChannelLocked)
	driver.Status = scaledriver.Status{WritableLocked: true}
	require.ErrorIs(t, e.Start(), ErrChannelLocked)

	driver.Status = scaledriver.Status{}
	require.NoError(t, e.Start())
	defer e.Stop()

	require.ErrorIs(t, e.Start(), ErrAlreadyRunning)
	require.ErrorIs(t, e.ForceMode("sprint"), ErrInvalidMode)
}

// gatedDriver holds CheckStatus until the gate opens, widening the window
// in which Start runs its driver checks without the engine lock.
type gatedDriver struct {
	*scaledriver.MockDriver
	gate chan struct{}
}

func (d *gatedDriver) CheckStatus() (scaledriver.Status, error) {
	<-d.gate
	return d.MockDriver.CheckStatus()
}

func TestEngineConcurrentStart(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	driver := &gatedDriver{
		MockDriver: scaledriver.NewMockDriver(),
		gate:       make(chan struct{}),
	}
	e := NewEngine(DefaultConfig(), driver, clock)

	errs := make(chan error, 2)
	go func() { errs <- e.Start() }()
	go func() { errs <- e.Start() }()

	// One call claims the engine and sits in the driver check; the other
	// must fail immediately rather than spawn a second loop.
	require.ErrorIs(t, <-errs, ErrAlreadyRunning)

	close(driver.gate)
	require.NoError(t, <-errs)
	require.Eventually(t, func() bool {
		return e.Status().Running
	}, 2*time.Second, 10*time.Millisecond)

	// One Stop tears down the one loop; nothing keeps servicing commands.
	e.Stop()
	require.False(t, e.Status().Running)
	require.ErrorIs(t, e.Pause(), ErrNotRunning)

	// The engine restarts cleanly afterwards.
	require.NoError(t, e.Start())
	e.Stop()
}

func TestEngineRunLoop(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	driver := scaledriver.NewMockDriver()
	e := NewEngine(DefaultConfig(), driver, clock)

	_, weights := e.SubscribeWeight()
	driver.QueueWeight(1.5, scaledriver.TrailerStable)
	driver.QueueWeight(1.5, scaledriver.TrailerStable)

	require.NoError(t, e.Start())
	defer e.Stop()

	// The first poll happens on start; the second needs a tick. Advancing
	// from the test goroutine races with loop startup, so advance until
	// the confirmation lands.
	require.Eventually(t, func() bool {
		clock.Advance(e.cfg.ReservePollInterval)
		st := e.Status()
		return st.LastConfirmedWeight != nil && *st.LastConfirmedWeight == 1.5
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-weights:
		require.NotNil(t, ev.Weight)
		require.Equal(t, 1.5, *ev.Weight)
	default:
		t.Fatal("expected a weight event from the run loop")
	}

	e.Stop()
	st := e.Status()
	want := EngineState{
		Mode:         ModeReserve,
		ConnectionOK: true,
		LastSampleAt: st.LastSampleAt,
	}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("post-stop state mismatch (-want +got):\n%s", diff)
	}

	// Stop is idempotent and commands now fail cleanly.
	e.Stop()
	require.ErrorIs(t, e.Pause(), ErrNotRunning)
}

func TestEnginePauseResume(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	driver := scaledriver.NewMockDriver()
	e := NewEngine(DefaultConfig(), driver, clock)

	require.NoError(t, e.Start())
	defer e.Stop()

	// barrier waits for the run loop to execute a no-op command, so every
	// previously queued command has been processed.
	barrier := func() {
		done := make(chan struct{})
		require.NoError(t, e.do(func(context.Context) { close(done) }))
		<-done
	}

	barrier()
	require.NoError(t, e.Pause())
	barrier()
	require.True(t, e.Status().Paused)

	// No polls while paused, no matter how much time passes.
	reads := driver.ReadCalls
	for i := 0; i < 5; i++ {
		clock.Advance(e.cfg.ReservePollInterval)
	}
	barrier()
	require.Equal(t, reads, driver.ReadCalls)

	// Resume polls immediately.
	require.NoError(t, e.Resume())
	barrier()
	require.False(t, e.Status().Paused)
	require.Equal(t, reads+1, driver.ReadCalls)

	// Resuming a running engine is a no-op.
	require.NoError(t, e.Resume())
	barrier()
	require.Equal(t, reads+1, driver.ReadCalls)
}

func TestEngineForceModeRunning(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	driver := scaledriver.NewMockDriver()
	e := NewEngine(DefaultConfig(), driver, clock)

	_, modes := e.SubscribeMode()
	require.NoError(t, e.Start())
	defer e.Stop()

	barrier := func() {
		done := make(chan struct{})
		require.NoError(t, e.do(func(context.Context) { close(done) }))
		<-done
	}

	require.NoError(t, e.ForceMode(ModeActive))
	barrier()
	require.Equal(t, ModeActive, e.Status().Mode)
	select {
	case m := <-modes:
		require.Equal(t, ModeActive, m)
	default:
		t.Fatal("expected a mode event")
	}

	// Forcing the current mode emits nothing.
	require.NoError(t, e.ForceMode(ModeActive))
	barrier()
	select {
	case m := <-modes:
		t.Fatalf("unexpected mode event %q", m)
	default:
	}

	require.NoError(t, e.ForceMode(ModeReserve))
	barrier()
	require.Equal(t, ModeReserve, e.Status().Mode)
}

func TestEngineUnsubscribe(t *testing.T) {
	e, _, _ := directEngine(t, DefaultConfig())

	id, weights := e.SubscribeWeight()
	e.Unsubscribe(id)
	_, ok := <-weights
	if ok {
		t.Error("unsubscribed weight channel should be closed")
	}

	id, modes := e.SubscribeMode()
	e.Unsubscribe(id)
	_, ok = <-modes
	if ok {
		t.Error("unsubscribed mode channel should be closed")
	}

	// Unknown ids are ignored.
	e.Unsubscribe("nope")
}
