package scaledriver

import (
	"context"
	"sync"
	"time"
)

// readResult is one scripted ReadOnce outcome.
type readResult struct {
	sample *RawSample
	err    error
}

// MockDriver implements Driver with scripted behaviour for testing and for
// running the daemon without scale hardware. Reads consume a queue of
// scripted results; an empty queue reads as ErrNoSample.
type MockDriver struct {
	mu sync.Mutex

	// Connected is reported by IsConnected.
	Connected bool

	// Status is returned by CheckStatus along with StatusErr.
	Status    Status
	StatusErr error

	// TareErr is returned by Tare calls if set.
	TareErr error

	// ReadCalls counts ReadOnce invocations.
	ReadCalls int

	// FreshReads counts ReadOnce invocations with forceFresh set.
	FreshReads int

	// TareCalls counts Tare invocations.
	TareCalls int

	queue []readResult
}

// NewMockDriver creates a connected MockDriver with an empty script.
func NewMockDriver() *MockDriver {
	return &MockDriver{Connected: true}
}

// QueueSample scripts a successful read returning the given sample.
func (m *MockDriver) QueueSample(s *RawSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, readResult{sample: s})
}

// QueueWeight scripts a read of the given weight in kilograms with the
// given stability trailer. The frame is a faithful encoding of the weight.
func (m *MockDriver) QueueWeight(kg float64, trailer [TrailerLen]byte) {
	grams := int(kg*1000 + 0.5)
	w := kg
	m.QueueSample(&RawSample{
		Weight: &w,
		Frame:  EncodeFrame(grams, trailer),
	})
}

// QueueFrame scripts a read returning the given raw frame, decoding the
// weight exactly as the serial driver would.
func (m *MockDriver) QueueFrame(frame []byte) {
	m.QueueSample(&RawSample{
		Weight: DecodeWeight(frame),
		Frame:  frame,
	})
}

// QueueNoSample scripts a transient read failure.
func (m *MockDriver) QueueNoSample() {
	m.QueueError(ErrNoSample)
}

// QueueError scripts a read failure with the given error.
func (m *MockDriver) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, readResult{err: err})
}

// QueueLen reports the number of unconsumed scripted reads.
func (m *MockDriver) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// IsConnected implements Driver.
func (m *MockDriver) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connected
}

// SetConnected flips the reported connection state.
func (m *MockDriver) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Connected = connected
}

// CheckStatus implements Driver.
func (m *MockDriver) CheckStatus() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Status, m.StatusErr
}

// ReadOnce implements Driver by consuming the next scripted result.
func (m *MockDriver) ReadOnce(ctx context.Context, forceFresh bool) (*RawSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadCalls++
	if forceFresh {
		m.FreshReads++
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(m.queue) == 0 {
		return nil, ErrNoSample
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	if next.err != nil {
		return nil, next.err
	}
	sample := *next.sample
	if sample.At.IsZero() {
		sample.At = time.Now()
	}
	return &sample, nil
}

// Tare implements Driver.
func (m *MockDriver) Tare(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TareCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.TareErr
}
