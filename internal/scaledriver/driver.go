// Package scaledriver defines the boundary to the physical scale: a driver
// that can be polled for one sample at a time, queried for connection
// status, and asked to tare. A serial implementation and a scriptable mock
// are provided.
package scaledriver

import (
	"context"
	"errors"
	"time"
)

// ErrNoSample is returned by ReadOnce when the scale produced no usable
// frame within the driver's read window. It is a transient condition: the
// caller is expected to keep polling.
var ErrNoSample = errors.New("no sample available from scale")

// ErrNotConnected is returned when the driver has no open channel to the
// scale.
var ErrNotConnected = errors.New("scale driver not connected")

// RawSample is one physical reading from the scale. Frame holds the raw
// protocol bytes; the last two bytes carry the hardware stability marker.
// Weight is nil when the frame carried no parseable weight.
type RawSample struct {
	Weight *float64
	Frame  []byte
	At     time.Time
}

// Status reports whether the scale's read and write channels are usable.
// A locked channel means another process holds the port.
type Status struct {
	ReadableLocked bool `json:"readable_locked"`
	WritableLocked bool `json:"writable_locked"`
}

// Driver is the collaborator contract the weight engine polls. Drivers own
// their per-call latency bounds; the engine imposes no timeout of its own.
type Driver interface {
	// IsConnected is a non-blocking connection status query.
	IsConnected() bool

	// CheckStatus reports channel lock state. Used to gate engine start.
	CheckStatus() (Status, error)

	// ReadOnce performs one bounded read. forceFresh discards any buffered
	// input so the returned frame reflects the scale's current state.
	// Transient failures return ErrNoSample.
	ReadOnce(ctx context.Context, forceFresh bool) (*RawSample, error)

	// Tare asks the scale to re-zero. Used only as an automatic recovery
	// action after a prolonged read failure.
	Tare(ctx context.Context) error
}
