package scaledriver

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/packline/orderscale/internal/monitoring"
)

// scalePort is the slice of serial.Port the driver actually uses.
type scalePort interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// SerialDriver speaks the poll/response scale protocol over a serial port.
// The per-read latency bound comes from the port read timeout in
// PortOptions; callers never wait longer than roughly one timeout per
// ReadOnce.
type SerialDriver struct {
	mu   sync.Mutex
	port scalePort
	opts PortOptions

	// connected goes false after a hard port error and back to true once
	// a read succeeds again.
	connected bool
}

// OpenSerialDriver opens the scale port described by opts.
func OpenSerialDriver(opts PortOptions) (*SerialDriver, error) {
	normalized, err := opts.Normalize()
	if err != nil {
		return nil, err
	}

	mode, err := normalized.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(normalized.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open scale port %s: %w", normalized.Path, err)
	}
	if err := port.SetReadTimeout(normalized.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &SerialDriver{
		port:      port,
		opts:      normalized,
		connected: true,
	}, nil
}

// IsConnected reports whether the driver currently has a usable port.
func (d *SerialDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected && d.port != nil
}

// CheckStatus reports channel lock state. A serial port that opened
// successfully is exclusively ours, so a live connection is never locked.
func (d *SerialDriver) CheckStatus() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return Status{ReadableLocked: true, WritableLocked: true}, ErrNotConnected
	}
	if !d.connected {
		return Status{ReadableLocked: true, WritableLocked: true}, nil
	}
	return Status{}, nil
}

// ReadOnce writes one poll byte and reads back a single frame. A timeout
// or short frame returns ErrNoSample; a hard port error marks the driver
// disconnected and is returned as-is.
func (d *SerialDriver) ReadOnce(ctx context.Context, forceFresh bool) (*RawSample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if forceFresh {
		if err := d.port.ResetInputBuffer(); err != nil {
			monitoring.Logf("scale: failed to drain input buffer: %v", err)
		}
	}

	if _, err := d.port.Write([]byte{PollByte}); err != nil {
		d.connected = false
		return nil, fmt.Errorf("failed to poll scale: %w", err)
	}

	frame := make([]byte, FrameLen)
	read := 0
	for read < FrameLen {
		n, err := d.port.Read(frame[read:])
		if err != nil {
			d.connected = false
			return nil, fmt.Errorf("failed to read scale frame: %w", err)
		}
		if n == 0 {
			// Read timeout. The scale skipped this poll; partial bytes are
			// abandoned rather than stitched onto the next frame.
			return nil, ErrNoSample
		}
		read += n
	}

	d.connected = true
	return &RawSample{
		Weight: DecodeWeight(frame),
		Frame:  frame,
		At:     time.Now(),
	}, nil
}

// Tare asks the scale to re-zero.
func (d *SerialDriver) Tare(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := d.port.Write([]byte{TareByte}); err != nil {
		d.connected = false
		return fmt.Errorf("failed to send tare: %w", err)
	}
	return nil
}

// Close releases the serial port.
func (d *SerialDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	d.connected = false
	return err
}
