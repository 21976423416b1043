package scaledriver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

// stubPort fakes the scale end of the serial line. An empty read buffer
// reads as n=0, the port timeout convention.
type stubPort struct {
	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	readErr  error
	writeErr error
	drains   int
	closed   bool
}

func (p *stubPort) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.readBuf.Len() == 0 {
		return 0, nil
	}
	return p.readBuf.Read(b)
}

func (p *stubPort) Write(b []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.writeBuf.Write(b)
}

func (p *stubPort) ResetInputBuffer() error {
	p.drains++
	p.readBuf.Reset()
	return nil
}

func (p *stubPort) Close() error {
	p.closed = true
	return nil
}

func stubDriver(p *stubPort) *SerialDriver {
	return &SerialDriver{port: p, connected: true}
}

func TestSerialDriverReadOnce(t *testing.T) {
	p := &stubPort{}
	p.readBuf.Write(EncodeFrame(1000, TrailerStable))
	d := stubDriver(p)

	sample, err := d.ReadOnce(context.Background(), false)
	if err != nil {
		t.Fatalf("ReadOnce() error: %v", err)
	}
	if got := p.writeBuf.Bytes(); len(got) != 1 || got[0] != PollByte {
		t.Errorf("wrote %x, want the poll byte", got)
	}
	if sample.Weight == nil || *sample.Weight != 1.0 {
		t.Errorf("weight = %v, want 1.0", sample.Weight)
	}
	if len(sample.Frame) != FrameLen {
		t.Errorf("frame length = %d, want %d", len(sample.Frame), FrameLen)
	}
	if sample.At.IsZero() {
		t.Error("sample must carry its read time")
	}
	if !d.IsConnected() {
		t.Error("driver should stay connected after a good read")
	}
}

func TestSerialDriverReadTimeout(t *testing.T) {
	d := stubDriver(&stubPort{})
	if _, err := d.ReadOnce(context.Background(), false); !errors.Is(err, ErrNoSample) {
		t.Errorf("ReadOnce() error = %v, want ErrNoSample", err)
	}
	// A timeout is transient, not a connection loss.
	if !d.IsConnected() {
		t.Error("driver should stay connected across a timeout")
	}
}

func TestSerialDriverForceFreshDrains(t *testing.T) {
	p := &stubPort{}
	p.readBuf.Write([]byte{0x09, 0x09, 0x09}) // stale partial frame
	d := stubDriver(p)

	_, err := d.ReadOnce(context.Background(), true)
	if !errors.Is(err, ErrNoSample) {
		t.Errorf("ReadOnce() error = %v, want ErrNoSample after drain", err)
	}
	if p.drains != 1 {
		t.Errorf("drains = %d, want 1", p.drains)
	}
}

func TestSerialDriverHardErrorDisconnects(t *testing.T) {
	p := &stubPort{readErr: io.ErrClosedPipe}
	d := stubDriver(p)

	if _, err := d.ReadOnce(context.Background(), false); err == nil {
		t.Fatal("ReadOnce() = nil error, want hard port error")
	}
	if d.IsConnected() {
		t.Error("driver must report disconnected after a hard error")
	}
	status, err := d.CheckStatus()
	if err != nil {
		t.Fatalf("CheckStatus() error: %v", err)
	}
	if !status.ReadableLocked || !status.WritableLocked {
		t.Errorf("status = %+v, want both channels locked", status)
	}
}

func TestSerialDriverWriteErrorDisconnects(t *testing.T) {
	d := stubDriver(&stubPort{writeErr: io.ErrClosedPipe})
	if _, err := d.ReadOnce(context.Background(), false); err == nil {
		t.Fatal("ReadOnce() = nil error, want write error")
	}
	if d.IsConnected() {
		t.Error("driver must report disconnected after a write error")
	}
}

func TestSerialDriverContextCancelled(t *testing.T) {
	p := &stubPort{}
	d := stubDriver(p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.ReadOnce(ctx, false); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadOnce() error = %v, want context.Canceled", err)
	}
	if p.writeBuf.Len() != 0 {
		t.Error("a cancelled read must not poll the scale")
	}
}

func TestSerialDriverTare(t *testing.T) {
	p := &stubPort{}
	d := stubDriver(p)
	if err := d.Tare(context.Background()); err != nil {
		t.Fatalf("Tare() error: %v", err)
	}
	if got := p.writeBuf.Bytes(); len(got) != 1 || got[0] != TareByte {
		t.Errorf("wrote %x, want the tare byte", got)
	}
}

func TestSerialDriverClose(t *testing.T) {
	p := &stubPort{}
	d := stubDriver(p)
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !p.closed {
		t.Error("Close must close the port")
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if _, err := d.ReadOnce(context.Background(), false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadOnce() after Close error = %v, want ErrNotConnected", err)
	}
	if err := d.Tare(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Tare() after Close error = %v, want ErrNotConnected", err)
	}
}
