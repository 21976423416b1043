package scaledriver

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.bug.st/serial"
)

func TestPortOptionsNormalizeDefaults(t *testing.T) {
	opts, err := PortOptions{Path: "/dev/ttyUSB0"}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	want := PortOptions{
		Path:        "/dev/ttyUSB0",
		BaudRate:    9600,
		DataBits:    8,
		StopBits:    1,
		Parity:      "E",
		ReadTimeout: 500 * time.Millisecond,
	}
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Errorf("Normalize() mismatch (-want +got):\n%s", diff)
	}

	// Explicit values pass through untouched.
	opts, err = want.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Errorf("Normalize() of normalized options mismatch (-want +got):\n%s", diff)
	}
}

func TestPortOptionsNormalizeErrors(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"missing path", PortOptions{}},
		{"bad data bits", PortOptions{Path: "/dev/ttyUSB0", DataBits: 9}},
		{"bad stop bits", PortOptions{Path: "/dev/ttyUSB0", StopBits: 3}},
		{"bad parity", PortOptions{Path: "/dev/ttyUSB0", Parity: "M"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Normalize(); err == nil {
				t.Error("Normalize() = nil error, want error")
			}
		})
	}
}

func TestPortOptionsParityAliases(t *testing.T) {
	for alias, want := range map[string]string{
		"none": "N", "N": "N", "even": "E", "ODD": "O",
	} {
		opts, err := PortOptions{Path: "/dev/ttyUSB0", Parity: alias}.Normalize()
		if err != nil {
			t.Errorf("Normalize(parity %q) error: %v", alias, err)
			continue
		}
		if opts.Parity != want {
			t.Errorf("parity %q normalized to %q, want %q", alias, opts.Parity, want)
		}
	}
}

func TestSerialMode(t *testing.T) {
	mode, err := PortOptions{Path: "/dev/ttyUSB0", BaudRate: 19200, Parity: "N", StopBits: 2}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error: %v", err)
	}
	if mode.BaudRate != 19200 {
		t.Errorf("BaudRate = %d, want 19200", mode.BaudRate)
	}
	if mode.Parity != serial.NoParity {
		t.Errorf("Parity = %v, want NoParity", mode.Parity)
	}
	if mode.StopBits != serial.StopBits(2) {
		t.Errorf("StopBits = %v, want 2", mode.StopBits)
	}
}
