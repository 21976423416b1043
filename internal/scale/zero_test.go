package scale

import (
	"testing"
	"time"

	"github.com/packline/orderscale/internal/timeutil"
)

func TestZeroDebouncerConfirmsOnThird(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	z := NewZeroDebouncer(3, clock)

	if z.Observe() {
		t.Error("first zero must not confirm")
	}
	if z.Observe() {
		t.Error("second zero must not confirm")
	}
	if !z.Observe() {
		t.Error("third zero must confirm")
	}
	if z.Active() {
		t.Error("run should clear after confirmation")
	}
}

func TestZeroDebouncerShortRunsNeverConfirm(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())

	// Any sequence of 1 or 2 zeros followed by a non-zero reading emits
	// nothing.
	for _, zeros := range []int{1, 2} {
		z := NewZeroDebouncer(3, clock)
		for i := 0; i < zeros; i++ {
			if z.Observe() {
				t.Errorf("run of %d zeros confirmed at reading %d", zeros, i+1)
			}
		}
		z.Clear() // the non-zero reading
		if z.Active() {
			t.Error("run should be gone after a non-zero reading")
		}

		// A later zero starts over from one.
		if z.Observe() {
			t.Error("restarted run must not confirm on its first zero")
		}
	}
}

func TestZeroDebouncerConfirmsAgainAfterClear(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	z := NewZeroDebouncer(3, clock)

	for i := 0; i < 2; i++ {
		z.Observe()
		z.Observe()
		if !z.Observe() {
			t.Fatalf("cycle %d: third zero must confirm", i)
		}
	}
}

func TestZeroDebouncerSingleConfirmation(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	z := NewZeroDebouncer(1, clock)
	if !z.Observe() {
		t.Error("confirmation count 1 should confirm immediately")
	}
	if z.Active() {
		t.Error("run should clear after immediate confirmation")
	}
}
