package mmio

import (
	"errors"
	"time"
)

var ErrTimedOut = errors.New("mmio: timed out")

// Delayer pauses for a number of microseconds between polls.
type Delayer interface {
	Udelay(usec uint32)
}

// DelayFunc adapts a function to Delayer.
type DelayFunc func(usec uint32)

func (f DelayFunc) Udelay(usec uint32) { f(usec) }

// SpinDelayer busy-waits on the monotonic clock. Sleeping would overshoot a
// microsecond by orders of magnitude, which would stretch every timeout.
type SpinDelayer struct{}

func (SpinDelayer) Udelay(usec uint32) {
	deadline := time.Now().Add(time.Duration(usec) * time.Microsecond)
	for time.Now().Before(deadline) {
	}
}

// WaitUntil evaluates pred up to timeoutUsec times, one microsecond apart,
// and returns as soon as it reports true.
func WaitUntil(d Delayer, timeoutUsec uint32, pred func() bool) error {
	for range timeoutUsec {
		if pred() {
			return nil
		}
		d.Udelay(1)
	}
	return ErrTimedOut
}
