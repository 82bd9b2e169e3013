// Package clock provides wall-clock milliseconds, the jittered sleep the
// radio send loop depends on, and the cooperative stop flag shared with
// the UI.
package clock

import (
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// NowMillis is the current wall-clock time in milliseconds. Song start
// instants travel on the air in this form.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Until returns the duration from now to the given millisecond instant;
// negative when the instant has passed.
func Until(ms int64) time.Duration {
	return time.Duration(ms-NowMillis()) * time.Millisecond
}

// BusyWaitUntil spins until the given instant. This is the one
// deliberate non-yielding region in the system: song starts must not be
// skewed by scheduler wakeup latency. The stop flag is not checked here;
// the wait is bounded by the song-start offset (2s).
func BusyWaitUntil(ms int64) {
	for NowMillis() < ms {
	}
}

// JitterSleep sleeps a uniformly random duration in [lo, hi]. The gap
// between radio transmissions must be strictly positive or the PHY
// throws back-to-back-TX errors, so lo must be > 0. Returns false
// immediately if the stop flag is already set.
func JitterSleep(stop *Flag, lo, hi time.Duration) bool {
	if stop.Stopped() {
		return false
	}
	d := lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
	time.Sleep(d)
	return !stop.Stopped()
}

// Flag is the cooperative cancellation signal. It is written by the UI
// (or signal handler) and polled by the protocol loop and the radio
// port between blocking operations.
type Flag struct {
	v atomic.Bool
}

// Stop sets the flag. Safe to call from any goroutine.
func (f *Flag) Stop() { f.v.Store(true) }

// Stopped reports whether a stop was requested.
func (f *Flag) Stopped() bool { return f.v.Load() }

// Reset clears the flag so the loop can be restarted.
func (f *Flag) Reset() { f.v.Store(false) }
