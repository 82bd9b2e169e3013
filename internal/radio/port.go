// Package radio is the thin contract between the protocol and the PHY,
// plus the two implementations: the CC1101 driver for real hardware and
// an in-memory loopback channel for tests and multi-node simulation.
package radio

import (
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/dhilanpatel26/singing-boxes/internal/clock"
	"github.com/dhilanpatel26/singing-boxes/internal/frame"
)

// Timing of the repeated-send loop. Repetition compensates for
// collisions on the shared channel; the random gap keeps two nodes from
// colliding in lockstep.
const (
	RandLower = 50 * time.Millisecond // must stay > 0, see clock.JitterSleep
	RandUpper = 500 * time.Millisecond
)

// Port is what the protocol consumes. Implementations deliver whole
// frames only; anything failing the PHY checksum is dropped before it
// gets here.
type Port interface {
	// Send transmits the frame repeatedly for approximately the given
	// duration, polling the stop flag between repetitions.
	Send(stop *clock.Flag, f frame.Frame, duration time.Duration) error

	// Receive blocks up to timeout for one valid frame. ok is false on
	// timeout or stop; err is reserved for PHY failures.
	Receive(stop *clock.Flag, timeout time.Duration) (f frame.Frame, ok bool, err error)

	Close() error
}

// txLogLimiter throttles the per-repetition transmit log line. A single
// Send can fire a dozen repetitions; one line a second is plenty.
var txLogLimiter = rate.NewLimiter(rate.Every(time.Second), 1)

// sendLoop drives one transmit function through the repeat-with-jitter
// schedule shared by all ports.
func sendLoop(stop *clock.Flag, f frame.Frame, duration time.Duration, tx func(frame.Frame) error) error {
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if stop.Stopped() {
			return nil
		}
		if txLogLimiter.Allow() {
			log.Printf("radio: tx %s", f)
		}
		if err := tx(f); err != nil {
			return err
		}
		if !clock.JitterSleep(stop, RandLower, RandUpper) {
			return nil
		}
	}
	return nil
}
