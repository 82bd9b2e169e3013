package radio

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dhilanpatel26/singing-boxes/internal/clock"
	"github.com/dhilanpatel26/singing-boxes/internal/frame"
)

// Channel is a shared in-memory broadcast domain standing in for the
// 433.92 MHz air. Every port hears every other port's transmissions,
// subject to the configured loss rate. Used by the protocol tests and
// the -sim harness.
type Channel struct {
	mu    sync.Mutex
	ports []*LoopbackPort
	loss  float64
	rng   *rand.Rand
}

// NewChannel returns a lossless channel. seed pins the loss draw for
// reproducible simulations; pass 0 for an arbitrary seed.
func NewChannel(seed uint64) *Channel {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Channel{rng: rand.New(rand.NewPCG(seed, seed))}
}

// SetLoss drops the given fraction of deliveries, per receiver.
func (c *Channel) SetLoss(loss float64) {
	c.mu.Lock()
	c.loss = loss
	c.mu.Unlock()
}

// NewPort attaches a fresh port to the channel.
func (c *Channel) NewPort() *LoopbackPort {
	p := &LoopbackPort{
		channel: c,
		rx:      make(chan frame.Frame, 64),
	}
	c.mu.Lock()
	c.ports = append(c.ports, p)
	c.mu.Unlock()
	return p
}

func (c *Channel) broadcast(from *LoopbackPort, f frame.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.ports {
		if p == from || p.closed {
			continue
		}
		if c.loss > 0 && c.rng.Float64() < c.loss {
			continue
		}
		select {
		case p.rx <- f:
		default:
			// Receiver buffer full: the frame is lost, exactly as on air.
		}
	}
}

// LoopbackPort is one node's attachment to a Channel.
type LoopbackPort struct {
	channel *Channel
	rx      chan frame.Frame
	closed  bool

	// Unplugged simulates a dead radio: sends go nowhere and nothing is
	// received. Flip it mid-test to model a node dropping off the air.
	Unplugged bool
}

var _ Port = (*LoopbackPort)(nil)

func (p *LoopbackPort) Send(stop *clock.Flag, f frame.Frame, duration time.Duration) error {
	return sendLoop(stop, f, duration, func(f frame.Frame) error {
		if !p.Unplugged {
			p.channel.broadcast(p, f)
		}
		return nil
	})
}

func (p *LoopbackPort) Receive(stop *clock.Flag, timeout time.Duration) (frame.Frame, bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case f := <-p.rx:
			if p.Unplugged {
				continue
			}
			return f, true, nil
		case <-deadline.C:
			return frame.Frame{}, false, nil
		case <-poll.C:
			if stop.Stopped() {
				return frame.Frame{}, false, nil
			}
		}
	}
}

func (p *LoopbackPort) Close() error {
	p.channel.mu.Lock()
	p.closed = true
	p.channel.mu.Unlock()
	return nil
}
