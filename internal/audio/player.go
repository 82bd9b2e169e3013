// Package audio plays one stem per node. The protocol controls playback
// only through Start / IsPlaying / Stop; the player runs on its own
// goroutine behind the audio backend.
package audio

import (
	"sync"
	"time"
)

// GainReductionDB is taken off every stem before playback so the mixed
// fleet does not clip.
const GainReductionDB = 5.0

// Player is the contract the protocol engine consumes.
type Player interface {
	// Start decodes the stem, reduces its gain, trims skip from the head
	// (plus the decode time itself, measured here), and begins playback.
	// A zero skip starts the stem from the top.
	Start(stemPath string, skip time.Duration) error
	// IsPlaying reports whether a stem is still audible.
	IsPlaying() bool
	// Stop halts playback immediately. Safe to call when idle.
	Stop()
}

// Silent is a Player for headless nodes, simulations, and tests: it
// tracks state without touching an audio device.
type Silent struct {
	mu      sync.Mutex
	playing bool
	starts  []StartCall
}

// StartCall records one Start invocation for test inspection.
type StartCall struct {
	Path string
	Skip time.Duration
}

func (s *Silent) Start(stemPath string, skip time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	s.starts = append(s.starts, StartCall{Path: stemPath, Skip: skip})
	return nil
}

func (s *Silent) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Silent) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
}

// Finish marks the current stem as over, as if it played out.
func (s *Silent) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
}

// Starts returns the recorded Start calls.
func (s *Silent) Starts() []StartCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StartCall, len(s.starts))
	copy(out, s.starts)
	return out
}
