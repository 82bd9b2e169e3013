package audio

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// otoSampleRate and otoChannels fix the device format. Stems in other
// formats are converted on load; oto permits exactly one context per
// process, so the device format cannot follow the stem.
const (
	otoSampleRate = 44100
	otoChannels   = 2
)

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func otoContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   otoSampleRate,
			ChannelCount: otoChannels,
			Format:       oto.FormatSignedInt16LE,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			otoErr = fmt.Errorf("audio: open device: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// Device plays stems through the default audio output via oto.
type Device struct {
	mu     sync.Mutex
	player *oto.Player
}

var _ Player = (*Device)(nil)

// NewDevice returns a device-backed player. The audio context opens
// lazily on first Start.
func NewDevice() *Device { return &Device{} }

func (d *Device) Start(stemPath string, skip time.Duration) error {
	ctx, err := otoContext()
	if err != nil {
		return err
	}

	// Decoding takes real time; when we are already late (skip > 0) that
	// time has to come off the head as well, so measure it.
	decodeStart := time.Now()
	p, err := decodeStem(stemPath)
	if err != nil {
		return err
	}
	p.reduceGain(GainReductionDB)
	p = convert(p, otoSampleRate, otoChannels)
	if skip > 0 {
		skip += time.Since(decodeStart)
	}
	p.trimHead(skip)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player != nil {
		d.player.Close()
	}
	player := ctx.NewPlayer(bytes.NewReader(p.bytes()))
	player.Play()
	d.player = player
	log.Printf("audio: playing %s (skip %v, %v remaining)", stemPath, skip.Round(time.Millisecond), p.duration().Round(time.Second))
	return nil
}

func (d *Device) IsPlaying() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.player != nil && d.player.IsPlaying()
}

func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.player != nil {
		d.player.Close()
		d.player = nil
	}
}

// convert resamples and re-channels PCM to the device format. Linear
// interpolation is plenty for stems mastered at or near 44.1 kHz.
func convert(p *pcm, rate, channels int) *pcm {
	if p.sampleRate == rate && p.channels == channels {
		return p
	}
	srcFrames := len(p.data) / p.channels
	dstFrames := srcFrames * rate / p.sampleRate
	out := &pcm{
		data:       make([]int16, 0, dstFrames*channels),
		sampleRate: rate,
		channels:   channels,
	}
	for i := 0; i < dstFrames; i++ {
		pos := float64(i) * float64(p.sampleRate) / float64(rate)
		j := int(pos)
		frac := pos - float64(j)
		k := j + 1
		if k >= srcFrames {
			k = srcFrames - 1
		}
		for ch := 0; ch < channels; ch++ {
			src := ch
			if src >= p.channels {
				src = p.channels - 1 // mono stems feed every output channel
			}
			a := float64(p.data[j*p.channels+src])
			b := float64(p.data[k*p.channels+src])
			out.data = append(out.data, int16(a+(b-a)*frac))
		}
	}
	return out
}
