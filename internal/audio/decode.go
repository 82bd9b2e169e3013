package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mewkiz/flac"
)

// pcm is decoded interleaved signed 16-bit audio.
type pcm struct {
	data       []int16
	sampleRate int
	channels   int
}

// decodeStem reads a FLAC or WAV stem into 16-bit PCM.
func decodeStem(path string) (*pcm, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".flac":
		return decodeFLAC(path)
	case ".wav":
		return decodeWAV(path)
	default:
		return nil, fmt.Errorf("audio: unsupported stem format %q", filepath.Ext(path))
	}
}

func decodeFLAC(path string) (*pcm, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("audio: parse %s: %w", path, err)
	}
	defer stream.Close()

	info := stream.Info
	out := &pcm{
		sampleRate: int(info.SampleRate),
		channels:   int(info.NChannels),
	}
	// Normalise everything to 16-bit, the fleet's playback width.
	shift := int(info.BitsPerSample) - 16
	for {
		f, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("audio: decode %s: %w", path, err)
		}
		n := len(f.Subframes[0].Samples)
		for i := 0; i < n; i++ {
			for ch := 0; ch < out.channels; ch++ {
				s := f.Subframes[ch].Samples[i]
				if shift > 0 {
					s >>= shift
				} else if shift < 0 {
					s <<= -shift
				}
				out.data = append(out.data, int16(s))
			}
		}
	}
	return out, nil
}

// decodeWAV reads a canonical RIFF/WAVE file with 16-bit PCM samples.
// No decoder in the dependency set covers WAV, and the container is a
// fixed chunk walk, so it is read directly.
func decodeWAV(path string) (*pcm, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, fmt.Errorf("audio: %s is not a RIFF/WAVE file", path)
	}
	var out *pcm
	var data []byte
	for off := 12; off+8 <= len(raw); {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := raw[off+8:]
		if size > len(body) {
			size = len(body)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("audio: %s: short fmt chunk", path)
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels := int(binary.LittleEndian.Uint16(body[2:4]))
			rate := int(binary.LittleEndian.Uint32(body[4:8]))
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || bits != 16 {
				return nil, fmt.Errorf("audio: %s: only 16-bit PCM WAV is supported", path)
			}
			out = &pcm{sampleRate: rate, channels: channels}
		case "data":
			data = body[:size]
		}
		off += 8 + size
		if size%2 == 1 {
			off++ // chunks are word aligned
		}
	}
	if out == nil || data == nil {
		return nil, fmt.Errorf("audio: %s: missing fmt or data chunk", path)
	}
	out.data = make([]int16, len(data)/2)
	for i := range out.data {
		out.data[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out, nil
}

// reduceGain attenuates the samples by db decibels in place.
func (p *pcm) reduceGain(db float64) {
	scale := math.Pow(10, -db/20)
	for i, s := range p.data {
		p.data[i] = int16(float64(s) * scale)
	}
}

// trimHead drops the first d of audio, frame-aligned.
func (p *pcm) trimHead(d time.Duration) {
	if d <= 0 {
		return
	}
	frames := int(d.Milliseconds()) * p.sampleRate / 1000
	n := frames * p.channels
	if n >= len(p.data) {
		p.data = nil
		return
	}
	p.data = p.data[n:]
}

// duration of the remaining audio.
func (p *pcm) duration() time.Duration {
	if p.channels == 0 || p.sampleRate == 0 {
		return 0
	}
	frames := len(p.data) / p.channels
	return time.Duration(frames) * time.Second / time.Duration(p.sampleRate)
}

// bytes returns the samples as little-endian bytes for the audio sink.
func (p *pcm) bytes() []byte {
	out := make([]byte, len(p.data)*2)
	for i, s := range p.data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
