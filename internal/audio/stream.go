// Package audio plays synthesized sample blocks through the ebiten audio
// context.
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"

	"github.com/cbegin/pianoreel/internal/faults"
)

// SampleSource renders planar stereo blocks. len(left) == len(right).
type SampleSource interface {
	Render(left, right []float32)
}

// StreamReader adapts a SampleSource to the float32 little-endian
// interleaved stream ebiten expects.
type StreamReader struct {
	mu     sync.Mutex
	source SampleSource
	left   []float32
	right  []float32
	closed bool
}

func NewStreamReader(source SampleSource) *StreamReader {
	return &StreamReader{source: source}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, io.EOF
	}

	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	if cap(r.left) < frames {
		r.left = make([]float32, frames)
		r.right = make([]float32, frames)
	}
	r.left, r.right = r.left[:frames], r.right[:frames]
	r.source.Render(r.left, r.right)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint32(p[i*8:], math.Float32bits(r.left[i]))
		binary.LittleEndian.PutUint32(p[i*8+4:], math.Float32bits(r.right[i]))
	}
	return frames * 8, nil
}

// Close makes further reads return io.EOF.
func (r *StreamReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

type Player struct {
	player *ebitaudio.Player
	reader io.ReadCloser
}

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

// The ebiten context is process-wide and fixed to the first sample rate.
func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, faults.Unavailable(nil,
			fmt.Sprintf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate))
	}
	return audioContext, nil
}

// NewPlayer opens a player pulling from source. The buffer size trades
// latency against dropouts.
func NewPlayer(sampleRate int, source SampleSource, buffer time.Duration) (*Player, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	reader := NewStreamReader(source)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, faults.Unavailable(err, "open audio output")
	}
	if buffer > 0 {
		pl.SetBufferSize(buffer)
	}
	return &Player{
		player: pl,
		reader: reader,
	}, nil
}

func (p *Player) Play()  { p.player.Play() }
func (p *Player) Pause() { p.player.Pause() }
func (p *Player) IsPlaying() bool {
	return p.player.IsPlaying()
}

// Position returns the current playback position (what the listener actually hears).
func (p *Player) Position() time.Duration {
	return p.player.Position()
}

func (p *Player) Close() error {
	p.player.Pause()
	if err := p.player.Close(); err != nil {
		return err
	}
	return p.reader.Close()
}
