package synth

import (
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	"github.com/cbegin/pianoreel/internal/audio"
	"github.com/cbegin/pianoreel/internal/effects"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/route"
	"github.com/cbegin/pianoreel/internal/timeline"
)

type LiveOption func(*LiveOutput)

func WithProgram(p patch.Program) LiveOption {
	return func(o *LiveOutput) { o.program = p }
}

func WithReverb(r patch.ReverbPreset) LiveOption {
	return func(o *LiveOutput) { o.reverb = r }
}

func WithLiveLogger(log *zap.Logger) LiveOption {
	return func(o *LiveOutput) {
		if log != nil {
			o.log = log
		}
	}
}

// WithBuffer sets the audio output buffer. Smaller is lower latency.
func WithBuffer(d time.Duration) LiveOption {
	return func(o *LiveOutput) { o.buffer = d }
}

// LiveOutput is a playback device rendering through a Synthesizer to the
// speakers. Open returns the sink the transport dispatches to.
type LiveOutput struct {
	synth   Synthesizer
	format  Format
	program patch.Program
	reverb  patch.ReverbPreset
	buffer  time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	stream Stream
	player *audio.Player
}

func NewLiveOutput(s Synthesizer, opts ...LiveOption) *LiveOutput {
	o := &LiveOutput{
		synth:   s,
		format:  DefaultFormat(),
		program: patch.DefaultProgram(),
		reverb:  patch.Stage,
		buffer:  50 * time.Millisecond,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("live")
	return o
}

// mastered applies the mastering chain after the synthesizer.
type mastered struct {
	stream Stream
	chain  *effects.Chain
}

func (m *mastered) Render(left, right []float32) {
	m.stream.Render(left, right)
	m.chain.ProcessPlanar(left, right)
}

// Open starts a stream and the audio player. An already open output is
// closed first so the synthesizer has a single owner.
func (o *LiveOutput) Open() (route.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()

	stream, err := o.synth.Open(o.format)
	if err != nil {
		o.log.Warn("synthesizer unavailable", zap.String("synth", o.synth.Name()), zap.Error(err))
		return nil, err
	}
	for ch := uint8(0); ch < 16; ch++ {
		if ch == timeline.PercussionChannel {
			continue
		}
		_ = stream.LoadPatch(ch, o.program)
		_ = stream.Send(midi.ControlChange(ch, timeline.CCReverb, o.reverb.Reverb()))
		_ = stream.Send(midi.ControlChange(ch, timeline.CCChorus, o.reverb.Chorus()))
	}
	player, err := audio.NewPlayer(o.format.SampleRate, &mastered{stream: stream, chain: effects.Mastering(o.format.SampleRate)}, o.buffer)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	player.Play()
	o.stream, o.player = stream, player
	o.log.Info("live output open",
		zap.String("synth", o.synth.Name()),
		zap.Stringer("program", o.program),
		zap.Stringer("reverb", o.reverb))
	return stream.Send, nil
}

func (o *LiveOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeLocked()
}

func (o *LiveOutput) closeLocked() error {
	var err error
	if o.player != nil {
		err = o.player.Close()
		o.player = nil
	}
	if o.stream != nil {
		if cerr := o.stream.Close(); err == nil {
			err = cerr
		}
		o.stream = nil
	}
	return err
}
