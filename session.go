// Package pianoreel records keyboard performances to Standard MIDI Files,
// replays them through a software synthesizer with a falling-note display
// and renders them offline to a video with audio.
package pianoreel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/pianoreel/internal/encode"
	"github.com/cbegin/pianoreel/internal/export"
	"github.com/cbegin/pianoreel/internal/notes"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/present"
	"github.com/cbegin/pianoreel/internal/recorder"
	"github.com/cbegin/pianoreel/internal/route"
	"github.com/cbegin/pianoreel/internal/synth"
	"github.com/cbegin/pianoreel/internal/timeline"
	"github.com/cbegin/pianoreel/internal/transport"
	"github.com/cbegin/pianoreel/internal/visual"
)

// ErrExportBusy is returned when an export is requested while one runs.
var ErrExportBusy = export.ErrBusy

// PlaybackEvent carries transport events from Watch().
type PlaybackEvent struct {
	Kind int // EventStateChanged or EventPlaybackEnded
	From transport.State
	To   transport.State
}

const (
	EventStateChanged int = iota
	EventPlaybackEnded
)

type Option func(*sessionConfig)

type sessionConfig struct {
	log        *zap.Logger
	resolution int
	synth      synth.Synthesizer
	device     transport.Device
	surface    visual.Surface
	loop       *present.Loop
	travel     int64
	video      encode.VideoEncoder
	muxer      encode.Muxer
	extra      []route.Sink
	clock      transport.Clock
	program    patch.Program
	reverb     patch.ReverbPreset
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		log:        zap.NewNop(),
		resolution: timeline.DefaultResolution,
		synth:      synth.Unavailable{},
		travel:     visual.DefaultTravelMicros,
		program:    patch.DefaultProgram(),
		reverb:     patch.Room,
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(cfg *sessionConfig) {
		if log != nil {
			cfg.log = log
		}
	}
}

// WithResolution sets the ticks per quarter note of new recordings.
func WithResolution(ticksPerQuarter int) Option {
	return func(cfg *sessionConfig) { cfg.resolution = ticksPerQuarter }
}

// WithSynthesizer sets the software synthesizer used for replay and export.
func WithSynthesizer(s synth.Synthesizer) Option {
	return func(cfg *sessionConfig) {
		if s != nil {
			cfg.synth = s
		}
	}
}

// WithDevice replaces the synthesizer-backed replay device, e.g. with a
// hardware output port.
func WithDevice(d transport.Device) Option {
	return func(cfg *sessionConfig) { cfg.device = d }
}

// WithSurface sets the falling-note surface. It is only touched on the
// presentation thread.
func WithSurface(s visual.Surface) Option {
	return func(cfg *sessionConfig) { cfg.surface = s }
}

// WithLoop hands the presentation thread to the host, which must call
// Loop.Drain once per frame or run Loop.Run. Without it the session runs its
// own loop goroutine.
func WithLoop(l *present.Loop) Option {
	return func(cfg *sessionConfig) { cfg.loop = l }
}

// WithTravel sets how long a falling note takes to reach the keyboard.
func WithTravel(d time.Duration) Option {
	return func(cfg *sessionConfig) {
		if d > 0 {
			cfg.travel = d.Microseconds()
		}
	}
}

func WithVideoEncoder(e encode.VideoEncoder) Option {
	return func(cfg *sessionConfig) { cfg.video = e }
}

func WithMuxer(m encode.Muxer) Option {
	return func(cfg *sessionConfig) { cfg.muxer = m }
}

// WithExtraSink adds a consumer of every replayed message.
func WithExtraSink(s route.Sink) Option {
	return func(cfg *sessionConfig) { cfg.extra = append(cfg.extra, s) }
}

// WithClock replaces wall time for recording and replay.
func WithClock(c transport.Clock) Option {
	return func(cfg *sessionConfig) { cfg.clock = c }
}

// WithPatch sets the instrument and reverb used for replay and export.
func WithPatch(p patch.Program, reverb patch.ReverbPreset) Option {
	return func(cfg *sessionConfig) {
		cfg.program = p
		cfg.reverb = reverb
	}
}

// Session owns one recorder, one replay transport with its output device,
// the presentation loop and surface, and the export pipeline.
type Session struct {
	cfg       sessionConfig
	log       *zap.Logger
	loop      *present.Loop
	stopLoop  context.CancelFunc
	surface   visual.Surface
	recorder  *recorder.Recorder
	transport *transport.Transport
	pipeline  *export.Pipeline

	mu        sync.Mutex
	done      chan struct{}
	eventCh   chan PlaybackEvent
	eventChMu sync.Mutex
	closed    bool
}

func New(opts ...Option) (*Session, error) {
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.resolution <= 0 {
		return nil, errors.New("resolution must be positive")
	}
	if cfg.clock == nil {
		cfg.clock = wallClock{}
	}
	s := &Session{cfg: cfg, log: cfg.log.Named("session")}

	s.loop = cfg.loop
	if s.loop == nil {
		s.loop = present.NewLoop(256)
		ctx, cancel := context.WithCancel(context.Background())
		s.stopLoop = cancel
		go func() { _ = s.loop.Run(ctx) }()
	}
	s.surface = cfg.surface
	if s.surface == nil {
		s.surface = visual.NewRaster(1280, 720, visual.WithTravel(cfg.travel))
	}

	s.recorder = recorder.New(recorder.WithResolution(cfg.resolution), recorder.WithLogger(cfg.log))

	device := cfg.device
	if device == nil {
		device = synth.NewLiveOutput(cfg.synth,
			synth.WithProgram(cfg.program),
			synth.WithReverb(cfg.reverb),
			synth.WithLiveLogger(cfg.log))
	}
	topts := []transport.Option{
		transport.WithLogger(cfg.log),
		transport.WithClock(cfg.clock),
		transport.WithVisualSink(visual.Sink(s.loop, s.surface, cfg.log)),
		transport.WithCallbacks(transport.Callbacks{
			OnStateChange: func(from, to transport.State) {
				s.sendEvent(PlaybackEvent{Kind: EventStateChanged, From: from, To: to})
			},
			OnSpawn: s.surface.SpawnVisual,
			OnFinished: func() {
				s.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded, From: transport.Finished, To: transport.Idle})
				s.signalDone()
			},
		}),
	}
	for _, sink := range cfg.extra {
		topts = append(topts, transport.WithExtraSink(sink))
	}
	s.transport = transport.New(device, topts...)

	popts := []export.Option{
		export.WithSynthesizer(cfg.synth),
		export.WithLoop(s.loop),
		export.WithLogger(cfg.log),
	}
	if cfg.video != nil {
		popts = append(popts, export.WithVideoEncoder(cfg.video))
	}
	if cfg.muxer != nil {
		popts = append(popts, export.WithMuxer(cfg.muxer))
	}
	if _, ok := s.surface.(sized); ok {
		popts = append(popts, export.WithSurface(s.surface))
	}
	s.pipeline = export.New(popts...)
	return s, nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Loop is the presentation loop every surface call goes through.
func (s *Session) Loop() *present.Loop { return s.loop }

// Surface must only be used on the presentation thread.
func (s *Session) Surface() visual.Surface { return s.surface }

func (s *Session) Recorder() *recorder.Recorder { return s.recorder }

func (s *Session) Transport() *transport.Transport { return s.transport }

// StartRecording begins a new take labelled with the input device name.
func (s *Session) StartRecording(deviceLabel string) error {
	return s.recorder.Start(deviceLabel, s.cfg.clock.Now())
}

// StopRecording finalizes the take and, when path is not empty, writes it.
// The timeline is returned even if the write fails.
func (s *Session) StopRecording(path string) (*timeline.Timeline, error) {
	if path == "" {
		return s.recorder.Stop()
	}
	return s.recorder.StopAndWrite(path)
}

// Load replaces the replay sequence and clears the surface.
func (s *Session) Load(tl *timeline.Timeline) error {
	if err := s.transport.Load(tl); err != nil {
		return err
	}
	s.loop.Post(s.surface.Reset)
	return nil
}

func (s *Session) LoadFile(path string) error {
	tl, err := timeline.ReadFile(path)
	if err != nil {
		return err
	}
	return s.Load(tl)
}

func (s *Session) Play() error {
	s.mu.Lock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	s.mu.Unlock()
	if err := s.transport.Play(); err != nil {
		s.signalDone()
		return err
	}
	return nil
}

func (s *Session) Pause() { s.transport.Pause() }

func (s *Session) Stop() {
	s.transport.Stop()
	s.loop.Post(s.surface.Reset)
	s.signalDone()
}

func (s *Session) Rewind() {
	s.transport.Rewind()
	s.loop.Post(s.surface.Reset)
}

// SeekTo moves replay to micros of sequence time.
func (s *Session) SeekTo(micros int64) {
	s.transport.SeekTo(micros)
	s.loop.Post(s.surface.Reset)
}

func (s *Session) SetTempoFactor(f float64) { s.transport.SetTempoFactor(f) }

func (s *Session) SetTranspose(semitones int) { s.transport.SetTranspose(semitones) }

func (s *Session) SetVelocityCurve(c patch.Curve) { s.transport.SetVelocityCurve(c) }

// PumpVisuals spawns the falling notes due at the current position. Call
// it on the presentation thread once per frame.
func (s *Session) PumpVisuals() int {
	return s.transport.PumpVisuals(s.cfg.travel)
}

// Run dispatches replay in real time until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	return s.transport.Run(ctx)
}

// Notes returns the resolved notes of the loaded sequence, or nil.
func (s *Session) Notes() *notes.Result { return s.transport.Notes() }

// Wait blocks until the current playback finishes or is stopped. It
// returns immediately when nothing is playing.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Watch returns a channel that receives transport events. The channel is
// buffered (cap 16) and events are dropped when it is full. Only the most
// recent Watch() channel receives events.
func (s *Session) Watch() <-chan PlaybackEvent {
	ch := make(chan PlaybackEvent, 16)
	s.eventChMu.Lock()
	s.eventCh = ch
	s.eventChMu.Unlock()
	return ch
}

func (s *Session) sendEvent(ev PlaybackEvent) {
	s.eventChMu.Lock()
	ch := s.eventCh
	s.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Session) signalDone() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// Close stops replay, releases the output device and the session's own
// presentation loop.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.transport.Close()
	s.signalDone()
	if s.stopLoop != nil {
		s.stopLoop()
		s.loop.Close()
	}
	if s.recorder.Recording() {
		if _, rerr := s.recorder.Stop(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return err
}
