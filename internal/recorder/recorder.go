// Package recorder turns live, wall-clock stamped performance events into a
// tick-stamped timeline.
//
// Ticks are computed from an anchor, the instant and tick of the last tempo
// change (or of Start), using only the tempo active since that anchor. Events
// that arrive later in real time but would land on the same tick are pushed
// one tick forward so that their order survives the file format; events with
// identical instants share a tick.
package recorder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cbegin/pianoreel/internal/timebase"
	"github.com/cbegin/pianoreel/internal/timeline"
	"go.uber.org/zap"
)

// ErrNotRecording is returned by writes issued outside Start/Stop.
var ErrNotRecording = errors.New("recorder: not recording")

type Option func(*config)

type config struct {
	resolution int
	channel    uint8
	tempo      int64
	log        *zap.Logger
}

func WithResolution(ticksPerQuarter int) Option {
	return func(c *config) { c.resolution = ticksPerQuarter }
}

// WithChannel sets the channel recorded events are written to.
func WithChannel(ch uint8) Option {
	return func(c *config) { c.channel = ch & 0x0F }
}

// WithTempo sets the tempo written at tick 0.
func WithTempo(microsPerQuarter int64) Option {
	return func(c *config) { c.tempo = microsPerQuarter }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// Recorder is safe for concurrent use. Every write holds a short mutex and
// performs no I/O, so it may be called from a device callback.
type Recorder struct {
	mu  sync.Mutex
	cfg config
	log *zap.Logger

	tl        *timeline.Timeline
	recording bool

	tempo      int64
	anchorAt   time.Time
	anchorTick int64
	lastAt     time.Time
	lastTick   int64
}

func New(opts ...Option) *Recorder {
	cfg := config{
		resolution: timeline.DefaultResolution,
		tempo:      timebase.DefaultMicrosPerQuarter,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.tempo < 1 {
		cfg.tempo = 1
	}
	return &Recorder{cfg: cfg, log: cfg.log.Named("recorder")}
}

// Start discards any previous take and begins a new one at startAt. The
// device label is stored as the track name.
func (r *Recorder) Start(deviceLabel string, startAt time.Time) error {
	if r.cfg.resolution <= 0 {
		return fmt.Errorf("recorder: resolution must be positive, got %d", r.cfg.resolution)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tl := timeline.New(r.cfg.resolution)
	tl.Tempo = timebase.NewTempoMapAt(r.cfg.tempo)
	tl.Append(timeline.TextEvent(0, timeline.TextTrackName, deviceLabel))
	tl.Append(timeline.TextEvent(0, timeline.TextGeneric, "recorded "+startAt.Format(time.RFC3339)))
	tl.Append(timeline.TempoEvent(0, r.cfg.tempo))

	r.tl = tl
	r.recording = true
	r.tempo = r.cfg.tempo
	r.anchorAt, r.anchorTick = startAt, 0
	r.lastAt, r.lastTick = startAt, 0
	r.log.Info("recording started",
		zap.String("device", deviceLabel),
		zap.Int("resolution", r.cfg.resolution),
		zap.Float64("bpm", timebase.BPM(r.tempo)))
	return nil
}

// Recording reports whether a take is in progress.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *Recorder) NoteOn(key, velocity uint8, at time.Time) error {
	return r.append(at, func(tick int64) timeline.Event {
		return timeline.NoteOnEvent(tick, r.cfg.channel, key&0x7F, velocity&0x7F)
	})
}

func (r *Recorder) NoteOff(key, velocity uint8, at time.Time) error {
	return r.append(at, func(tick int64) timeline.Event {
		return timeline.NoteOffEvent(tick, r.cfg.channel, key&0x7F, velocity&0x7F)
	})
}

// Sustain records a pedal transition as CC64 127 or 0.
func (r *Recorder) Sustain(on bool, at time.Time) error {
	var v uint8
	if on {
		v = 127
	}
	return r.Control(timeline.CCSustain, v, at)
}

func (r *Recorder) Control(controller, value uint8, at time.Time) error {
	return r.append(at, func(tick int64) timeline.Event {
		return timeline.ControlEvent(tick, r.cfg.channel, controller&0x7F, value&0x7F)
	})
}

func (r *Recorder) Program(program uint8, at time.Time) error {
	return r.append(at, func(tick int64) timeline.Event {
		return timeline.ProgramEvent(tick, r.cfg.channel, program&0x7F)
	})
}

// TempoChange applies to ticks computed strictly after at. The tick of the
// change itself is computed with the previous tempo.
func (r *Recorder) TempoChange(microsPerQuarter int64, at time.Time) error {
	if microsPerQuarter < 1 {
		microsPerQuarter = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return ErrNotRecording
	}
	at = r.clampInstant(at)
	tick := r.tickAt(at)
	r.tl.SetTempo(tick, microsPerQuarter)
	r.tempo = microsPerQuarter
	r.anchorAt, r.anchorTick = at, tick
	r.lastAt, r.lastTick = at, tick
	r.log.Debug("tempo change", zap.Int64("tick", tick), zap.Float64("bpm", timebase.BPM(microsPerQuarter)))
	return nil
}

// Stop finalizes the take with an EndOfTrack at the last tick and returns
// it. No further writes are accepted until the next Start.
func (r *Recorder) Stop() (*timeline.Timeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil, ErrNotRecording
	}
	r.recording = false
	r.tl.LengthTicks = r.lastTick
	r.tl.Append(timeline.Event{Tick: r.lastTick, Kind: timeline.EndOfTrack})
	tl := r.tl
	r.log.Info("recording stopped",
		zap.Int("events", len(tl.Events)),
		zap.Int64("ticks", tl.LengthTicks),
		zap.Duration("length", time.Duration(tl.LengthMicros())*time.Microsecond))
	return tl, nil
}

// StopAndWrite stops and writes the take to path. The finalized timeline is
// returned even when the write fails, so the caller can retry elsewhere.
func (r *Recorder) StopAndWrite(path string) (*timeline.Timeline, error) {
	tl, err := r.Stop()
	if err != nil {
		return nil, err
	}
	if err := timeline.WriteFile(path, tl); err != nil {
		r.log.Error("write recording", zap.String("path", path), zap.Error(err))
		return tl, err
	}
	r.log.Info("recording saved", zap.String("path", path))
	return tl, nil
}

func (r *Recorder) append(at time.Time, build func(tick int64) timeline.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return ErrNotRecording
	}
	at = r.clampInstant(at)
	tick := r.tickAt(at)
	r.tl.Append(build(tick))
	r.lastAt, r.lastTick = at, tick
	return nil
}

// clampInstant keeps real time from running backwards.
func (r *Recorder) clampInstant(at time.Time) time.Time {
	if at.Before(r.lastAt) {
		return r.lastAt
	}
	return at
}

func (r *Recorder) tickAt(at time.Time) int64 {
	tick := r.anchorTick + timebase.DeltaTicks(r.tempo, r.cfg.resolution, at.Sub(r.anchorAt).Microseconds())
	if tick < r.lastTick {
		tick = r.lastTick
	}
	if tick == r.lastTick && at.Sub(r.lastAt).Microseconds() > 0 {
		tick = r.lastTick + 1
	}
	return tick
}
