// Package transport replays a timeline in real time. It owns a virtual
// clock, dispatches channel messages through the transpose and velocity
// stages to the output and visual sinks, and schedules falling-note spawns
// ahead of their onsets.
package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	"github.com/cbegin/pianoreel/internal/lookahead"
	"github.com/cbegin/pianoreel/internal/notes"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/route"
	"github.com/cbegin/pianoreel/internal/timebase"
	"github.com/cbegin/pianoreel/internal/timeline"
)

// ErrNoSequence is returned by Play before anything has been loaded. When
// loading failed because the device could not be opened, Play returns that
// error instead.
var ErrNoSequence = errors.New("transport: no sequence loaded")

type State int

const (
	Idle State = iota
	Armed
	Playing
	Paused
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// Device is the sequencing resource behind the audio sink.
type Device interface {
	// Open returns the audio sink. A device that cannot be opened returns a
	// ResourceUnavailable error.
	Open() (route.Sink, error)
	Close() error
}

// Clock supplies wall time. Tests inject a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Callbacks are invoked outside the transport's lock, in the order the
// events happened. Any field may be nil.
type Callbacks struct {
	OnStateChange func(from, to State)
	// OnSpawn runs from PumpVisuals, on the caller's (presentation) thread.
	OnSpawn    func(n notes.Note)
	OnFinished func()
}

type Option func(*Transport)

func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

func WithClock(c Clock) Option {
	return func(t *Transport) { t.clock = c }
}

func WithCallbacks(cb Callbacks) Option {
	return func(t *Transport) { t.cb = cb }
}

// WithVisualSink sets the second consumer of routed messages.
func WithVisualSink(s route.Sink) Option {
	return func(t *Transport) { t.visual = s }
}

// WithExtraSink adds another consumer, e.g. a hardware output port.
func WithExtraSink(s route.Sink) Option {
	return func(t *Transport) { t.extra = append(t.extra, s) }
}

// WithPollInterval sets how often Run dispatches.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.interval = d
		}
	}
}

type scheduled struct {
	micros int64
	msg    midi.Message
}

type transition struct{ from, to State }

type Transport struct {
	mu       sync.Mutex
	sendMu   sync.Mutex // orders sink writes the same way as mu orders state
	log      *zap.Logger
	clock    Clock
	cb       Callbacks
	interval time.Duration

	dev    Device
	out    route.Sink
	visual route.Sink
	extra  []route.Sink
	sink   route.Sink

	tl       *timeline.Timeline
	resolved *notes.Result
	events   []scheduled
	look     *lookahead.Scheduler
	length   int64

	openErr   error
	state     State
	cursor    int
	basePos   int64
	baseWall  time.Time
	factor    float64
	transpose int
	curve     patch.Curve
}

func New(dev Device, opts ...Option) *Transport {
	t := &Transport{
		dev:      dev,
		log:      zap.NewNop(),
		clock:    systemClock{},
		interval: 2 * time.Millisecond,
		factor:   1,
		curve:    patch.Linear,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.Named("transport")
	t.rebuildSink()
	return t
}

func (t *Transport) rebuildSink() {
	sinks := []route.Sink{t.out, t.visual}
	sinks = append(sinks, t.extra...)
	t.sink = route.Through(route.Chain(route.Transpose(t.transpose), route.Velocity(t.curve)), route.Tee(sinks...))
}

// Load replaces the sequence, resolves its notes and arms the transport.
// The device is opened on first load; if it cannot be opened the error is
// returned and the transport stays as it was.
func (t *Transport) Load(tl *timeline.Timeline) error {
	res, err := notes.Resolve(tl)
	if err != nil {
		return err
	}
	events := schedule(tl)

	t.mu.Lock()
	if t.out == nil && t.dev != nil {
		out, err := t.dev.Open()
		if err != nil {
			t.openErr = err
			t.mu.Unlock()
			t.log.Warn("playback device unavailable", zap.Error(err))
			return err
		}
		t.out, t.openErr = out, nil
		t.rebuildSink()
	}
	var flush []midi.Message
	if t.state == Playing || t.state == Paused {
		flush = route.Silence()
	}
	t.tl, t.resolved, t.events = tl, res, events
	t.look = lookahead.New(res.Notes)
	t.length = max(res.EndMicros, tl.LengthMicros())
	t.cursor, t.basePos = 0, 0
	pending := t.setState(nil, Armed)
	t.log.Info("sequence loaded",
		zap.Int("notes", len(res.Notes)),
		zap.Int("events", len(events)),
		zap.Duration("length", time.Duration(t.length)*time.Microsecond))
	t.sendAndUnlock(flush)
	t.notify(pending, false)
	return nil
}

// LoadFile reads a Standard MIDI File and loads it.
func (t *Transport) LoadFile(path string) error {
	tl, err := timeline.ReadFile(path)
	if err != nil {
		return err
	}
	return t.Load(tl)
}

// schedule converts the channel events to sequence microseconds with one
// forward walk.
func schedule(tl *timeline.Timeline) []scheduled {
	sorted := tl.Sorted()
	w := timebase.NewWalker(tl.Tempo, tl.Resolution)
	out := make([]scheduled, 0, len(sorted))
	for _, ev := range sorted {
		msg := route.FromEvent(ev)
		if msg == nil {
			continue
		}
		out = append(out, scheduled{micros: w.Micros(ev.Tick), msg: msg})
	}
	return out
}

// Play starts or resumes. A transport at the end of the sequence rewinds
// first.
func (t *Transport) Play() error {
	t.mu.Lock()
	if t.tl == nil {
		err := t.openErr
		t.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrNoSequence
	}
	if t.state == Playing {
		t.mu.Unlock()
		return nil
	}
	if t.basePos >= t.length {
		t.basePos, t.cursor = 0, 0
		t.look.Reset()
	}
	t.baseWall = t.clock.Now()
	pending := t.setState(nil, Playing)
	t.mu.Unlock()
	t.notify(pending, false)
	return nil
}

// Pause halts the clock without silencing; Play resumes.
func (t *Transport) Pause() {
	t.mu.Lock()
	if t.state != Playing {
		t.mu.Unlock()
		return
	}
	t.basePos = t.positionLocked()
	pending := t.setState(nil, Paused)
	t.mu.Unlock()
	t.notify(pending, false)
}

// Stop silences every channel and returns to Idle at position 0. The
// sequence stays loaded.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.basePos, t.cursor = 0, 0
	if t.look != nil {
		t.look.Reset()
	}
	pending := t.setState(nil, Idle)
	t.sendAndUnlock(route.Silence())
	t.notify(pending, false)
}

// Rewind moves to 0 keeping the current state. Sounding notes are silenced.
func (t *Transport) Rewind() {
	t.SeekTo(0)
}

// SeekTo moves the clock to micros, clamped to the sequence. Sounding notes
// are silenced and the latest program and controller values before the new
// position are re-sent.
func (t *Transport) SeekTo(micros int64) {
	t.mu.Lock()
	if t.tl == nil {
		t.mu.Unlock()
		return
	}
	micros = min(max(micros, 0), t.length)
	t.basePos = micros
	t.baseWall = t.clock.Now()
	t.cursor = sort.Search(len(t.events), func(i int) bool { return t.events[i].micros >= micros })
	if micros == 0 {
		t.look.Reset()
	}
	msgs := append(route.Silence(), t.chaseLocked()...)
	t.sendAndUnlock(msgs)
}

// chaseLocked returns the last program change and controller values sent
// before the cursor, skipping sustain so a pedal is never left latched.
func (t *Transport) chaseLocked() []midi.Message {
	type ctl struct{ ch, num uint8 }
	var (
		programs = map[uint8]midi.Message{}
		controls = map[ctl]midi.Message{}
		order    []midi.Message
	)
	for _, ev := range t.events[:t.cursor] {
		d, ok := route.Decode(ev.msg)
		if !ok {
			continue
		}
		switch {
		case d.Kind == timeline.ProgramChange:
			programs[d.Channel] = ev.msg
		case d.Kind == timeline.ControlChange && d.Data1 != timeline.CCSustain:
			controls[ctl{d.Channel, d.Data1}] = ev.msg
		}
	}
	for ch := uint8(0); ch < 16; ch++ {
		if m, ok := programs[ch]; ok {
			order = append(order, m)
		}
	}
	keys := make([]ctl, 0, len(controls))
	for k := range controls {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ch != keys[j].ch {
			return keys[i].ch < keys[j].ch
		}
		return keys[i].num < keys[j].num
	})
	for _, k := range keys {
		order = append(order, controls[k])
	}
	return order
}

// SetTempoFactor scales the clock rate. Scheduling stays in sequence time.
func (t *Transport) SetTempoFactor(f float64) {
	f = min(max(f, 0.05), 8)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.basePos = t.positionLocked()
	t.baseWall = t.clock.Now()
	t.factor = f
}

// SetTranspose changes the semitone offset. Sounding notes are silenced
// first so their NoteOffs are not sent to a different key.
func (t *Transport) SetTranspose(semitones int) {
	semitones = min(max(semitones, -48), 48)
	t.mu.Lock()
	if semitones == t.transpose {
		t.mu.Unlock()
		return
	}
	t.sendLocked(route.Silence())
	t.transpose = semitones
	t.rebuildSink()
	t.mu.Unlock()
}

// SetVelocityCurve changes the NoteOn velocity mapping.
func (t *Transport) SetVelocityCurve(c patch.Curve) {
	t.mu.Lock()
	if c == t.curve {
		t.mu.Unlock()
		return
	}
	t.sendLocked(route.Silence())
	t.curve = c
	t.rebuildSink()
	t.mu.Unlock()
}

func (t *Transport) Transpose() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transpose
}

func (t *Transport) VelocityCurve() patch.Curve {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.curve
}

// PumpVisuals is called once per presentation frame. It spawns, through
// Callbacks.OnSpawn, every note whose onset minus travelMicros has passed
// and returns how many were spawned. Spawned notes carry the key and
// velocity the sinks receive for them.
func (t *Transport) PumpVisuals(travelMicros int64) int {
	t.mu.Lock()
	if t.look == nil {
		t.mu.Unlock()
		return 0
	}
	var spawned []notes.Note
	transpose, curve := t.transpose, t.curve
	t.look.Advance(t.positionLocked(), travelMicros, func(n notes.Note) {
		n.Key = route.TransposeKey(n.Channel, n.Key, transpose)
		n.Velocity = curve.Map(n.Velocity)
		spawned = append(spawned, n)
	})
	t.mu.Unlock()
	if t.cb.OnSpawn != nil {
		for _, n := range spawned {
			t.cb.OnSpawn(n)
		}
	}
	return len(spawned)
}

// Poll dispatches every message due at the current position and handles
// the end of the sequence. Run calls it periodically.
func (t *Transport) Poll() {
	t.mu.Lock()
	if t.state != Playing {
		t.mu.Unlock()
		return
	}
	pos := t.positionLocked()
	var due []midi.Message
	for t.cursor < len(t.events) && t.events[t.cursor].micros <= pos {
		due = append(due, t.events[t.cursor].msg)
		t.cursor++
	}
	var pending []transition
	finished := false
	if pos >= t.length && t.cursor >= len(t.events) {
		t.basePos = t.length
		pending = t.setState(pending, Finished)
		pending = t.setState(pending, Idle)
		finished = true
		t.log.Debug("sequence finished")
	}
	t.sendAndUnlock(due)
	t.notify(pending, finished)
}

// Run polls until ctx is done.
func (t *Transport) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Poll()
		}
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Position is the current sequence time in microseconds.
func (t *Transport) Position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positionLocked()
}

// Length is the sequence duration in microseconds.
func (t *Transport) Length() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.length
}

// Notes returns the resolved notes of the loaded sequence.
func (t *Transport) Notes() *notes.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved
}

// Close stops playback and releases the device.
func (t *Transport) Close() error {
	t.Stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = nil
	t.rebuildSink()
	if t.dev != nil {
		return t.dev.Close()
	}
	return nil
}

func (t *Transport) positionLocked() int64 {
	if t.state != Playing {
		return t.basePos
	}
	elapsed := t.clock.Now().Sub(t.baseWall).Microseconds()
	pos := t.basePos + int64(float64(max(elapsed, 0))*t.factor)
	return min(pos, t.length)
}

func (t *Transport) setState(pending []transition, to State) []transition {
	if t.state == to {
		return pending
	}
	pending = append(pending, transition{t.state, to})
	t.log.Debug("state", zap.Stringer("from", t.state), zap.Stringer("to", to))
	t.state = to
	return pending
}

// sendLocked writes while holding mu.
func (t *Transport) sendLocked(msgs []midi.Message) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	for _, m := range msgs {
		if err := t.sink(m); err != nil {
			t.log.Debug("sink error", zap.Error(err))
		}
	}
}

// sendAndUnlock hands msgs to the sinks after releasing mu, keeping the
// order in which callers held mu.
func (t *Transport) sendAndUnlock(msgs []midi.Message) {
	sink := t.sink
	t.sendMu.Lock()
	t.mu.Unlock()
	defer t.sendMu.Unlock()
	for _, m := range msgs {
		if err := sink(m); err != nil {
			t.log.Debug("sink error", zap.Error(err))
		}
	}
}

func (t *Transport) notify(pending []transition, finished bool) {
	if t.cb.OnStateChange != nil {
		for _, tr := range pending {
			t.cb.OnStateChange(tr.from, tr.to)
		}
	}
	if finished && t.cb.OnFinished != nil {
		t.cb.OnFinished()
	}
}
