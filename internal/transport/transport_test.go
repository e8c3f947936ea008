package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/notes"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/route"
	"github.com/cbegin/pianoreel/internal/timeline"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingDevice struct {
	mu      sync.Mutex
	msgs    []midi.Message
	openErr error
	closed  bool
}

func (d *recordingDevice) Open() (route.Sink, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return func(m midi.Message) error {
		d.mu.Lock()
		d.msgs = append(d.msgs, m)
		d.mu.Unlock()
		return nil
	}, nil
}

func (d *recordingDevice) Close() error { d.closed = true; return nil }

func (d *recordingDevice) take() []midi.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.msgs
	d.msgs = nil
	return out
}

func twoNotes() *timeline.Timeline {
	tl := timeline.New(960)
	tl.Append(timeline.ProgramEvent(0, 0, 4))
	tl.Append(timeline.NoteOnEvent(0, 0, 60, 100))
	tl.Append(timeline.NoteOffEvent(960, 0, 60, 0))
	tl.Append(timeline.NoteOnEvent(1920, 0, 64, 40))
	tl.Append(timeline.NoteOffEvent(2880, 0, 64, 0))
	return tl
}

func newTransport(t *testing.T, opts ...Option) (*Transport, *recordingDevice, *manualClock) {
	t.Helper()
	dev := &recordingDevice{}
	clock := &manualClock{now: time.Unix(1000, 0)}
	tr := New(dev, append([]Option{WithClock(clock)}, opts...)...)
	if err := tr.Load(twoNotes()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return tr, dev, clock
}

func noteOns(msgs []midi.Message) []uint8 {
	var keys []uint8
	for _, m := range msgs {
		if d, ok := route.Decode(m); ok && d.Kind == timeline.NoteOn {
			keys = append(keys, d.Data1)
		}
	}
	return keys
}

func TestUnavailableDevice(t *testing.T) {
	dev := &recordingDevice{openErr: faults.Unavailable(nil, "no synth")}
	tr := New(dev)
	if err := tr.Load(twoNotes()); !faults.Is(err, faults.ResourceUnavailable) {
		t.Fatalf("expected ResourceUnavailable, got %v", err)
	}
	if tr.State() != Idle {
		t.Fatalf("state = %v", tr.State())
	}
	if err := tr.Play(); !faults.Is(err, faults.ResourceUnavailable) {
		t.Fatalf("play should report the device error, got %v", err)
	}
}

func TestPlayBeforeLoad(t *testing.T) {
	tr := New(&recordingDevice{})
	if err := tr.Play(); !errors.Is(err, ErrNoSequence) {
		t.Fatalf("play: %v", err)
	}
}

func TestPlaysToEndAndFinishes(t *testing.T) {
	var transitions []string
	finished := 0
	tr, dev, clock := newTransport(t, WithCallbacks(Callbacks{
		OnStateChange: func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) },
		OnFinished:    func() { finished++ },
	}))
	if tr.State() != Armed || tr.Length() != 1_500_000 {
		t.Fatalf("state %v length %d", tr.State(), tr.Length())
	}
	if err := tr.Play(); err != nil {
		t.Fatal(err)
	}
	tr.Poll()
	if got := noteOns(dev.take()); len(got) != 1 || got[0] != 60 {
		t.Fatalf("first dispatch %v", got)
	}
	clock.Advance(999 * time.Millisecond)
	tr.Poll()
	if got := noteOns(dev.take()); len(got) != 0 {
		t.Fatalf("second note too early: %v", got)
	}
	clock.Advance(time.Millisecond)
	tr.Poll()
	if got := noteOns(dev.take()); len(got) != 1 || got[0] != 64 {
		t.Fatalf("second note %v", got)
	}
	clock.Advance(time.Second)
	tr.Poll()
	if tr.State() != Idle || finished != 1 {
		t.Fatalf("state %v finished %d", tr.State(), finished)
	}
	want := []string{"idle>armed", "armed>playing", "playing>finished", "finished>idle"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions %v, want %v", transitions, want)
		}
	}

	// Play at the end starts over.
	if err := tr.Play(); err != nil {
		t.Fatal(err)
	}
	if tr.Position() != 0 {
		t.Fatalf("position after replay = %d", tr.Position())
	}
}

func TestPauseHoldsPosition(t *testing.T) {
	tr, dev, clock := newTransport(t)
	_ = tr.Play()
	clock.Advance(300 * time.Millisecond)
	tr.Pause()
	clock.Advance(5 * time.Second)
	if tr.Position() != 300_000 || tr.State() != Paused {
		t.Fatalf("position %d state %v", tr.Position(), tr.State())
	}
	for _, m := range dev.take() {
		if d, _ := route.Decode(m); d.Kind == timeline.ControlChange && d.Data1 == timeline.CCAllNotesOff {
			t.Fatalf("pause must not flush")
		}
	}
	_ = tr.Play()
	clock.Advance(100 * time.Millisecond)
	if tr.Position() != 400_000 {
		t.Fatalf("resumed position %d", tr.Position())
	}
}

func TestTempoFactorScalesClock(t *testing.T) {
	tr, _, clock := newTransport(t)
	_ = tr.Play()
	clock.Advance(100 * time.Millisecond)
	tr.SetTempoFactor(2)
	clock.Advance(100 * time.Millisecond)
	if got := tr.Position(); got != 300_000 {
		t.Fatalf("position = %d, want 300000", got)
	}
}

func TestStopFlushesAllChannels(t *testing.T) {
	var visual []midi.Message
	tr, dev, clock := newTransport(t, WithVisualSink(func(m midi.Message) error {
		visual = append(visual, m)
		return nil
	}))
	_ = tr.Play()
	clock.Advance(200 * time.Millisecond)
	tr.Poll()
	dev.take()
	visual = nil

	tr.Stop()
	msgs := dev.take()
	if len(msgs) != 32 || len(visual) != 32 {
		t.Fatalf("flush sent %d audio / %d visual messages", len(msgs), len(visual))
	}
	if tr.State() != Idle || tr.Position() != 0 {
		t.Fatalf("state %v position %d", tr.State(), tr.Position())
	}
}

func TestRoutingIsIdenticalOnBothSinks(t *testing.T) {
	var visual []midi.Message
	tr, dev, _ := newTransport(t, WithVisualSink(func(m midi.Message) error {
		visual = append(visual, m)
		return nil
	}))
	tr.SetTranspose(3)
	tr.SetVelocityCurve(patch.Soft)
	dev.take()
	visual = nil

	_ = tr.Play()
	tr.Poll()
	audio := dev.take()
	if len(audio) != len(visual) {
		t.Fatalf("audio %d visual %d", len(audio), len(visual))
	}
	for i := range audio {
		if string(audio[i]) != string(visual[i]) {
			t.Fatalf("message %d differs: %v vs %v", i, audio[i], visual[i])
		}
	}
	d, _ := route.Decode(audio[len(audio)-1])
	if d.Data1 != 63 || d.Data2 != patch.Soft.Map(100) {
		t.Fatalf("routed note %+v", d)
	}
}

func TestPumpVisualsAndRewind(t *testing.T) {
	var spawned []uint8
	tr, _, clock := newTransport(t, WithCallbacks(Callbacks{
		OnSpawn: func(n notes.Note) { spawned = append(spawned, n.Key) },
	}))
	_ = tr.Play()
	if n := tr.PumpVisuals(500_000); n != 1 {
		t.Fatalf("spawned %d at 0", n)
	}
	clock.Advance(500 * time.Millisecond)
	if n := tr.PumpVisuals(500_000); n != 1 || spawned[1] != 64 {
		t.Fatalf("spawned %d, keys %v", n, spawned)
	}
	tr.Rewind()
	if tr.State() != Playing {
		t.Fatalf("rewind changed state to %v", tr.State())
	}
	if n := tr.PumpVisuals(500_000); n != 1 {
		t.Fatalf("respawned %d after rewind", n)
	}
}

func TestSpawnedNotesMatchRoutedNotes(t *testing.T) {
	var visual []midi.Message
	var spawned []notes.Note
	tr, _, _ := newTransport(t,
		WithVisualSink(func(m midi.Message) error {
			visual = append(visual, m)
			return nil
		}),
		WithCallbacks(Callbacks{
			OnSpawn: func(n notes.Note) { spawned = append(spawned, n) },
		}))
	tr.SetTranspose(12)
	tr.SetVelocityCurve(patch.Hard)
	visual = nil

	_ = tr.Play()
	tr.Poll()
	if n := tr.PumpVisuals(500_000); n != 1 {
		t.Fatalf("spawned %d notes", n)
	}
	var routed []route.Decoded
	for _, m := range visual {
		if d, ok := route.Decode(m); ok && d.Kind == timeline.NoteOn {
			routed = append(routed, d)
		}
	}
	if len(routed) != 1 {
		t.Fatalf("visual sink got %d NoteOns", len(routed))
	}
	got := spawned[0]
	if got.Key != 72 || got.Key != routed[0].Data1 {
		t.Fatalf("spawn key %d, routed key %d", got.Key, routed[0].Data1)
	}
	if got.Velocity != patch.Hard.Map(100) || got.Velocity != routed[0].Data2 {
		t.Fatalf("spawn velocity %d, routed velocity %d", got.Velocity, routed[0].Data2)
	}
}

func TestSeekResendsProgram(t *testing.T) {
	tr, dev, _ := newTransport(t)
	dev.take()
	tr.SeekTo(700_000)
	msgs := dev.take()
	if len(msgs) != 33 {
		t.Fatalf("seek sent %d messages, want silence + program", len(msgs))
	}
	if d, _ := route.Decode(msgs[32]); d.Kind != timeline.ProgramChange || d.Data1 != 4 {
		t.Fatalf("chased %+v", d)
	}
	if tr.Position() != 700_000 {
		t.Fatalf("position %d", tr.Position())
	}
	tr.SeekTo(99_000_000)
	if tr.Position() != tr.Length() {
		t.Fatalf("seek should clamp to length")
	}
}

func TestCloseReleasesDevice(t *testing.T) {
	tr, dev, _ := newTransport(t)
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if !dev.closed {
		t.Fatalf("device not closed")
	}
}
