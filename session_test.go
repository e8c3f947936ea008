package pianoreel

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/present"
	"github.com/cbegin/pianoreel/internal/route"
	"github.com/cbegin/pianoreel/internal/synth"
	"github.com/cbegin/pianoreel/internal/timeline"
	"github.com/cbegin/pianoreel/internal/transport"
	"github.com/cbegin/pianoreel/internal/visual"
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

type sinkDevice struct {
	mu   sync.Mutex
	msgs []midi.Message
}

func (d *sinkDevice) Open() (route.Sink, error) {
	return func(m midi.Message) error {
		d.mu.Lock()
		d.msgs = append(d.msgs, m)
		d.mu.Unlock()
		return nil
	}, nil
}

func (d *sinkDevice) Close() error { return nil }

func (d *sinkDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

type missingDevice struct{}

func (missingDevice) Open() (route.Sink, error) {
	return nil, faults.Unavailable(nil, "no output device")
}

func (missingDevice) Close() error { return nil }

type quietSynth struct{}

func (quietSynth) Name() string { return "quiet" }
func (quietSynth) Open(synth.Format) (synth.Stream, error) { return quietStream{}, nil }

type quietStream struct{}

func (quietStream) Send(midi.Message) error { return nil }
func (quietStream) LoadPatch(uint8, patch.Program) error { return nil }
func (quietStream) Render(left, right []float32) {
	clear(left)
	clear(right)
}
func (quietStream) Close() error { return nil }

type memVideo struct {
	path   string
	frames int
}

func (v *memVideo) Begin(_, _, _ int, path string) error {
	v.path = path
	return os.WriteFile(path, nil, 0o644)
}
func (v *memVideo) PushFrame(*image.RGBA) error {
	v.frames++
	return nil
}
func (v *memVideo) End() error { return nil }
func (v *memVideo) Abort() { _ = os.Remove(v.path) }

type copyMuxer struct{}

func (copyMuxer) Mux(_ context.Context, _, _, out string) error {
	return os.WriteFile(out, []byte("av"), 0o644)
}

func newSession(t *testing.T, opts ...Option) (*Session, *sinkDevice, *manualClock) {
	t.Helper()
	dev := &sinkDevice{}
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	base := []Option{
		WithDevice(dev),
		WithClock(clock),
		WithSynthesizer(quietSynth{}),
		WithSurface(visual.NewRaster(64, 48, visual.WithTravel(200_000))),
		WithVideoEncoder(&memVideo{}),
		WithMuxer(copyMuxer{}),
	}
	s, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, dev, clock
}

func recordTake(t *testing.T, s *Session, clock *manualClock, path string) *timeline.Timeline {
	t.Helper()
	start := clock.Now()
	if err := s.StartRecording("test keyboard"); err != nil {
		t.Fatal(err)
	}
	rec := s.Recorder()
	if err := rec.NoteOn(60, 90, start.Add(250*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := rec.NoteOff(60, 0, start.Add(750*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	tl, err := s.StopRecording(path)
	if err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	return tl
}

func TestRecordThenReplay(t *testing.T) {
	s, dev, clock := newSession(t)
	path := filepath.Join(t.TempDir(), "take.mid")
	recordTake(t, s, clock, path)

	if err := s.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if n := s.Notes(); n == nil || len(n.Notes) != 1 || n.Notes[0].OnMicros != 250_000 {
		t.Fatalf("resolved notes %+v", n)
	}
	events := s.Watch()
	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	s.Transport().Poll()
	s.Wait()

	if dev.count() < 2 {
		t.Fatalf("expected note on and off at the device, got %d messages", dev.count())
	}
	var ended bool
	for len(events) > 0 {
		if ev := <-events; ev.Kind == EventPlaybackEnded {
			ended = true
		}
	}
	if !ended {
		t.Fatalf("no playback ended event")
	}
	if st := s.Transport().State(); st != transport.Idle {
		t.Fatalf("state = %v, want idle", st)
	}
}

func TestPlayWithoutSequence(t *testing.T) {
	s, _, _ := newSession(t)
	if err := s.Play(); !errors.Is(err, transport.ErrNoSequence) {
		t.Fatalf("play: %v", err)
	}
	s.Wait()
}

func TestStopReleasesWait(t *testing.T) {
	s, _, clock := newSession(t)
	if err := s.Load(recordTake(t, s, clock, "")); err != nil {
		t.Fatal(err)
	}
	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	s.Wait()
	if s.Transport().Position() != 0 {
		t.Fatalf("stop must return to the start")
	}
}

func TestExportStopsReplay(t *testing.T) {
	s, _, clock := newSession(t)
	tl := recordTake(t, s, clock, "")
	if err := s.Load(tl); err != nil {
		t.Fatal(err)
	}
	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "take.mp4")
	res, err := s.Export(context.Background(), tl, dest, ExportOptions{FPS: 10}, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if s.Transport().State() != transport.Idle {
		t.Fatalf("replay still running during export")
	}
	// 750ms of notes plus 200ms of travel at 10 fps.
	if res.Frames != 10 || len(res.Warnings) != 0 {
		t.Fatalf("result %+v", res)
	}
	if data, err := os.ReadFile(dest); err != nil || string(data) != "av" {
		t.Fatalf("destination %q %v", data, err)
	}
}

func TestExportIsExclusive(t *testing.T) {
	s, _, clock := newSession(t)
	tl := recordTake(t, s, clock, "")
	dir := t.TempDir()
	var nested error
	_, err := s.Export(context.Background(), tl, filepath.Join(dir, "a.mp4"), ExportOptions{FPS: 10}, func(Progress) {
		if nested == nil {
			_, nested = s.Export(context.Background(), tl, filepath.Join(dir, "b.mp4"), ExportOptions{}, nil)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(nested, ErrExportBusy) {
		t.Fatalf("nested export: %v", nested)
	}
}

func TestRenderAudio(t *testing.T) {
	s, _, clock := newSession(t)
	tl := recordTake(t, s, clock, "")
	frames, err := s.RenderAudio(context.Background(), tl, filepath.Join(t.TempDir(), "take.wav"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(750_000 * 44100 / 1_000_000); frames != want {
		t.Fatalf("frames = %d, want %d", frames, want)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _, _ := newSession(t)
	if err := s.StartRecording("kb"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.Recorder().Recording() {
		t.Fatalf("close must end the take")
	}
}

func TestExportWithoutPlaybackDevice(t *testing.T) {
	s, _, clock := newSession(t,
		WithDevice(missingDevice{}),
		WithSynthesizer(synth.Unavailable{Reason: "no SoundFont"}))
	tl := recordTake(t, s, clock, "")
	if err := s.Load(tl); !faults.Is(err, faults.ResourceUnavailable) {
		t.Fatalf("load: %v", err)
	}
	if err := s.Play(); !faults.Is(err, faults.ResourceUnavailable) {
		t.Fatalf("play should report the missing device, got %v", err)
	}
	dest := filepath.Join(t.TempDir(), "take.mp4")
	res, err := s.Export(context.Background(), tl, dest, ExportOptions{FPS: 10}, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.Frames != 10 || len(res.Warnings) != 1 {
		t.Fatalf("result %+v", res)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("video-only output missing: %v", err)
	}
}

func TestCloseRejectsPresentationWork(t *testing.T) {
	s, _, _ := newSession(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- s.Loop().Submit(context.Background(), func() error { return nil }) }()
	select {
	case err := <-errc:
		if !errors.Is(err, present.ErrClosed) {
			t.Fatalf("submit after close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("submit blocked on a closed session")
	}
}
