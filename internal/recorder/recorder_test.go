package recorder

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cbegin/pianoreel/internal/timeline"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func us(n int64) time.Time { return t0.Add(time.Duration(n) * time.Microsecond) }

func noteTicks(tl *timeline.Timeline) []int64 {
	var out []int64
	for _, ev := range tl.Events {
		if ev.Kind == timeline.NoteOn || ev.Kind == timeline.NoteOff {
			out = append(out, ev.Tick)
		}
	}
	return out
}

func TestStartWritesHeaderEvents(t *testing.T) {
	r := New()
	if err := r.Start("Stage Piano", t0); err != nil {
		t.Fatal(err)
	}
	tl, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if tl.Resolution != timeline.DefaultResolution {
		t.Fatalf("resolution = %d", tl.Resolution)
	}
	first := tl.Events[0]
	if first.Kind != timeline.Text || first.TextType != timeline.TextTrackName || first.Text != "Stage Piano" {
		t.Fatalf("unexpected first event %+v", first)
	}
	var tempo, eot bool
	for _, ev := range tl.Events {
		switch ev.Kind {
		case timeline.Tempo:
			tempo = ev.Tick == 0 && ev.MicrosPerQuarter == 500000
		case timeline.EndOfTrack:
			eot = true
		}
	}
	if !tempo || !eot {
		t.Fatalf("missing tempo (%v) or end of track (%v)", tempo, eot)
	}
}

func TestTicksFollowRealTime(t *testing.T) {
	r := New()
	_ = r.Start("kbd", t0)
	_ = r.NoteOn(60, 100, us(500000))
	_ = r.NoteOff(60, 0, us(1000000))
	tl, _ := r.Stop()
	got := noteTicks(tl)
	if len(got) != 2 || got[0] != 960 || got[1] != 1920 {
		t.Fatalf("ticks = %v, want [960 1920]", got)
	}
	if tl.LengthTicks != 1920 {
		t.Fatalf("length = %d", tl.LengthTicks)
	}
}

func TestMinimumOneTickForDistinctInstants(t *testing.T) {
	r := New(WithResolution(96))
	_ = r.Start("kbd", t0)
	// 96 ticks per 500ms means one tick is ~5208us; these land in the same tick.
	_ = r.NoteOn(60, 90, us(10000))
	_ = r.NoteOn(64, 90, us(10010))
	_ = r.NoteOn(67, 90, us(10020))
	// Same instant as the previous event: same tick.
	_ = r.NoteOn(72, 90, us(10020))
	tl, _ := r.Stop()
	got := noteTicks(tl)
	want := []int64{1, 2, 3, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ticks = %v, want %v", got, want)
		}
	}
}

func TestAnchorPreventsDrift(t *testing.T) {
	r := New(WithResolution(960))
	_ = r.Start("kbd", t0)
	// 1.5 ticks per step, 1000 steps. Summed rounded deltas would give 1000.
	for i := int64(1); i <= 1000; i++ {
		_ = r.Control(1, uint8(i%128), us(i*781))
	}
	tl, _ := r.Stop()
	last := tl.Events[len(tl.Events)-2]
	if last.Tick != 1499 {
		t.Fatalf("last tick = %d, want 1499", last.Tick)
	}
}

func TestTempoChangeAppliesAfterwards(t *testing.T) {
	r := New()
	_ = r.Start("kbd", t0)
	_ = r.TempoChange(250000, us(500000)) // tick 960 at 120 BPM
	_ = r.NoteOn(60, 80, us(750000))      // +250ms at 240 BPM = +960
	tl, _ := r.Stop()
	if tl.Tempo.At(960) != 250000 || tl.Tempo.At(959) != 500000 {
		t.Fatalf("tempo map = %v", tl.Tempo.Points())
	}
	if got := noteTicks(tl); got[0] != 1920 {
		t.Fatalf("note tick = %d, want 1920", got[0])
	}
}

func TestBackwardsInstantIsClamped(t *testing.T) {
	r := New()
	_ = r.Start("kbd", t0)
	_ = r.NoteOn(60, 80, us(500000))
	_ = r.NoteOff(60, 0, us(100))
	tl, _ := r.Stop()
	got := noteTicks(tl)
	if got[1] != got[0] {
		t.Fatalf("ticks = %v, backwards instant should reuse the last tick", got)
	}
}

func TestWritesOutsideTakeFail(t *testing.T) {
	r := New()
	if err := r.NoteOn(60, 1, t0); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
	_ = r.Start("kbd", t0)
	_, _ = r.Stop()
	if err := r.Sustain(true, us(1)); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording after stop, got %v", err)
	}
	if _, err := r.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("double stop: %v", err)
	}
}

func TestStopAndWrite(t *testing.T) {
	dir := t.TempDir()
	r := New()
	_ = r.Start("kbd", t0)
	_ = r.NoteOn(60, 100, us(0))
	_ = r.Sustain(true, us(100000))
	_ = r.NoteOff(60, 0, us(200000))
	_ = r.Sustain(false, us(400000))

	tl, err := r.StopAndWrite(filepath.Join(dir, "nope", "take.mid"))
	if err == nil || tl == nil {
		t.Fatalf("expected write failure with timeline, got %v %v", tl, err)
	}

	_ = r.Start("kbd", t0)
	_ = r.NoteOn(60, 100, us(0))
	path := filepath.Join(dir, "take.mid")
	if _, err := r.StopAndWrite(path); err != nil {
		t.Fatal(err)
	}
	back, err := timeline.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.Resolution != 960 {
		t.Fatalf("resolution = %d", back.Resolution)
	}
}
