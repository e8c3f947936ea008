package notes

import (
	"reflect"
	"testing"

	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/timeline"
)

func mustResolve(t *testing.T, tl *timeline.Timeline) *Result {
	t.Helper()
	res, err := Resolve(tl)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return res
}

func TestSustainExtendsRelease(t *testing.T) {
	tl := timeline.New(960)
	tl.Append(timeline.NoteOnEvent(0, 0, 60, 100))
	tl.Append(timeline.ControlEvent(100, 0, timeline.CCSustain, 127))
	tl.Append(timeline.NoteOffEvent(200, 0, 60, 0))
	tl.Append(timeline.ControlEvent(500, 0, timeline.CCSustain, 0))

	res := mustResolve(t, tl)
	if len(res.Notes) != 1 {
		t.Fatalf("notes = %+v", res.Notes)
	}
	n := res.Notes[0]
	if n.OffTick != 200 || n.ReleaseTick != 500 {
		t.Fatalf("off=%d release=%d, want 200/500", n.OffTick, n.ReleaseTick)
	}
	if n.ReleaseMicros != tl.TicksToMicros(500) {
		t.Fatalf("release micros = %d", n.ReleaseMicros)
	}
	if len(res.Sustain) != 1 || res.Sustain[0] != (SustainInterval{0, 100, 500}) {
		t.Fatalf("sustain = %+v", res.Sustain)
	}
}

func TestSustainLaw(t *testing.T) {
	cases := []struct {
		name    string
		off     int64
		want    int64
		channel uint8
	}{
		{"before pedal", 50, 50, 0},
		{"at pedal start", 100, 500, 0},
		{"inside", 499, 500, 0},
		{"at pedal end", 500, 500, 0},
		{"after pedal", 600, 600, 0},
		{"other channel", 200, 200, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tl := timeline.New(480)
			tl.Append(timeline.NoteOnEvent(0, tc.channel, 60, 90))
			tl.Append(timeline.ControlEvent(100, 0, timeline.CCSustain, 100))
			tl.Append(timeline.NoteOffEvent(tc.off, tc.channel, 60, 0))
			tl.Append(timeline.ControlEvent(500, 0, timeline.CCSustain, 10))
			tl.LengthTicks = 1000
			res := mustResolve(t, tl)
			if got := res.Notes[0].ReleaseTick; got != tc.want {
				t.Fatalf("release = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRetriggerClosesPreviousNote(t *testing.T) {
	tl := timeline.New(96)
	tl.Append(timeline.NoteOnEvent(0, 0, 60, 80))
	tl.Append(timeline.NoteOnEvent(10, 0, 60, 90))
	tl.Append(timeline.NoteOnEvent(20, 0, 60, 0))
	tl.Append(timeline.NoteOffEvent(30, 0, 60, 0)) // unmatched, ignored
	res := mustResolve(t, tl)
	if len(res.Notes) != 2 {
		t.Fatalf("notes = %+v", res.Notes)
	}
	if res.Notes[0].OffTick != 10 || res.Notes[1].OnTick != 10 || res.Notes[1].OffTick != 20 {
		t.Fatalf("unexpected pairing %+v", res.Notes)
	}
	if res.Notes[1].Velocity != 90 {
		t.Fatalf("velocity = %d", res.Notes[1].Velocity)
	}
}

func TestTailClamp(t *testing.T) {
	tl := timeline.New(96)
	tl.Append(timeline.NoteOnEvent(10, 2, 40, 70))
	tl.Append(timeline.ControlEvent(20, 2, timeline.CCSustain, 127))
	tl.Append(timeline.Event{Tick: 300, Kind: timeline.EndOfTrack})
	res := mustResolve(t, tl)
	if n := res.Notes[0]; n.OffTick != 300 || n.ReleaseTick != 300 {
		t.Fatalf("tail clamp: %+v", n)
	}
	if len(res.Sustain) != 1 || res.Sustain[0].EndTick != 300 {
		t.Fatalf("open pedal not closed at final tick: %+v", res.Sustain)
	}
	if res.EndTick != 300 || res.EndMicros != tl.TicksToMicros(300) {
		t.Fatalf("end = %d/%d", res.EndTick, res.EndMicros)
	}
}

func TestUnsortedInputAndOrdering(t *testing.T) {
	tl := timeline.New(480)
	tl.SetTempo(480, 250000)
	tl.Events = append(tl.Events,
		timeline.NoteOnEvent(960, 0, 64, 50),
		timeline.NoteOnEvent(0, 0, 60, 60),
		timeline.NoteOnEvent(0, 1, 67, 70),
		timeline.NoteOffEvent(1200, 0, 64, 0),
		timeline.NoteOffEvent(480, 0, 60, 0),
		timeline.NoteOffEvent(480, 1, 67, 0),
	)
	res := mustResolve(t, tl)
	keys := []uint8{res.Notes[0].Key, res.Notes[1].Key, res.Notes[2].Key}
	if !reflect.DeepEqual(keys, []uint8{60, 67, 64}) {
		t.Fatalf("order = %v", keys)
	}
	if got := res.Notes[2].OnMicros; got != 500000+250000 {
		t.Fatalf("on micros across tempo change = %d", got)
	}
	for _, n := range res.Notes {
		if n.ReleaseMicros < n.OnMicros || n.OffTick < n.OnTick {
			t.Fatalf("invariant broken: %+v", n)
		}
		if n.OnMicros != tl.TicksToMicros(n.OnTick) || n.ReleaseMicros != tl.TicksToMicros(n.ReleaseTick) {
			t.Fatalf("walker disagrees with direct conversion: %+v", n)
		}
	}
}

func TestDeterministic(t *testing.T) {
	tl := timeline.New(960)
	tl.SetTempo(1000, 400001)
	for i := int64(0); i < 200; i++ {
		tl.Append(timeline.NoteOnEvent(i*37, uint8(i%3), uint8(40+i%20), uint8(1+i%100)))
		if i%7 == 0 {
			tl.Append(timeline.ControlEvent(i*37+5, uint8(i%3), timeline.CCSustain, uint8(127*(i%2))))
		}
		tl.Append(timeline.NoteOffEvent(i*37+90, uint8(i%3), uint8(40+i%20), 0))
	}
	a := mustResolve(t, tl)
	b := mustResolve(t, tl.Clone())
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("resolver is not deterministic")
	}
}

func TestActiveAt(t *testing.T) {
	ns := []Note{
		{Key: 1, OnMicros: 0, ReleaseMicros: 100},
		{Key: 2, OnMicros: 50, ReleaseMicros: 60},
		{Key: 3, OnMicros: 200, ReleaseMicros: 300},
	}
	got := ActiveAt(ns, 55)
	if len(got) != 2 || got[0].Key != 1 || got[1].Key != 2 {
		t.Fatalf("active = %+v", got)
	}
	if got := ActiveAt(ns, 100); len(got) != 0 {
		t.Fatalf("release is exclusive, got %+v", got)
	}
}

func TestMalformedTimeline(t *testing.T) {
	tl := timeline.New(0)
	if _, err := Resolve(tl); !faults.Is(err, faults.MalformedInput) {
		t.Fatalf("expected MalformedInput, got %v", err)
	}
}
