// Package notes derives paired notes with pedal-resolved release times from
// a timeline. Replay and export both read timing from here, so the result
// must be a pure function of the timeline.
package notes

import (
	"sort"

	"github.com/cbegin/pianoreel/internal/timebase"
	"github.com/cbegin/pianoreel/internal/timeline"
)

// Note is one sounding note. OffTick is the raw release from the key;
// ReleaseTick and ReleaseMicros include sustain pedal extension.
type Note struct {
	Channel  uint8
	Key      uint8
	Velocity uint8

	OnTick      int64
	OffTick     int64
	ReleaseTick int64

	OnMicros      int64
	ReleaseMicros int64
}

// DurationMicros is the audible length including pedal extension.
func (n Note) DurationMicros() int64 { return n.ReleaseMicros - n.OnMicros }

// SustainInterval is a pedal press on one channel, [StartTick, EndTick).
type SustainInterval struct {
	Channel   uint8
	StartTick int64
	EndTick   int64
}

// Contains reports start <= tick < end.
func (s SustainInterval) Contains(tick int64) bool {
	return s.StartTick <= tick && tick < s.EndTick
}

type Result struct {
	Notes   []Note // ordered by OnMicros, stable on tick and insertion order
	Sustain []SustainInterval
	// EndTick is the timeline's last tick; EndMicros is its time.
	EndTick   int64
	EndMicros int64
}

type tagged struct {
	ev  timeline.Event
	seq int
}

type noteKey struct{ ch, key uint8 }

// Resolve pairs notes strictly by (channel, key). A NoteOn for a key that is
// already sounding closes the previous note at the new onset. Notes and pedal
// presses left open are closed at the timeline's last tick.
func Resolve(tl *timeline.Timeline) (*Result, error) {
	if err := tl.Validate(); err != nil {
		return nil, err
	}
	final := tl.LastTick()

	var events []tagged
	for i, ev := range tl.Events {
		if ev.IsNoteStart() || ev.IsNoteEnd() || (ev.Kind == timeline.ControlChange && ev.Controller() == timeline.CCSustain) {
			events = append(events, tagged{ev: ev, seq: i})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].ev.Tick != events[j].ev.Tick {
			return events[i].ev.Tick < events[j].ev.Tick
		}
		return events[i].seq < events[j].seq
	})

	var (
		out       []Note
		active    = make(map[noteKey]int)
		pedalDown [16]bool
		pedalFrom [16]int64
		intervals [16][]SustainInterval
	)
	closeNote := func(k noteKey, tick int64) {
		if idx, ok := active[k]; ok {
			out[idx].OffTick = tick
			delete(active, k)
		}
	}
	closePedal := func(ch uint8, tick int64) {
		pedalDown[ch] = false
		if tick > pedalFrom[ch] {
			intervals[ch] = append(intervals[ch], SustainInterval{Channel: ch, StartTick: pedalFrom[ch], EndTick: tick})
		}
	}

	for _, t := range events {
		ev := t.ev
		switch {
		case ev.IsNoteStart():
			k := noteKey{ev.Channel, ev.Key()}
			closeNote(k, ev.Tick)
			active[k] = len(out)
			out = append(out, Note{Channel: ev.Channel, Key: ev.Key(), Velocity: ev.Velocity(), OnTick: ev.Tick, OffTick: final})
		case ev.IsNoteEnd():
			closeNote(noteKey{ev.Channel, ev.Key()}, ev.Tick)
		default:
			down := ev.Value() >= 64
			switch {
			case down && !pedalDown[ev.Channel]:
				pedalDown[ev.Channel] = true
				pedalFrom[ev.Channel] = ev.Tick
			case !down && pedalDown[ev.Channel]:
				closePedal(ev.Channel, ev.Tick)
			}
		}
	}
	// Tail clamp. Open notes already carry OffTick = final.
	for ch := range pedalDown {
		if pedalDown[ch] {
			closePedal(uint8(ch), final)
		}
	}

	res := &Result{EndTick: final}
	for ch := range intervals {
		res.Sustain = append(res.Sustain, intervals[ch]...)
	}
	for i := range out {
		out[i].ReleaseTick = releaseTick(intervals[out[i].Channel], out[i].OffTick)
	}

	convert(tl, out, res)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OnMicros < out[j].OnMicros })
	res.Notes = out
	return res, nil
}

// releaseTick applies the sustain law: an off inside [start, end) releases
// at max(off, end); outside every interval it releases at off.
func releaseTick(intervals []SustainInterval, off int64) int64 {
	i := sort.Search(len(intervals), func(i int) bool { return intervals[i].EndTick > off })
	if i < len(intervals) && intervals[i].Contains(off) {
		return max(off, intervals[i].EndTick)
	}
	return off
}

// convert fills OnMicros, ReleaseMicros and EndMicros with one forward walk
// over the tempo map.
func convert(tl *timeline.Timeline, out []Note, res *Result) {
	type slot struct {
		tick int64
		dst  *int64
	}
	slots := make([]slot, 0, 2*len(out)+1)
	for i := range out {
		slots = append(slots, slot{out[i].OnTick, &out[i].OnMicros}, slot{out[i].ReleaseTick, &out[i].ReleaseMicros})
	}
	slots = append(slots, slot{res.EndTick, &res.EndMicros})
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].tick < slots[j].tick })

	w := timebase.NewWalker(tl.Tempo, tl.Resolution)
	for _, s := range slots {
		*s.dst = w.Micros(s.tick)
	}
}

// ActiveAt returns the notes sounding at micros: OnMicros <= micros < ReleaseMicros.
func ActiveAt(ns []Note, micros int64) []Note {
	var out []Note
	for _, n := range ns {
		if n.OnMicros > micros {
			break
		}
		if micros < n.ReleaseMicros {
			out = append(out, n)
		}
	}
	return out
}
