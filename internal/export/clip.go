package export

import (
	"sort"

	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/timeline"
)

// Range is a window of sequence time, [Start, End) in microseconds.
type Range struct {
	Start int64
	End   int64
}

// Clip returns the events of tl inside r, shifted to start at tick 0.
//
// The tempo in effect at the window start becomes the tick-0 tempo. The
// latest program and controller values set before the window are re-emitted
// at tick 0. Notes sounding at the window end get a NoteOff there; notes
// that started before the window are dropped.
func Clip(tl *timeline.Timeline, r Range) (*timeline.Timeline, error) {
	if err := tl.Validate(); err != nil {
		return nil, err
	}
	if r.Start < 0 {
		r.Start = 0
	}
	if r.End <= r.Start {
		return nil, faults.Malformed("empty clip range [%d, %d)", r.Start, r.End)
	}
	startTick := tl.MicrosToTicks(r.Start)
	endTick := tl.MicrosToTicks(r.End)
	if endTick <= startTick {
		endTick = startTick + 1
	}

	out := timeline.New(tl.Resolution)
	out.Tempo.Set(0, tl.Tempo.At(startTick))
	out.Append(timeline.TempoEvent(0, tl.Tempo.At(startTick)))

	type ctlKey struct{ ch, num uint8 }
	var (
		sorted   = tl.Sorted()
		programs = map[uint8]uint8{}
		controls = map[ctlKey]uint8{}
		texts    []timeline.Event
		i        int
	)
	for ; i < len(sorted) && sorted[i].Tick < startTick; i++ {
		ev := sorted[i]
		switch ev.Kind {
		case timeline.ProgramChange:
			programs[ev.Channel] = ev.Program()
		case timeline.ControlChange:
			controls[ctlKey{ev.Channel, ev.Controller()}] = ev.Value()
		case timeline.Text:
			ev.Tick = 0
			texts = append(texts, ev)
		}
	}
	for _, ev := range texts {
		out.Append(ev)
	}
	for ch := uint8(0); ch < 16; ch++ {
		if p, ok := programs[ch]; ok {
			out.Append(timeline.ProgramEvent(0, ch, p))
		}
	}
	keys := make([]ctlKey, 0, len(controls))
	for k := range controls {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].ch != keys[b].ch {
			return keys[a].ch < keys[b].ch
		}
		return keys[a].num < keys[b].num
	})
	for _, k := range keys {
		out.Append(timeline.ControlEvent(0, k.ch, k.num, controls[k]))
	}

	type noteKey struct{ ch, key uint8 }
	sounding := map[noteKey]bool{}
	var order []noteKey
	for ; i < len(sorted) && sorted[i].Tick < endTick; i++ {
		ev := sorted[i]
		ev.Tick -= startTick
		switch {
		case ev.Kind == timeline.EndOfTrack:
			continue
		case ev.Kind == timeline.Tempo:
			out.SetTempo(ev.Tick, ev.MicrosPerQuarter)
			continue
		case ev.IsNoteStart():
			k := noteKey{ev.Channel, ev.Key()}
			if !sounding[k] {
				order = append(order, k)
			}
			sounding[k] = true
		case ev.IsNoteEnd():
			k := noteKey{ev.Channel, ev.Key()}
			if !sounding[k] {
				continue
			}
			sounding[k] = false
		}
		out.Append(ev)
	}

	length := endTick - startTick
	for _, k := range order {
		if sounding[k] {
			out.Append(timeline.NoteOffEvent(length, k.ch, k.key, 0))
		}
	}
	out.LengthTicks = length
	out.Append(timeline.Event{Tick: length, Kind: timeline.EndOfTrack})
	return out, nil
}

// InjectPatch returns a copy of tl that starts with bank select, program
// change, reverb and chorus on every used channel except percussion.
func InjectPatch(tl *timeline.Timeline, p patch.Program, reverb patch.ReverbPreset) *timeline.Timeline {
	out := tl.Clone()
	var head []timeline.Event
	for _, ch := range tl.UsedChannels() {
		if ch == timeline.PercussionChannel {
			continue
		}
		head = append(head,
			timeline.ControlEvent(0, ch, timeline.CCBankSelectMSB, p.BankMSB),
			timeline.ControlEvent(0, ch, timeline.CCBankSelectLSB, p.BankLSB),
			timeline.ProgramEvent(0, ch, p.Program),
			timeline.ControlEvent(0, ch, timeline.CCReverb, reverb.Reverb()),
			timeline.ControlEvent(0, ch, timeline.CCChorus, reverb.Chorus()),
		)
	}
	out.Events = append(head, out.Events...)
	return out
}
