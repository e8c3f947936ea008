// Package timeline holds the tick-stamped event sequence shared by recording,
// replay and export, and its Standard MIDI File representation.
package timeline

import (
	"sort"

	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/timebase"
)

// DefaultResolution is the ticks-per-quarter used for new recordings.
const DefaultResolution = 960

// PercussionChannel is the zero-based General MIDI drum channel.
const PercussionChannel uint8 = 9

// Controller numbers the engine cares about.
const (
	CCBankSelectMSB uint8 = 0
	CCBankSelectLSB uint8 = 32
	CCSustain       uint8 = 64
	CCReverb        uint8 = 91
	CCChorus        uint8 = 93
	CCAllSoundOff   uint8 = 120
	CCAllNotesOff   uint8 = 123
)

// Meta text types written by the recorder.
const (
	TextGeneric   uint8 = 0x01
	TextTrackName uint8 = 0x03
)

// Kind identifies an event type.
type Kind int

const (
	NoteOn Kind = iota
	NoteOff
	ControlChange
	ProgramChange
	Tempo
	EndOfTrack
	Text
)

func (k Kind) String() string {
	switch k {
	case NoteOn:
		return "NoteOn"
	case NoteOff:
		return "NoteOff"
	case ControlChange:
		return "ControlChange"
	case ProgramChange:
		return "ProgramChange"
	case Tempo:
		return "Tempo"
	case EndOfTrack:
		return "EndOfTrack"
	case Text:
		return "Text"
	default:
		return "Unknown"
	}
}

// Event is one timeline entry. Data1/Data2 carry key and velocity for notes,
// controller and value for control changes, and the program number in Data1
// for program changes. Tempo events use MicrosPerQuarter, text events use
// TextType and Text.
type Event struct {
	Tick    int64
	Channel uint8
	Kind    Kind
	Data1   uint8
	Data2   uint8

	MicrosPerQuarter int64
	TextType         uint8
	Text             string
}

func (e Event) Key() uint8        { return e.Data1 }
func (e Event) Velocity() uint8   { return e.Data2 }
func (e Event) Controller() uint8 { return e.Data1 }
func (e Event) Value() uint8      { return e.Data2 }
func (e Event) Program() uint8    { return e.Data1 }

// IsNoteStart reports a NoteOn with non-zero velocity.
func (e Event) IsNoteStart() bool { return e.Kind == NoteOn && e.Data2 > 0 }

// IsNoteEnd reports a NoteOff or a NoteOn with zero velocity.
func (e Event) IsNoteEnd() bool {
	return e.Kind == NoteOff || (e.Kind == NoteOn && e.Data2 == 0)
}

// IsChannelEvent reports events that address a MIDI channel.
func (e Event) IsChannelEvent() bool {
	switch e.Kind {
	case NoteOn, NoteOff, ControlChange, ProgramChange:
		return true
	}
	return false
}

// NoteOnEvent and the helpers below build single events.
func NoteOnEvent(tick int64, channel, key, velocity uint8) Event {
	return Event{Tick: tick, Channel: channel, Kind: NoteOn, Data1: key, Data2: velocity}
}

func NoteOffEvent(tick int64, channel, key, velocity uint8) Event {
	return Event{Tick: tick, Channel: channel, Kind: NoteOff, Data1: key, Data2: velocity}
}

func ControlEvent(tick int64, channel, controller, value uint8) Event {
	return Event{Tick: tick, Channel: channel, Kind: ControlChange, Data1: controller, Data2: value}
}

func ProgramEvent(tick int64, channel, program uint8) Event {
	return Event{Tick: tick, Channel: channel, Kind: ProgramChange, Data1: program}
}

func TempoEvent(tick int64, microsPerQuarter int64) Event {
	return Event{Tick: tick, Kind: Tempo, MicrosPerQuarter: microsPerQuarter}
}

func TextEvent(tick int64, textType uint8, text string) Event {
	return Event{Tick: tick, Kind: Text, TextType: textType, Text: text}
}

// Timeline is a resolution, an event sequence in storage order, a tempo map
// and a length. Tempo is authoritative for timing; Tempo events in Events
// mirror it for clients that scan the sequence.
type Timeline struct {
	Resolution  int
	Events      []Event
	Tempo       timebase.TempoMap
	LengthTicks int64
}

// New returns an empty timeline at 120 BPM.
func New(resolution int) *Timeline {
	return &Timeline{Resolution: resolution, Tempo: timebase.NewTempoMap()}
}

// Validate reports invariant violations as MalformedInput.
func (t *Timeline) Validate() error {
	if t == nil {
		return faults.Malformed("nil timeline")
	}
	if t.Resolution <= 0 {
		return faults.Malformed("resolution must be positive, got %d", t.Resolution)
	}
	if t.LengthTicks < 0 {
		return faults.Malformed("negative length %d", t.LengthTicks)
	}
	for i, ev := range t.Events {
		if ev.Tick < 0 {
			return faults.Malformed("event %d at negative tick %d", i, ev.Tick)
		}
		if ev.IsChannelEvent() && (ev.Channel > 15 || ev.Data1 > 127 || ev.Data2 > 127) {
			return faults.Malformed("event %d (%s) out of range: ch=%d data=%d,%d", i, ev.Kind, ev.Channel, ev.Data1, ev.Data2)
		}
		if ev.Kind == Tempo && ev.MicrosPerQuarter <= 0 {
			return faults.Malformed("event %d has tempo %d", i, ev.MicrosPerQuarter)
		}
	}
	return nil
}

// Append adds an event in storage order.
func (t *Timeline) Append(ev Event) {
	t.Events = append(t.Events, ev)
	if ev.Tick > t.LengthTicks && ev.Kind != Text {
		t.LengthTicks = ev.Tick
	}
}

// SetTempo records a tempo change both in the map and as an event.
func (t *Timeline) SetTempo(tick int64, microsPerQuarter int64) {
	t.Tempo.Set(tick, microsPerQuarter)
	t.Append(TempoEvent(tick, microsPerQuarter))
}

// LastTick is the largest of LengthTicks and every event tick.
func (t *Timeline) LastTick() int64 {
	last := t.LengthTicks
	for _, ev := range t.Events {
		if ev.Tick > last {
			last = ev.Tick
		}
	}
	return last
}

// LengthMicros is the duration of the timeline.
func (t *Timeline) LengthMicros() int64 {
	return timebase.TicksToMicros(t.Tempo, t.Resolution, t.LastTick())
}

// TicksToMicros converts using this timeline's tempo map and resolution.
func (t *Timeline) TicksToMicros(tick int64) int64 {
	return timebase.TicksToMicros(t.Tempo, t.Resolution, tick)
}

// MicrosToTicks converts using this timeline's tempo map and resolution.
func (t *Timeline) MicrosToTicks(micros int64) int64 {
	return timebase.MicrosToTicks(t.Tempo, t.Resolution, micros)
}

// Sorted returns the events ordered by tick, stable on storage order.
func (t *Timeline) Sorted() []Event {
	out := make([]Event, len(t.Events))
	copy(out, t.Events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out
}

// UsedChannels returns the channels addressed by any channel event, ascending.
func (t *Timeline) UsedChannels() []uint8 {
	var seen [16]bool
	for _, ev := range t.Events {
		if ev.IsChannelEvent() && ev.Channel < 16 {
			seen[ev.Channel] = true
		}
	}
	var out []uint8
	for ch, ok := range seen {
		if ok {
			out = append(out, uint8(ch))
		}
	}
	return out
}

// Clone returns a deep copy.
func (t *Timeline) Clone() *Timeline {
	out := &Timeline{
		Resolution:  t.Resolution,
		Events:      make([]Event, len(t.Events)),
		Tempo:       t.Tempo.Clone(),
		LengthTicks: t.LengthTicks,
	}
	copy(out.Events, t.Events)
	return out
}
