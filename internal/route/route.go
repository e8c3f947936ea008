// Package route composes the outgoing message path: pure transform stages
// applied in a fixed order, then fan-out to sinks.
package route

import (
	"errors"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/timeline"
)

// Stage transforms one message. Stages never mutate their input.
type Stage func(midi.Message) midi.Message

// Sink consumes a message. It has the shape of the function returned by
// midi.SendTo, so an output port can be used directly.
type Sink func(midi.Message) error

const (
	statusNoteOff   = 0x80
	statusNoteOn    = 0x90
	statusPolyTouch = 0xA0
	statusControl   = 0xB0
	statusProgram   = 0xC0
	channelMask     = 0x0F
)

func status(msg midi.Message) (kind, ch uint8, ok bool) {
	if len(msg) == 0 || msg[0] < 0x80 || msg[0] >= 0xF0 {
		return 0, 0, false
	}
	return msg[0] & 0xF0, msg[0] & channelMask, true
}

// Transpose shifts note keys by semitones, clamping to 0..127. Messages on
// the percussion channel pass through unchanged.
func Transpose(semitones int) Stage {
	return func(msg midi.Message) midi.Message {
		kind, ch, ok := status(msg)
		if !ok || semitones == 0 || ch == timeline.PercussionChannel || len(msg) < 3 {
			return msg
		}
		switch kind {
		case statusNoteOn, statusNoteOff, statusPolyTouch:
		default:
			return msg
		}
		out := append(midi.Message(nil), msg...)
		out[1] = TransposeKey(ch, msg[1], semitones)
		return out
	}
}

// TransposeKey is the key mapping applied by Transpose, for callers that
// hold a key rather than a message.
func TransposeKey(channel, key uint8, semitones int) uint8 {
	if channel == timeline.PercussionChannel {
		return key
	}
	return uint8(clampKey(int(key) + semitones))
}

// Velocity remaps the velocity of sounding NoteOns through curve. NoteOns
// with velocity 0 and all other messages are left alone.
func Velocity(curve patch.Curve) Stage {
	return func(msg midi.Message) midi.Message {
		kind, _, ok := status(msg)
		if !ok || kind != statusNoteOn || len(msg) < 3 || msg[2] == 0 || curve == patch.Linear {
			return msg
		}
		out := append(midi.Message(nil), msg...)
		out[2] = curve.Map(msg[2])
		return out
	}
}

// Chain applies stages left to right.
func Chain(stages ...Stage) Stage {
	return func(msg midi.Message) midi.Message {
		for _, s := range stages {
			if s != nil {
				msg = s(msg)
			}
		}
		return msg
	}
}

// Tee sends every message unchanged to each sink in order. A failing sink
// does not stop delivery to the others; errors are joined.
func Tee(sinks ...Sink) Sink {
	return func(msg midi.Message) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s(msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// Through returns a sink applying stage before sink.
func Through(stage Stage, sink Sink) Sink {
	return func(msg midi.Message) error {
		if stage != nil {
			msg = stage(msg)
		}
		return sink(msg)
	}
}

// Discard accepts and drops every message.
func Discard(midi.Message) error { return nil }

// Silence returns the all-notes-off and all-sound-off controllers for every
// channel, in channel order.
func Silence() []midi.Message {
	out := make([]midi.Message, 0, 32)
	for ch := uint8(0); ch < 16; ch++ {
		out = append(out,
			midi.ControlChange(ch, timeline.CCAllNotesOff, 0),
			midi.ControlChange(ch, timeline.CCAllSoundOff, 0))
	}
	return out
}

// FromEvent converts a channel event to a message. Other kinds return nil.
func FromEvent(ev timeline.Event) midi.Message {
	switch ev.Kind {
	case timeline.NoteOn:
		return midi.NoteOn(ev.Channel, ev.Key(), ev.Velocity())
	case timeline.NoteOff:
		return midi.NoteOffVelocity(ev.Channel, ev.Key(), ev.Velocity())
	case timeline.ControlChange:
		return midi.ControlChange(ev.Channel, ev.Controller(), ev.Value())
	case timeline.ProgramChange:
		return midi.ProgramChange(ev.Channel, ev.Program())
	}
	return nil
}

// Decoded is a channel message split into its parts.
type Decoded struct {
	Kind    timeline.Kind
	Channel uint8
	Data1   uint8
	Data2   uint8
}

// Decode reads a channel voice message the engine models. A NoteOn with
// velocity 0 is reported as NoteOff.
func Decode(msg midi.Message) (Decoded, bool) {
	kind, ch, ok := status(msg)
	if !ok {
		return Decoded{}, false
	}
	d := Decoded{Channel: ch}
	if len(msg) > 1 {
		d.Data1 = msg[1]
	}
	if len(msg) > 2 {
		d.Data2 = msg[2]
	}
	switch kind {
	case statusNoteOn:
		d.Kind = timeline.NoteOn
		if d.Data2 == 0 {
			d.Kind = timeline.NoteOff
		}
	case statusNoteOff:
		d.Kind = timeline.NoteOff
	case statusControl:
		d.Kind = timeline.ControlChange
	case statusProgram:
		d.Kind = timeline.ProgramChange
	default:
		return Decoded{}, false
	}
	return d, true
}

func clampKey(k int) int {
	return min(max(k, 0), 127)
}
