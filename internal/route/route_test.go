package route

import (
	"bytes"
	"errors"
	"testing"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/timeline"
)

func TestTransposeBounds(t *testing.T) {
	for off := -24; off <= 24; off++ {
		stage := Transpose(off)
		for key := 0; key <= 127; key++ {
			out := stage(midi.NoteOn(3, uint8(key), 64))
			want := min(max(key+off, 0), 127)
			if int(out[1]) != want {
				t.Fatalf("offset %d key %d -> %d, want %d", off, key, out[1], want)
			}
			drum := stage(midi.NoteOn(timeline.PercussionChannel, uint8(key), 64))
			if int(drum[1]) != key {
				t.Fatalf("percussion transposed: offset %d key %d -> %d", off, key, drum[1])
			}
		}
	}
}

func TestTransposeKeyAgreesWithStage(t *testing.T) {
	tests := []struct {
		ch, key   uint8
		semitones int
		want      uint8
	}{
		{0, 60, 12, 72},
		{0, 120, 12, 127},
		{5, 5, -12, 0},
		{timeline.PercussionChannel, 60, 12, 60},
	}
	for _, tt := range tests {
		got := TransposeKey(tt.ch, tt.key, tt.semitones)
		if got != tt.want {
			t.Errorf("TransposeKey(%d, %d, %d) = %d, want %d", tt.ch, tt.key, tt.semitones, got, tt.want)
		}
		if msg := Transpose(tt.semitones)(midi.NoteOn(tt.ch, tt.key, 64)); msg[1] != got {
			t.Errorf("stage moved key %d to %d, helper to %d", tt.key, msg[1], got)
		}
	}
}

func TestTransposeLeavesOtherMessages(t *testing.T) {
	in := midi.ControlChange(0, 64, 127)
	if out := Transpose(5)(in); !bytes.Equal(out, in) {
		t.Fatalf("control change modified: %v", out)
	}
	off := Transpose(-2)(midi.NoteOff(1, 60))
	if off[1] != 58 {
		t.Fatalf("note off not transposed: %v", off)
	}
}

func TestStagesDoNotMutateInput(t *testing.T) {
	in := midi.NoteOn(0, 60, 40)
	Chain(Transpose(12), Velocity(patch.Soft))(in)
	if in[1] != 60 || in[2] != 40 {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestVelocityOnlyTouchesNoteOn(t *testing.T) {
	v := Velocity(patch.Hard)
	if out := v(midi.NoteOn(0, 60, 40)); out[2] != patch.Hard.Map(40) {
		t.Fatalf("velocity = %d", out[2])
	}
	if out := v(midi.NoteOn(0, 60, 0)); out[2] != 0 {
		t.Fatalf("zero velocity remapped to %d", out[2])
	}
	in := midi.NoteOffVelocity(0, 60, 40)
	if out := v(in); !bytes.Equal(out, in) {
		t.Fatalf("note off remapped: %v", out)
	}
}

func TestTeeDeliversIdenticalMessages(t *testing.T) {
	var audio, visual []midi.Message
	boom := errors.New("boom")
	sink := Through(Chain(Transpose(2), Velocity(patch.Soft)), Tee(
		func(m midi.Message) error { audio = append(audio, m); return boom },
		func(m midi.Message) error { visual = append(visual, m); return nil },
	))
	err := sink(midi.NoteOn(0, 60, 30))
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(audio) != 1 || len(visual) != 1 || !bytes.Equal(audio[0], visual[0]) {
		t.Fatalf("sinks disagree: %v vs %v", audio, visual)
	}
	if audio[0][1] != 62 || audio[0][2] != patch.Soft.Map(30) {
		t.Fatalf("unexpected routed message %v", audio[0])
	}
}

func TestDecodeAndFromEvent(t *testing.T) {
	d, ok := Decode(FromEvent(timeline.NoteOnEvent(0, 5, 61, 0)))
	if !ok || d.Kind != timeline.NoteOff || d.Channel != 5 || d.Data1 != 61 {
		t.Fatalf("decoded %+v", d)
	}
	d, ok = Decode(FromEvent(timeline.ProgramEvent(0, 2, 19)))
	if !ok || d.Kind != timeline.ProgramChange || d.Data1 != 19 {
		t.Fatalf("decoded %+v", d)
	}
	if FromEvent(timeline.TempoEvent(0, 1)) != nil {
		t.Fatalf("tempo should not map to a channel message")
	}
	if len(Silence()) != 32 {
		t.Fatalf("silence should cover 16 channels twice")
	}
}
