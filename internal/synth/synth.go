// Package synth defines the software synthesizer capability used for live
// output and offline rendering, with a SoundFont implementation and a stub
// that reports the capability as unavailable.
package synth

import (
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/patch"
)

// DefaultSampleRate is the rate of live output and rendered PCM.
const DefaultSampleRate = 44100

// Format describes the PCM a stream renders. Streams are always stereo.
type Format struct {
	SampleRate int
}

func DefaultFormat() Format { return Format{SampleRate: DefaultSampleRate} }

// Synthesizer opens independent render streams.
type Synthesizer interface {
	Name() string
	Open(f Format) (Stream, error)
}

// Stream is one synthesizer voice pool. Send and Render may be called from
// different goroutines.
type Stream interface {
	// Send applies a channel voice message.
	Send(msg midi.Message) error
	// LoadPatch selects bank and program on channel.
	LoadPatch(channel uint8, p patch.Program) error
	// Render fills left and right with the next len(left) frames.
	Render(left, right []float32)
	Close() error
}

// Unavailable is a Synthesizer that cannot be opened, used when no
// SoundFont is configured.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Name() string { return "unavailable" }

func (u Unavailable) Open(Format) (Stream, error) {
	reason := u.Reason
	if reason == "" {
		reason = "no software synthesizer configured"
	}
	return nil, faults.Unavailable(nil, reason)
}
