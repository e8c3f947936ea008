// Package visual is the falling-note surface. Every method of a Surface must
// be called on the presentation thread (see package present).
package visual

import (
	"image"

	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	"github.com/cbegin/pianoreel/internal/notes"
	"github.com/cbegin/pianoreel/internal/present"
	"github.com/cbegin/pianoreel/internal/route"
	"github.com/cbegin/pianoreel/internal/timeline"
)

// Surface receives scheduled visuals and live key state and renders frames.
type Surface interface {
	// SpawnVisual starts a falling note that reaches the keyboard at n.OnMicros.
	SpawnVisual(n notes.Note)
	// KeyDownUntil holds a key pressed until the given sequence time.
	KeyDownUntil(channel, key uint8, untilMicros int64)
	NoteOn(channel, key, velocity uint8)
	NoteOff(channel, key uint8)
	AllNotesOff(channel uint8)
	Reset()
	// CaptureFrame renders the surface at atMicros. The returned image is
	// owned by the surface and valid until the next call.
	CaptureFrame(atMicros int64) (*image.RGBA, error)
}

// Sink returns a route.Sink that replays live key messages on surface by
// posting to loop. Messages are dropped, never blocked on, when the loop
// queue is full.
func Sink(loop *present.Loop, surface Surface, log *zap.Logger) route.Sink {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("visual")
	return func(msg midi.Message) error {
		d, ok := route.Decode(msg)
		if !ok {
			return nil
		}
		var fn func()
		switch {
		case d.Kind == timeline.NoteOn:
			fn = func() { surface.NoteOn(d.Channel, d.Data1, d.Data2) }
		case d.Kind == timeline.NoteOff:
			fn = func() { surface.NoteOff(d.Channel, d.Data1) }
		case d.Kind == timeline.ControlChange && (d.Data1 == timeline.CCAllNotesOff || d.Data1 == timeline.CCAllSoundOff):
			fn = func() { surface.AllNotesOff(d.Channel) }
		default:
			return nil
		}
		if !loop.Post(fn) {
			log.Debug("visual queue full, dropping message", zap.Stringer("kind", d.Kind))
		}
		return nil
	}
}
