package synth

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sinshu/go-meltysynth/meltysynth"
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/timeline"
)

// SoundFont renders with a parsed SF2 bank. The bank is shared read-only by
// every stream opened from it.
type SoundFont struct {
	name string
	sf   *meltysynth.SoundFont
}

// LoadSoundFont parses the SF2 file at path. A missing or unreadable file is
// ResourceUnavailable.
func LoadSoundFont(path string) (*SoundFont, error) {
	if path == "" {
		return nil, faults.Unavailable(nil, "no soundfont configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Unavailable(err, "read soundfont")
	}
	sf, err := meltysynth.NewSoundFont(bytes.NewReader(data))
	if err != nil {
		return nil, faults.Unavailable(err, "parse soundfont "+filepath.Base(path))
	}
	return &SoundFont{name: filepath.Base(path), sf: sf}, nil
}

func (s *SoundFont) Name() string { return s.name }

func (s *SoundFont) Open(f Format) (Stream, error) {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultSampleRate
	}
	settings := meltysynth.NewSynthesizerSettings(int32(f.SampleRate))
	sy, err := meltysynth.NewSynthesizer(s.sf, settings)
	if err != nil {
		return nil, faults.Unavailable(err, "create synthesizer")
	}
	return &soundFontStream{synth: sy}, nil
}

type soundFontStream struct {
	mu     sync.Mutex
	synth  *meltysynth.Synthesizer
	closed bool
}

func (s *soundFontStream) Send(msg midi.Message) error {
	if len(msg) == 0 || msg[0] < 0x80 || msg[0] >= 0xF0 {
		return nil
	}
	var d1, d2 int32
	if len(msg) > 1 {
		d1 = int32(msg[1])
	}
	if len(msg) > 2 {
		d2 = int32(msg[2])
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("synth: stream closed")
	}
	s.synth.ProcessMidiMessage(int32(msg[0]&0x0F), int32(msg[0]&0xF0), d1, d2)
	return nil
}

func (s *soundFontStream) LoadPatch(channel uint8, p patch.Program) error {
	ch := channel & 0x0F
	for _, msg := range []midi.Message{
		midi.ControlChange(ch, timeline.CCBankSelectMSB, p.BankMSB),
		midi.ControlChange(ch, timeline.CCBankSelectLSB, p.BankLSB),
		midi.ProgramChange(ch, p.Program),
	} {
		if err := s.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *soundFontStream) Render(left, right []float32) {
	n := min(len(left), len(right))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		clear(left[:n])
		clear(right[:n])
		return
	}
	s.synth.Render(left[:n], right[:n])
}

func (s *soundFontStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.synth.NoteOffAll(true)
		s.closed = true
	}
	return nil
}
