package timeline

import (
	"bufio"
	"io"
	"os"
	"sort"

	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/timebase"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

const (
	metaText      = 0x01
	metaTrackName = 0x03
	metaEOT       = 0x2F
	metaTempo     = 0x51

	maxDelta      = 0x0FFFFFFF
	maxResolution = 0x7FFF
)

// Encode writes t as a single-track Standard MIDI File. Tempo comes from
// t.Tempo (written before other events at the same tick); EndOfTrack is
// written once at LastTick.
func Encode(w io.Writer, t *Timeline) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Resolution > maxResolution {
		return faults.Malformed("resolution %d does not fit a metric time division", t.Resolution)
	}

	var events []Event
	for _, bp := range t.Tempo.Points() {
		events = append(events, TempoEvent(bp.Tick, bp.MicrosPerQuarter))
	}
	for _, ev := range t.Events {
		if ev.Kind == Tempo || ev.Kind == EndOfTrack {
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Tick < events[j].Tick })

	var track smf.Track
	var last int64
	for _, ev := range events {
		delta := ev.Tick - last
		if delta > maxDelta {
			return faults.Malformed("gap of %d ticks at tick %d exceeds the file format limit", delta, ev.Tick)
		}
		track.Add(uint32(delta), toMessage(ev))
		last = ev.Tick
	}
	end := t.LastTick() - last
	if end < 0 {
		end = 0
	}
	track.Close(uint32(end))

	file := smf.New()
	file.TimeFormat = smf.MetricTicks(uint16(t.Resolution))
	if err := file.Add(track); err != nil {
		return faults.Wrap(err, "add track")
	}
	if _, err := file.WriteTo(w); err != nil {
		return faults.Wrap(err, "write midi file")
	}
	return nil
}

// WriteFile encodes t to path. A failure to create the file is returned as
// is; a failure while writing removes the partial file.
func WriteFile(path string, t *Timeline) error {
	f, err := os.Create(path)
	if err != nil {
		return faults.Wrap(err, "create "+path)
	}
	bw := bufio.NewWriter(f)
	err = Encode(bw, t)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

// Decode reads a format 0 or format 1 file. Tracks are merged into one
// sequence ordered by tick and, for equal ticks, by track then file order.
func Decode(r io.Reader) (*Timeline, error) {
	file, err := smf.ReadFrom(r)
	if err != nil {
		return nil, faults.Malformed("read midi file: %v", err)
	}
	ticks, ok := file.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, faults.Malformed("unsupported time format %v", file.TimeFormat)
	}
	t := &Timeline{Resolution: int(ticks.Resolution()), Tempo: timebase.NewTempoMap()}
	if t.Resolution <= 0 {
		return nil, faults.Malformed("resolution must be positive, got %d", t.Resolution)
	}

	var length int64
	for _, track := range file.Tracks {
		var abs int64
		for _, e := range track {
			abs += int64(e.Delta)
			if ev, ok := fromMessage(abs, e.Message); ok {
				t.Events = append(t.Events, ev)
			}
		}
		if abs > length {
			length = abs
		}
	}
	sort.SliceStable(t.Events, func(i, j int) bool { return t.Events[i].Tick < t.Events[j].Tick })
	for _, ev := range t.Events {
		if ev.Kind == Tempo {
			t.Tempo.Set(ev.Tick, ev.MicrosPerQuarter)
		}
	}
	t.LengthTicks = length
	t.Events = append(t.Events, Event{Tick: length, Kind: EndOfTrack})
	return t, nil
}

// ReadFile decodes the file at path.
func ReadFile(path string) (*Timeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, faults.Wrap(err, "open "+path)
	}
	defer f.Close()
	return Decode(bufio.NewReader(f))
}

func toMessage(ev Event) []byte {
	switch ev.Kind {
	case NoteOn:
		return midi.NoteOn(ev.Channel, ev.Data1, ev.Data2)
	case NoteOff:
		return midi.NoteOffVelocity(ev.Channel, ev.Data1, ev.Data2)
	case ControlChange:
		return midi.ControlChange(ev.Channel, ev.Data1, ev.Data2)
	case ProgramChange:
		return midi.ProgramChange(ev.Channel, ev.Data1)
	case Tempo:
		mpq := ev.MicrosPerQuarter
		if mpq > 0xFFFFFF {
			mpq = 0xFFFFFF
		}
		return []byte{0xFF, metaTempo, 0x03, byte(mpq >> 16), byte(mpq >> 8), byte(mpq)}
	case Text:
		switch ev.TextType {
		case metaTrackName:
			return smf.MetaTrackSequenceName(ev.Text)
		case metaText, 0:
			return smf.MetaText(ev.Text)
		default:
			return metaMessage(ev.TextType, []byte(ev.Text))
		}
	}
	return nil
}

// fromMessage keeps the event kinds the engine models and drops the rest
// (sysex, pitch bend, aftertouch, other metas). Status bytes are decoded
// directly so that a NoteOn with velocity 0 stays a NoteOn.
func fromMessage(tick int64, msg smf.Message) (Event, bool) {
	raw := []byte(msg)
	if len(raw) == 0 {
		return Event{}, false
	}
	if raw[0] == 0xFF {
		return fromMeta(tick, raw)
	}
	status := raw[0] & 0xF0
	ch := raw[0] & 0x0F
	switch {
	case status == 0x90 && len(raw) >= 3:
		return NoteOnEvent(tick, ch, raw[1], raw[2]), true
	case status == 0x80 && len(raw) >= 3:
		return NoteOffEvent(tick, ch, raw[1], raw[2]), true
	case status == 0xB0 && len(raw) >= 3:
		return ControlEvent(tick, ch, raw[1], raw[2]), true
	case status == 0xC0 && len(raw) >= 2:
		return ProgramEvent(tick, ch, raw[1]), true
	}
	return Event{}, false
}

func fromMeta(tick int64, raw []byte) (Event, bool) {
	if len(raw) < 2 {
		return Event{}, false
	}
	typ := raw[1]
	data, ok := metaPayload(raw[2:])
	if !ok {
		return Event{}, false
	}
	switch {
	case typ == metaTempo && len(data) == 3:
		mpq := int64(data[0])<<16 | int64(data[1])<<8 | int64(data[2])
		if mpq == 0 {
			return Event{}, false
		}
		return TempoEvent(tick, mpq), true
	case typ >= 0x01 && typ <= 0x0F:
		return TextEvent(tick, typ, string(data)), true
	}
	return Event{}, false
}

func metaPayload(b []byte) ([]byte, bool) {
	var n, i int
	for ; i < len(b) && i < 4; i++ {
		n = n<<7 | int(b[i]&0x7F)
		if b[i]&0x80 == 0 {
			i++
			break
		}
	}
	if i+n > len(b) {
		return nil, false
	}
	return b[i : i+n], true
}

func metaMessage(typ byte, data []byte) []byte {
	out := []byte{0xFF, typ}
	out = append(out, varLen(uint32(len(data)))...)
	return append(out, data...)
}

func varLen(v uint32) []byte {
	buf := []byte{byte(v & 0x7F)}
	for v >>= 7; v > 0; v >>= 7 {
		buf = append([]byte{byte(v&0x7F) | 0x80}, buf...)
	}
	return buf
}
