// Package timebase converts between tick positions and microseconds under a
// tempo map.
//
// All arithmetic is integer. Within one tempo segment the elapsed time of a
// tick is segmentStart + (tick-segmentTick)*microsPerQuarter/resolution,
// rounded toward zero, and segment starts are accumulated the same way. Every
// entry point in this package (TicksToMicros, MicrosToTicks, Walker) uses that
// one formula, so repeated or incremental queries never disagree.
package timebase

import "sort"

// DefaultMicrosPerQuarter is 120 BPM.
const DefaultMicrosPerQuarter int64 = 500000

// Breakpoint sets the tempo from Tick onward.
type Breakpoint struct {
	Tick             int64
	MicrosPerQuarter int64
}

// TempoMap is an ordered set of breakpoints, strictly increasing in tick.
// The zero value behaves as a single breakpoint (0, 500000).
type TempoMap struct {
	points []Breakpoint
}

// NewTempoMap returns a map holding only the default breakpoint.
func NewTempoMap() TempoMap {
	return TempoMap{points: []Breakpoint{{Tick: 0, MicrosPerQuarter: DefaultMicrosPerQuarter}}}
}

// NewTempoMapAt returns a map whose tempo is microsPerQuarter from tick 0.
func NewTempoMapAt(microsPerQuarter int64) TempoMap {
	return TempoMap{points: []Breakpoint{{Tick: 0, MicrosPerQuarter: clampTempo(microsPerQuarter)}}}
}

// Set inserts or replaces the breakpoint at tick. A later write at the same
// tick wins. Negative ticks are stored at 0 and a non-positive tempo is
// clamped to 1.
func (m *TempoMap) Set(tick int64, microsPerQuarter int64) {
	if tick < 0 {
		tick = 0
	}
	bp := Breakpoint{Tick: tick, MicrosPerQuarter: clampTempo(microsPerQuarter)}
	i := sort.Search(len(m.points), func(i int) bool { return m.points[i].Tick >= tick })
	if i < len(m.points) && m.points[i].Tick == tick {
		m.points[i] = bp
		return
	}
	m.points = append(m.points, Breakpoint{})
	copy(m.points[i+1:], m.points[i:])
	m.points[i] = bp
}

// Points returns a copy of the breakpoints in tick order.
func (m TempoMap) Points() []Breakpoint {
	if len(m.points) == 0 {
		return []Breakpoint{{Tick: 0, MicrosPerQuarter: DefaultMicrosPerQuarter}}
	}
	out := make([]Breakpoint, len(m.points))
	copy(out, m.points)
	return out
}

// Len is the number of stored breakpoints.
func (m TempoMap) Len() int { return len(m.points) }

// Clone returns an independent copy.
func (m TempoMap) Clone() TempoMap {
	if m.points == nil {
		return TempoMap{}
	}
	return TempoMap{points: m.Points()}
}

// At returns the tempo in effect at tick. Ticks before the first breakpoint
// use the first breakpoint's tempo.
func (m TempoMap) At(tick int64) int64 {
	pts := m.view()
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Tick > tick })
	if i == 0 {
		return pts[0].MicrosPerQuarter
	}
	return pts[i-1].MicrosPerQuarter
}

func (m TempoMap) view() []Breakpoint {
	if len(m.points) == 0 {
		return defaultPoints
	}
	return m.points
}

var defaultPoints = []Breakpoint{{Tick: 0, MicrosPerQuarter: DefaultMicrosPerQuarter}}

// TicksToMicros returns the elapsed microseconds at tick. Zero or negative
// ticks map to 0.
func TicksToMicros(m TempoMap, resolution int, tick int64) int64 {
	if tick <= 0 {
		return 0
	}
	res := clampResolution(resolution)
	pts := m.view()
	var (
		segTick   int64
		segMicros int64
		tempo     = pts[0].MicrosPerQuarter
	)
	for _, bp := range pts[1:] {
		if bp.Tick >= tick {
			break
		}
		segMicros += (bp.Tick - segTick) * tempo / res
		segTick = bp.Tick
		tempo = bp.MicrosPerQuarter
	}
	return segMicros + (tick-segTick)*tempo/res
}

// MicrosToTicks is the approximate inverse of TicksToMicros. The result is
// within one tick of the original tick for any micros value produced by
// TicksToMicros.
func MicrosToTicks(m TempoMap, resolution int, micros int64) int64 {
	if micros <= 0 {
		return 0
	}
	res := clampResolution(resolution)
	pts := m.view()
	var (
		segTick   int64
		segMicros int64
		tempo     = pts[0].MicrosPerQuarter
	)
	for _, bp := range pts[1:] {
		if bp.Tick <= segTick {
			continue
		}
		next := segMicros + (bp.Tick-segTick)*tempo/res
		if next > micros {
			break
		}
		segMicros = next
		segTick = bp.Tick
		tempo = bp.MicrosPerQuarter
	}
	return segTick + (micros-segMicros)*res/tempo
}

// DeltaTicks converts a span of real time to ticks using a single tempo. Live
// capture uses it because future tempo changes are unknown while recording.
func DeltaTicks(microsPerQuarter int64, resolution int, deltaMicros int64) int64 {
	if deltaMicros <= 0 {
		return 0
	}
	return deltaMicros * clampResolution(resolution) / clampTempo(microsPerQuarter)
}

// BPM converts microseconds per quarter note to beats per minute.
func BPM(microsPerQuarter int64) float64 {
	return 60000000 / float64(clampTempo(microsPerQuarter))
}

func clampResolution(resolution int) int64 {
	if resolution < 1 {
		return 1
	}
	return int64(resolution)
}

func clampTempo(mpq int64) int64 {
	if mpq < 1 {
		return 1
	}
	return mpq
}
