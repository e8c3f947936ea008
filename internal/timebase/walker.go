package timebase

// Walker converts a non-decreasing series of ticks with one pass over the
// tempo map. It yields exactly what TicksToMicros yields for each tick; the
// difference is cost, O(ticks + breakpoints) instead of O(ticks * breakpoints).
//
// A query for a tick smaller than the previous one restarts the walk.
type Walker struct {
	points     []Breakpoint
	resolution int64

	idx       int // index of the breakpoint whose tempo is active
	segTick   int64
	segMicros int64
	last      int64
}

// NewWalker starts a walk at tick 0.
func NewWalker(m TempoMap, resolution int) *Walker {
	w := &Walker{points: m.Points(), resolution: clampResolution(resolution)}
	w.Reset()
	return w
}

// Reset rewinds the walk to tick 0.
func (w *Walker) Reset() {
	w.idx = 0
	w.segTick = 0
	w.segMicros = 0
	w.last = 0
}

// Micros returns the elapsed microseconds at tick.
func (w *Walker) Micros(tick int64) int64 {
	if tick <= 0 {
		return 0
	}
	if tick < w.last {
		w.Reset()
	}
	w.last = tick
	for w.idx+1 < len(w.points) && w.points[w.idx+1].Tick < tick {
		next := w.points[w.idx+1]
		w.segMicros += (next.Tick - w.segTick) * w.points[w.idx].MicrosPerQuarter / w.resolution
		w.segTick = next.Tick
		w.idx++
	}
	return w.segMicros + (tick-w.segTick)*w.points[w.idx].MicrosPerQuarter/w.resolution
}
