// Package lookahead schedules falling-note visuals ahead of their onsets.
package lookahead

import "github.com/cbegin/pianoreel/internal/notes"

// Scheduler walks a note list, ordered by OnMicros, with two monotonic
// cursors: one for visual spawns (onset minus travel time) and one for the
// onsets themselves. Positions are sequence microseconds, so playback speed
// does not affect scheduling.
//
// When a position smaller than the previous one is observed both cursors go
// back to 0 and notes already shown may be spawned again.
type Scheduler struct {
	notes []notes.Note
	spawn int
	onset int
	last  int64
}

func New(ns []notes.Note) *Scheduler {
	return &Scheduler{notes: ns}
}

// Reset returns both cursors to the start.
func (s *Scheduler) Reset() {
	s.spawn = 0
	s.onset = 0
	s.last = 0
}

// Len is the number of scheduled notes.
func (s *Scheduler) Len() int { return len(s.notes) }

// Done reports whether every note has been spawned and reached its onset.
func (s *Scheduler) Done() bool {
	return s.spawn >= len(s.notes) && s.onset >= len(s.notes)
}

func (s *Scheduler) observe(position int64) {
	if position < s.last {
		s.spawn = 0
		s.onset = 0
	}
	s.last = position
}

// Advance calls fn for every note whose spawn time, OnMicros - travel, is at
// or before position, and returns how many were spawned.
func (s *Scheduler) Advance(position, travel int64, fn func(notes.Note)) int {
	if travel < 0 {
		travel = 0
	}
	s.observe(position)
	n := 0
	for s.spawn < len(s.notes) && s.notes[s.spawn].OnMicros-travel <= position {
		if fn != nil {
			fn(s.notes[s.spawn])
		}
		s.spawn++
		n++
	}
	return n
}

// Onsets calls fn for every note whose OnMicros is at or before position.
func (s *Scheduler) Onsets(position int64, fn func(notes.Note)) int {
	s.observe(position)
	n := 0
	for s.onset < len(s.notes) && s.notes[s.onset].OnMicros <= position {
		if fn != nil {
			fn(s.notes[s.onset])
		}
		s.onset++
		n++
	}
	return n
}
