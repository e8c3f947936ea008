package export

import (
	"context"

	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	"github.com/cbegin/pianoreel/internal/effects"
	"github.com/cbegin/pianoreel/internal/encode"
	"github.com/cbegin/pianoreel/internal/notes"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/route"
	"github.com/cbegin/pianoreel/internal/synth"
	"github.com/cbegin/pianoreel/internal/timebase"
	"github.com/cbegin/pianoreel/internal/timeline"
)

// chunkFrames is the render granularity; cancellation and progress are
// checked between chunks.
const chunkFrames = 4096

type timedMessage struct {
	frame int64
	msg   midi.Message
}

// audioSchedule places every channel event of tl on a sample frame.
func audioSchedule(tl *timeline.Timeline, sampleRate int) []timedMessage {
	w := timebase.NewWalker(tl.Tempo, tl.Resolution)
	var out []timedMessage
	for _, ev := range tl.Sorted() {
		msg := route.FromEvent(ev)
		if msg == nil {
			continue
		}
		out = append(out, timedMessage{frame: w.Micros(ev.Tick) * int64(sampleRate) / 1_000_000, msg: msg})
	}
	return out
}

// renderAudio renders totalFrames of tl through s into a WAV at path. It
// returns the frames written; on cancellation the error is ctx.Err().
// Messages the synthesizer rejects are skipped and logged.
func renderAudio(ctx context.Context, log *zap.Logger, s synth.Synthesizer, tl *timeline.Timeline, sampleRate int, totalFrames int64, path string, progress func(float64)) (int64, error) {
	stream, err := s.Open(synth.Format{SampleRate: sampleRate})
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	w, err := encode.NewPCMWriter(path, sampleRate)
	if err != nil {
		return 0, err
	}
	chain := effects.Mastering(sampleRate)
	events := audioSchedule(tl, sampleRate)
	left := make([]float32, chunkFrames)
	right := make([]float32, chunkFrames)

	var (
		pos      int64
		next     int
		rejected int
	)
	defer func() {
		if rejected > 0 {
			log.Debug("synthesizer rejected messages", zap.Int("count", rejected))
		}
	}()
	for pos < totalFrames {
		if err := ctx.Err(); err != nil {
			_ = w.Close()
			return w.Frames(), err
		}
		chunkEnd := min(pos+chunkFrames, totalFrames)
		filled := 0
		for pos < chunkEnd {
			for next < len(events) && events[next].frame <= pos {
				if err := stream.Send(events[next].msg); err != nil {
					if rejected == 0 {
						log.Debug("synthesizer rejected message",
							zap.Stringer("msg", events[next].msg), zap.Error(err))
					}
					rejected++
				}
				next++
			}
			until := chunkEnd
			if next < len(events) && events[next].frame < until {
				until = events[next].frame
			}
			n := int(until - pos)
			stream.Render(left[filled:filled+n], right[filled:filled+n])
			filled += n
			pos = until
		}
		chain.ProcessPlanar(left[:filled], right[:filled])
		if err := w.Write(left[:filled], right[:filled]); err != nil {
			_ = w.Close()
			return w.Frames(), err
		}
		if progress != nil {
			progress(float64(pos) / float64(totalFrames))
		}
	}
	if err := w.Close(); err != nil {
		return w.Frames(), err
	}
	return w.Frames(), nil
}

// RenderAudio renders only the audio of tl to a WAV file at path, with
// tailMicros of silence after the last release for the reverb to decay.
func (p *Pipeline) RenderAudio(ctx context.Context, tl *timeline.Timeline, program patch.Program, reverb patch.ReverbPreset, sampleRate int, tailMicros int64, path string, progress func(float64)) (int64, error) {
	if sampleRate <= 0 {
		sampleRate = synth.DefaultSampleRate
	}
	prepared := InjectPatch(tl, program, reverb)
	res, err := notes.Resolve(prepared)
	if err != nil {
		return 0, err
	}
	end := res.EndMicros + max(tailMicros, 0)
	return renderAudio(ctx, p.log, p.synth, prepared, sampleRate, end*int64(sampleRate)/1_000_000, path, progress)
}
