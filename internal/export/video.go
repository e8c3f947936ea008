package export

import (
	"context"
	"image"

	"github.com/cbegin/pianoreel/internal/encode"
	"github.com/cbegin/pianoreel/internal/lookahead"
	"github.com/cbegin/pianoreel/internal/notes"
	"github.com/cbegin/pianoreel/internal/present"
	"github.com/cbegin/pianoreel/internal/visual"
)

type videoJob struct {
	loop    *present.Loop
	surface visual.Surface
	enc     encode.VideoEncoder
	notes   []notes.Note
	fps     int
	width   int
	height  int
	travel  int64
	end     int64 // last frame time, inclusive
	path    string
}

// frameInterval is the spacing of frames in microseconds.
func frameInterval(fps int) int64 {
	return 1_000_000 / int64(max(fps, 1))
}

// frameCount is the number of frames stepping 0..end inclusive.
func frameCount(end int64, fps int) int {
	return int(end/frameInterval(fps)) + 1
}

// run steps a virtual cursor over the sequence, captures one frame per step
// on the presentation thread and pushes it to the encoder. On error or
// cancellation the encoder is aborted, not finalized.
func (j *videoJob) run(ctx context.Context, progress func(float64)) (frames int, err error) {
	if err := j.enc.Begin(j.fps, j.width, j.height, j.path); err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			j.enc.Abort()
		}
	}()

	sched := lookahead.New(j.notes)
	step := frameInterval(j.fps)
	total := frameCount(j.end, j.fps)
	for at := int64(0); at <= j.end; at += step {
		if err := ctx.Err(); err != nil {
			return frames, err
		}
		var frame *image.RGBA
		err := j.loop.Submit(ctx, func() error {
			sched.Advance(at, j.travel, j.surface.SpawnVisual)
			sched.Onsets(at, func(n notes.Note) {
				j.surface.KeyDownUntil(n.Channel, n.Key, n.ReleaseMicros)
			})
			var err error
			frame, err = j.surface.CaptureFrame(at)
			return err
		})
		if err != nil {
			return frames, err
		}
		if err := j.enc.PushFrame(frame); err != nil {
			return frames, err
		}
		frames++
		if progress != nil {
			progress(float64(frames) / float64(total))
		}
	}
	if err := j.enc.End(); err != nil {
		return frames, err
	}
	return frames, nil
}
