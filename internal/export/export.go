// Package export renders a timeline to a finished audio and video file
// without real-time playback.
//
// The stages run strictly in order: clip, patch injection, audio render,
// video render, mux. Temporary files live in a private directory that is
// removed whatever the outcome. Cancellation is reported through
// Result.Cancelled, never as an error, and leaves nothing at the
// destination.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/pianoreel/internal/encode"
	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/notes"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/present"
	"github.com/cbegin/pianoreel/internal/synth"
	"github.com/cbegin/pianoreel/internal/timeline"
	"github.com/cbegin/pianoreel/internal/visual"
)

// ErrBusy is returned when an export is already running on the pipeline.
var ErrBusy = errors.New("export: another export is running")

// Stage names reported through Progress.
const (
	StageAudio = "audio"
	StageVideo = "video"
	StageMux   = "mux"
)

// Progress is a per-stage completion fraction in [0, 1].
type Progress struct {
	Stage    string
	Fraction float64
}

// Options controls one export. Zero values take defaults.
type Options struct {
	Range        *Range
	FPS          int
	Width        int
	Height       int
	TravelMicros int64
	Program      patch.Program
	Reverb       patch.ReverbPreset
	SampleRate   int
	// TempRoot is where the private temporary directory is created; empty
	// means the system default.
	TempRoot string
}

func (o Options) withDefaults() Options {
	if o.FPS <= 0 {
		o.FPS = 30
	}
	if o.Width <= 0 {
		o.Width = 1280
	}
	if o.Height <= 0 {
		o.Height = 720
	}
	if o.TravelMicros <= 0 {
		o.TravelMicros = visual.DefaultTravelMicros
	}
	if o.SampleRate <= 0 {
		o.SampleRate = synth.DefaultSampleRate
	}
	if o.Program.DisplayName == "" && o.Program.Program == 0 && o.Program.BankMSB == 0 && o.Program.BankLSB == 0 {
		o.Program = patch.DefaultProgram()
	}
	return o
}

type Result struct {
	Path      string
	Cancelled bool
	// Warnings describe degraded but successful output.
	Warnings    []string
	Frames      int
	AudioFrames int64
}

type Option func(*Pipeline)

func WithSynthesizer(s synth.Synthesizer) Option {
	return func(p *Pipeline) { p.synth = s }
}

func WithVideoEncoder(e encode.VideoEncoder) Option {
	return func(p *Pipeline) { p.video = e }
}

func WithMuxer(m encode.Muxer) Option {
	return func(p *Pipeline) { p.muxer = m }
}

// WithSurface renders frames on surface instead of a private raster. The
// surface must produce frames of the exported size.
func WithSurface(s visual.Surface) Option {
	return func(p *Pipeline) { p.surface = s }
}

// WithLoop hands frame captures to an existing presentation loop. Without
// it the pipeline runs a private loop for the duration of each export.
func WithLoop(l *present.Loop) Option {
	return func(p *Pipeline) { p.loop = l }
}

func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// Pipeline runs one export at a time.
type Pipeline struct {
	synth   synth.Synthesizer
	video   encode.VideoEncoder
	muxer   encode.Muxer
	surface visual.Surface
	loop    *present.Loop
	log     *zap.Logger
	busy    atomic.Bool
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		synth: synth.Unavailable{},
		video: &encode.FFmpegVideo{},
		muxer: &encode.FFmpegMux{},
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("export")
	return p
}

// Run exports tl to dest. progress may be nil and is called from the
// calling goroutine.
func (p *Pipeline) Run(ctx context.Context, tl *timeline.Timeline, dest string, opts Options, progress func(Progress)) (*Result, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer p.busy.Store(false)

	opts = opts.withDefaults()
	report := func(stage string) func(float64) {
		return func(f float64) {
			if progress != nil {
				progress(Progress{Stage: stage, Fraction: min(max(f, 0), 1)})
			}
		}
	}
	log := p.log.With(zap.String("dest", dest))
	started := time.Now()

	// 1. Clip.
	prepared := tl
	if opts.Range != nil {
		clipped, err := Clip(tl, *opts.Range)
		if err != nil {
			return nil, err
		}
		prepared = clipped
	}
	// 2. Patch and reverb.
	prepared = InjectPatch(prepared, opts.Program, opts.Reverb)
	res, err := notes.Resolve(prepared)
	if err != nil {
		return nil, err
	}

	result := &Result{Path: dest}
	if len(res.Notes) == 0 && res.EndTick == 0 {
		if err := os.WriteFile(dest, nil, 0o644); err != nil {
			return nil, faults.Wrap(err, "create "+dest)
		}
		log.Info("empty sequence, wrote empty output")
		return result, nil
	}

	tmp, err := os.MkdirTemp(opts.TempRoot, "pianoreel-export-*")
	if err != nil {
		return nil, faults.Wrap(err, "create temporary directory")
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			log.Warn("remove temporary directory", zap.String("dir", tmp), zap.Error(err))
		}
	}()

	ext := filepath.Ext(dest)
	if ext == "" {
		ext = ".mp4"
	}
	audioPath := filepath.Join(tmp, "audio.wav")
	videoPath := filepath.Join(tmp, "video"+ext)
	muxPath := filepath.Join(tmp, "muxed"+ext)
	end := res.EndMicros + opts.TravelMicros

	// 3. Audio.
	audioFrames, audioErr := renderAudio(ctx, log, p.synth, prepared, opts.SampleRate,
		(end*int64(opts.SampleRate))/1_000_000, audioPath, report(StageAudio))
	if ctx.Err() != nil {
		log.Info("export cancelled during audio render")
		result.Cancelled = true
		return result, nil
	}
	result.AudioFrames = audioFrames
	if audioErr != nil {
		log.Warn("audio render failed, continuing without audio", zap.Error(audioErr))
	}

	// 4. Video.
	loop := p.loop
	if loop == nil {
		loop = present.NewLoop(1)
		loopCtx, stop := context.WithCancel(context.Background())
		defer stop()
		go func() { _ = loop.Run(loopCtx) }()
	}
	surface := p.surface
	if surface == nil {
		surface = visual.NewRaster(opts.Width, opts.Height, visual.WithTravel(opts.TravelMicros))
	}
	reset := func() error { surface.Reset(); return nil }
	if err := loop.Submit(ctx, reset); err != nil && ctx.Err() == nil {
		return nil, err
	}
	defer func() { _ = loop.Submit(context.Background(), reset) }()

	job := &videoJob{
		loop: loop, surface: surface, enc: p.video, notes: res.Notes,
		fps: opts.FPS, width: opts.Width, height: opts.Height,
		travel: opts.TravelMicros, end: end, path: videoPath,
	}
	frames, err := job.run(ctx, report(StageVideo))
	result.Frames = frames
	if ctx.Err() != nil {
		log.Info("export cancelled during video render", zap.Int("frames", frames))
		result.Cancelled = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	// 5. Mux, or fall back to video only.
	switch {
	case audioErr != nil:
		result.Warnings = append(result.Warnings, "video saved without audio: "+reason(audioErr))
	case audioFrames == 0:
		result.Warnings = append(result.Warnings, "video saved without audio: rendered audio is empty")
	}
	if len(result.Warnings) > 0 {
		if err := moveFile(videoPath, dest); err != nil {
			return nil, err
		}
	} else {
		report(StageMux)(0)
		if err := p.muxer.Mux(ctx, videoPath, audioPath, muxPath); err != nil {
			if ctx.Err() != nil {
				result.Cancelled = true
				return result, nil
			}
			return nil, err
		}
		if err := moveFile(muxPath, dest); err != nil {
			return nil, err
		}
		report(StageMux)(1)
	}
	log.Info("export finished",
		zap.Int("frames", frames),
		zap.Int64("audio_frames", audioFrames),
		zap.Strings("warnings", result.Warnings),
		zap.Duration("took", time.Since(started)))
	return result, nil
}

func reason(err error) string {
	if faults.Is(err, faults.ResourceUnavailable) {
		return fmt.Sprintf("synthesizer unavailable (%v)", err)
	}
	return err.Error()
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return faults.Wrap(err, "open "+src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return faults.Wrap(err, "create "+dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return faults.Wrap(err, "copy to "+dst)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return faults.Wrap(err, "close "+dst)
	}
	return os.Remove(src)
}
