package pianoreel

import (
	"context"

	"github.com/cbegin/pianoreel/internal/export"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/timeline"
)

type (
	ExportOptions = export.Options
	ExportResult  = export.Result
	Progress      = export.Progress
	Range         = export.Range
)

// sized is implemented by surfaces with a fixed frame size.
type sized interface {
	Size() (int, int)
}

// Export renders tl to dest as a video with audio. Replay is stopped first.
// A zero TravelMicros takes the session's travel and a zero Program takes
// the session's program and reverb. A session surface with a fixed size
// and travel dictates both. Only one export runs at a time; a second call
// returns ErrExportBusy.
func (s *Session) Export(ctx context.Context, tl *timeline.Timeline, dest string, opts ExportOptions, progress func(Progress)) (*ExportResult, error) {
	s.transport.Stop()
	if opts.TravelMicros <= 0 {
		opts.TravelMicros = s.cfg.travel
	}
	if opts.Program == (patch.Program{}) {
		opts.Program, opts.Reverb = s.cfg.program, s.cfg.reverb
	}
	if r, ok := s.surface.(sized); ok {
		opts.Width, opts.Height = r.Size()
	}
	if r, ok := s.surface.(interface{ Travel() int64 }); ok {
		opts.TravelMicros = r.Travel()
	}
	return s.pipeline.Run(ctx, tl, dest, opts, progress)
}

// ExportFile reads a Standard MIDI File and exports it.
func (s *Session) ExportFile(ctx context.Context, src, dest string, opts ExportOptions, progress func(Progress)) (*ExportResult, error) {
	tl, err := timeline.ReadFile(src)
	if err != nil {
		return nil, err
	}
	return s.Export(ctx, tl, dest, opts, progress)
}

// RenderAudio writes only the audio of tl as a WAV file, with tail of
// silence after the last note for the reverb to decay.
func (s *Session) RenderAudio(ctx context.Context, tl *timeline.Timeline, path string, tailMicros int64) (int64, error) {
	return s.pipeline.RenderAudio(ctx, tl, s.cfg.program, s.cfg.reverb, 0, tailMicros, path, nil)
}
