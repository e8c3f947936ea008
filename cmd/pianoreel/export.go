package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/cbegin/pianoreel"
	"github.com/cbegin/pianoreel/internal/progress"
	"github.com/cbegin/pianoreel/internal/timeline"
	"github.com/cbegin/pianoreel/internal/visual"
)

var exportFlags struct {
	out       string
	from      time.Duration
	to        time.Duration
	fps       int
	width     int
	height    int
	audioOnly bool
	plain     bool
}

var exportCmd = &cobra.Command{
	Use:   "export FILE.mid",
	Short: "Render a recording to a falling-note video with audio",
	Long: `export renders FILE.mid offline: the SoundFont renders the audio, the
falling-note display renders one frame per step and ffmpeg encodes and muxes
them. Without a SoundFont the video is saved without audio.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	f := exportCmd.Flags()
	f.StringVarP(&exportFlags.out, "out", "o", "", "output file (default: FILE.mp4, or FILE.wav with --audio-only)")
	f.DurationVar(&exportFlags.from, "from", 0, "start of the exported range")
	f.DurationVar(&exportFlags.to, "to", 0, "end of the exported range (default: whole recording)")
	f.IntVar(&exportFlags.fps, "fps", 0, "frames per second (default: config export.fps)")
	f.IntVar(&exportFlags.width, "width", 0, "frame width (default: config export.width)")
	f.IntVar(&exportFlags.height, "height", 0, "frame height (default: config export.height)")
	f.BoolVar(&exportFlags.audioOnly, "audio-only", false, "write only the rendered audio as WAV")
	f.BoolVar(&exportFlags.plain, "plain", false, "print progress lines instead of the interactive display")
}

func runExport(cmd *cobra.Command, args []string) error {
	env, err := newEnvironment()
	if err != nil {
		return err
	}
	defer env.close()
	cfg := env.cfg

	tl, err := timeline.ReadFile(args[0])
	if err != nil {
		return err
	}
	dest := exportFlags.out
	if dest == "" {
		ext := ".mp4"
		if exportFlags.audioOnly {
			ext = ".wav"
		}
		dest = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ext
	}

	width := pick(exportFlags.width, cfg.Export.Width)
	height := pick(exportFlags.height, cfg.Export.Height)
	s, err := pianoreel.New(env.sessionOptions(pianoreel.WithSurface(newSurface(width, height, cfg.Travel())))...)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if exportFlags.audioOnly {
		frames, err := s.RenderAudio(ctx, tl, dest, cfg.Travel())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d frames)\n", dest, frames)
		return nil
	}

	opts := pianoreel.ExportOptions{
		FPS:        pick(exportFlags.fps, cfg.Export.FPS),
		SampleRate: cfg.Export.SampleRate,
	}
	if exportFlags.from > 0 || exportFlags.to > 0 {
		end := exportFlags.to
		if end <= 0 {
			end = time.Duration(tl.LengthMicros()) * time.Microsecond
		}
		opts.Range = &pianoreel.Range{Start: exportFlags.from.Microseconds(), End: end.Microseconds()}
	}

	if exportFlags.plain {
		return exportPlain(ctx, cmd, s, tl, dest, opts)
	}

	updates := make(chan pianoreel.Progress, 256)
	done := make(chan progress.DoneMsg, 1)
	go func() {
		res, err := s.Export(ctx, tl, dest, opts, func(p pianoreel.Progress) {
			select {
			case updates <- p:
			default:
			}
		})
		done <- progress.DoneMsg{Result: res, Err: err}
	}()

	model := progress.New("pianoreel export → "+dest, updates, done, cancel)
	final, err := tea.NewProgram(model).Run()
	if err != nil {
		cancel()
		return err
	}
	_, err = final.(progress.Model).Result()
	return err
}

func exportPlain(ctx context.Context, cmd *cobra.Command, s *pianoreel.Session, tl *timeline.Timeline, dest string, opts pianoreel.ExportOptions) error {
	out := cmd.OutOrStdout()
	last := map[string]int{}
	res, err := s.Export(ctx, tl, dest, opts, func(p pianoreel.Progress) {
		pct := int(p.Fraction * 100)
		if pct/10 != last[p.Stage]/10 || pct == 100 {
			fmt.Fprintf(out, "%s %3d%%\n", p.Stage, pct)
		}
		last[p.Stage] = pct
	})
	if err != nil {
		return err
	}
	if res.Cancelled {
		fmt.Fprintln(out, "export cancelled, nothing was written")
		return nil
	}
	for _, w := range res.Warnings {
		fmt.Fprintln(out, "warning:", w)
	}
	fmt.Fprintf(out, "saved %s (%d frames)\n", res.Path, res.Frames)
	return nil
}

func newSurface(width, height int, travel int64) *visual.Raster {
	return visual.NewRaster(width, height, visual.WithTravel(travel))
}

func pick(flag, fallback int) int {
	if flag > 0 {
		return flag
	}
	return fallback
}
