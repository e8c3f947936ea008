package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver

	"github.com/cbegin/pianoreel"
	"github.com/cbegin/pianoreel/internal/config"
	"github.com/cbegin/pianoreel/internal/encode"
	"github.com/cbegin/pianoreel/internal/export"
	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/livein"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/present"
	"github.com/cbegin/pianoreel/internal/synth"
	"github.com/cbegin/pianoreel/internal/timeline"
	"github.com/cbegin/pianoreel/internal/transport"
	"github.com/cbegin/pianoreel/internal/visual"
)

const (
	viewW   = 1280
	viewH   = 720
	statusH = 56
	seekBy  = 5 * time.Second
)

var (
	statusBg  = color.RGBA{24, 24, 32, 255}
	recordDot = color.RGBA{220, 40, 40, 255}
	meterBg   = color.RGBA{64, 64, 64, 255}
	meterFill = color.RGBA{0, 120, 200, 255}
)

var curves = []patch.Curve{patch.Linear, patch.Soft, patch.Hard}

type game struct {
	session *pianoreel.Session
	loop    *present.Loop
	surface *visual.Raster
	events  <-chan pianoreel.PlaybackEvent
	log     *zap.Logger
	cfg     *config.Config

	frame     *ebiten.Image
	path      string
	inputPort string
	input     *livein.Input
	curveIdx  int
	tempo     float64
	transpose int

	exportMu     sync.Mutex
	exporting    bool
	exportStage  string
	exportFrac   float64
	cancelExport context.CancelFunc

	status    string
	statusErr bool
}

func newGame(cfg *config.Config, log *zap.Logger, sy synth.Synthesizer, path, inputPort string) (*game, error) {
	program, err := cfg.Program()
	if err != nil {
		return nil, err
	}
	reverb, err := cfg.ReverbPreset()
	if err != nil {
		return nil, err
	}
	loop := present.NewLoop(1024)
	surface := visual.NewRaster(viewW, viewH, visual.WithTravel(cfg.Travel()))
	s, err := pianoreel.New(
		pianoreel.WithLogger(log),
		pianoreel.WithResolution(cfg.Resolution),
		pianoreel.WithSynthesizer(sy),
		pianoreel.WithPatch(program, reverb),
		pianoreel.WithLoop(loop),
		pianoreel.WithSurface(surface),
		pianoreel.WithTravel(time.Duration(cfg.Travel())*time.Microsecond),
		pianoreel.WithVideoEncoder(&encode.FFmpegVideo{
			Bin:             cfg.FFmpeg,
			Preset:          cfg.Export.Preset,
			CRF:             cfg.Export.CRF,
			ShutdownTimeout: time.Duration(cfg.Export.ShutdownTimeoutSeconds) * time.Second,
			Log:             log,
		}),
		pianoreel.WithMuxer(&encode.FFmpegMux{Bin: cfg.FFmpeg, Log: log}),
	)
	if err != nil {
		return nil, err
	}
	g := &game{
		session:   s,
		loop:      loop,
		surface:   surface,
		events:    s.Watch(),
		log:       log,
		cfg:       cfg,
		frame:     ebiten.NewImage(viewW, viewH),
		inputPort: inputPort,
		tempo:     cfg.Playback.TempoFactor,
		transpose: cfg.Playback.Transpose,
		status:    "Open a file: pianoreel_view FILE.mid",
	}
	if c, err := cfg.Curve(); err == nil {
		for i, cv := range curves {
			if cv == c {
				g.curveIdx = i
			}
		}
	}
	s.SetTempoFactor(g.tempo)
	s.SetTranspose(g.transpose)
	s.SetVelocityCurve(curves[g.curveIdx])
	go func() { _ = s.Run(context.Background()) }()

	if path != "" {
		g.load(path)
	}
	return g, nil
}

// load keeps the file for export even when replay cannot open its device;
// export then falls back to video only.
func (g *game) load(path string) {
	tl, err := timeline.ReadFile(path)
	if err != nil {
		g.setError(err.Error())
		return
	}
	g.path = path
	if err := g.session.Load(tl); err != nil {
		if faults.Is(err, faults.ResourceUnavailable) {
			g.setError("Replay unavailable, export only: " + err.Error())
			return
		}
		g.setError(err.Error())
		return
	}
	g.setStatus("Loaded " + filepath.Base(path))
}

func (g *game) Update() error {
	g.pollEvents()
	g.handleKeys()
	g.session.PumpVisuals()
	g.loop.Drain()
	return nil
}

func (g *game) pollEvents() {
	for {
		select {
		case ev := <-g.events:
			if ev.Kind == pianoreel.EventPlaybackEnded {
				g.setStatus("Playback ended")
			}
		default:
			return
		}
	}
}

func (g *game) handleKeys() {
	if g.isExporting() {
		if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
			g.exportMu.Lock()
			if g.cancelExport != nil {
				g.cancelExport()
			}
			g.exportMu.Unlock()
		}
		return
	}
	s := g.session
	switch {
	case inpututil.IsKeyJustPressed(ebiten.KeySpace):
		g.togglePlayPause()
	case inpututil.IsKeyJustPressed(ebiten.KeyS):
		s.Stop()
		g.setStatus("Stopped")
	case inpututil.IsKeyJustPressed(ebiten.KeyHome):
		s.Rewind()
	case inpututil.IsKeyJustPressed(ebiten.KeyLeft):
		s.SeekTo(max(s.Transport().Position()-seekBy.Microseconds(), 0))
	case inpututil.IsKeyJustPressed(ebiten.KeyRight):
		s.SeekTo(s.Transport().Position() + seekBy.Microseconds())
	case inpututil.IsKeyJustPressed(ebiten.KeyUp):
		g.transpose = min(g.transpose+1, 48)
		s.SetTranspose(g.transpose)
	case inpututil.IsKeyJustPressed(ebiten.KeyDown):
		g.transpose = max(g.transpose-1, -48)
		s.SetTranspose(g.transpose)
	case inpututil.IsKeyJustPressed(ebiten.KeyV):
		g.curveIdx = (g.curveIdx + 1) % len(curves)
		s.SetVelocityCurve(curves[g.curveIdx])
	case inpututil.IsKeyJustPressed(ebiten.KeyBracketLeft):
		g.tempo = max(g.tempo*0.9, 0.05)
		s.SetTempoFactor(g.tempo)
	case inpututil.IsKeyJustPressed(ebiten.KeyBracketRight):
		g.tempo = min(g.tempo*1.1, 8)
		s.SetTempoFactor(g.tempo)
	case inpututil.IsKeyJustPressed(ebiten.KeyR):
		g.toggleRecording()
	case inpututil.IsKeyJustPressed(ebiten.KeyE):
		g.startExport()
	}
}

func (g *game) togglePlayPause() {
	s := g.session
	if s.Transport().State() == transport.Playing {
		s.Pause()
		g.setStatus("Paused")
		return
	}
	if err := s.Play(); err != nil {
		g.setError(err.Error())
		return
	}
	g.setStatus("Playing")
}

func (g *game) toggleRecording() {
	s := g.session
	if g.input != nil {
		_ = g.input.Close()
		g.input = nil
		path := fmt.Sprintf("take-%s.mid", time.Now().Format("20060102-150405"))
		tl, saveErr := s.StopRecording(path)
		if tl == nil {
			g.setError("save recording: " + saveErr.Error())
			return
		}
		g.path = ""
		if saveErr == nil {
			g.path = path
		}
		if err := s.Load(tl); err != nil {
			g.setError(err.Error())
			return
		}
		if saveErr != nil {
			g.setError("save recording: " + saveErr.Error())
			return
		}
		g.setStatus("Saved " + path)
		return
	}
	port := g.inputPort
	if port == "" {
		ports := livein.Ports()
		if len(ports) == 0 {
			g.setError("No MIDI input ports")
			return
		}
		port = ports[0]
	}
	s.Stop()
	if err := s.StartRecording(port); err != nil {
		g.setError(err.Error())
		return
	}
	in, err := livein.ListenByName(port, s.Recorder(),
		livein.WithMonitor(visual.Sink(g.loop, g.surface, g.log)),
		livein.WithLogger(g.log))
	if err != nil {
		_, _ = s.StopRecording("")
		g.setError(err.Error())
		return
	}
	g.input = in
	g.setStatus("Recording from " + in.Port())
}

// startExport runs the export in the background; its frame captures are
// executed by Update through the presentation loop.
func (g *game) startExport() {
	if g.path == "" {
		g.setError("Nothing to export")
		return
	}
	dest := strings.TrimSuffix(g.path, filepath.Ext(g.path)) + ".mp4"
	ctx, cancel := context.WithCancel(context.Background())
	g.exportMu.Lock()
	g.exporting, g.cancelExport = true, cancel
	g.exportStage, g.exportFrac = export.StageAudio, 0
	g.exportMu.Unlock()
	g.setStatus("Exporting " + dest + " (Esc cancels)")

	go func() {
		defer cancel()
		res, err := g.session.ExportFile(ctx, g.path, dest, pianoreel.ExportOptions{
			FPS:        g.cfg.Export.FPS,
			SampleRate: g.cfg.Export.SampleRate,
		}, func(p pianoreel.Progress) {
			g.exportMu.Lock()
			g.exportStage, g.exportFrac = p.Stage, p.Fraction
			g.exportMu.Unlock()
		})
		g.exportMu.Lock()
		g.exporting, g.cancelExport = false, nil
		g.exportMu.Unlock()
		switch {
		case err != nil:
			g.setError("Export failed: " + err.Error())
		case res.Cancelled:
			g.setStatus("Export cancelled")
		case len(res.Warnings) > 0:
			g.setError("Saved " + dest + ": " + strings.Join(res.Warnings, "; "))
		default:
			g.setStatus("Saved " + dest)
		}
	}()
}

func (g *game) isExporting() bool {
	g.exportMu.Lock()
	defer g.exportMu.Unlock()
	return g.exporting
}

func (g *game) Draw(screen *ebiten.Image) {
	screen.Fill(statusBg)
	if !g.isExporting() {
		img, err := g.surface.CaptureFrame(g.session.Transport().Position())
		if err == nil {
			g.frame.WritePixels(img.Pix)
		}
	}
	screen.DrawImage(g.frame, nil)
	g.drawStatus(screen, image.Rect(0, viewH, viewW, viewH+statusH))
}

func (g *game) drawStatus(screen *ebiten.Image, rect image.Rectangle) {
	s := g.session
	tr := s.Transport()
	pos := time.Duration(tr.Position()) * time.Microsecond
	length := time.Duration(tr.Length()) * time.Microsecond
	line := fmt.Sprintf("%s  %s / %s  tempo %.2fx  transpose %+d  curve %s",
		tr.State(), pos.Round(time.Second), length.Round(time.Second), g.tempo, g.transpose, curves[g.curveIdx])
	ebitenutil.DebugPrintAt(screen, line, rect.Min.X+12, rect.Min.Y+6)

	g.exportMu.Lock()
	exporting, stage, frac := g.exporting, g.exportStage, g.exportFrac
	g.exportMu.Unlock()
	if exporting {
		x, y, w := float64(rect.Max.X-320), float64(rect.Min.Y+8), 300.0
		ebitenutil.DrawRect(screen, x, y, w, 10, meterBg)
		ebitenutil.DrawRect(screen, x, y, w*frac, 10, meterFill)
		ebitenutil.DebugPrintAt(screen, stage, int(x)-48, rect.Min.Y+6)
	} else if length > 0 {
		x, y, w := float64(rect.Max.X-320), float64(rect.Min.Y+8), 300.0
		ebitenutil.DrawRect(screen, x, y, w, 10, meterBg)
		ebitenutil.DrawRect(screen, x, y, w*float64(pos)/float64(length), 10, meterFill)
	}
	if g.input != nil {
		ebitenutil.DrawRect(screen, float64(rect.Max.X-14), float64(rect.Min.Y+30), 8, 8, recordDot)
	}

	msg := g.statusText()
	ebitenutil.DebugPrintAt(screen, msg+"    [space] play/pause [s] stop [home] rewind [</>] seek [up/down] transpose [v] curve [[/]] tempo [r] record [e] export",
		rect.Min.X+12, rect.Min.Y+30)
}

func (g *game) Layout(int, int) (int, int) {
	return viewW, viewH + statusH
}

func (g *game) Close() {
	if g.input != nil {
		_ = g.input.Close()
		_, _ = g.session.StopRecording("")
	}
	_ = g.session.Close()
	g.loop.Close()
}

func (g *game) statusText() string {
	g.exportMu.Lock()
	defer g.exportMu.Unlock()
	if g.statusErr {
		return "! " + g.status
	}
	return g.status
}

func (g *game) setError(msg string) {
	g.exportMu.Lock()
	g.status, g.statusErr = msg, true
	g.exportMu.Unlock()
	g.log.Warn(msg)
}

func (g *game) setStatus(msg string) {
	g.exportMu.Lock()
	g.status, g.statusErr = msg, false
	g.exportMu.Unlock()
}

var rootFlags struct {
	configPath string
	soundFont  string
	port       string
}

var rootCmd = &cobra.Command{
	Use:   "pianoreel_view [FILE.mid]",
	Short: "Falling-note player and recorder",
	Args:  cobra.MaximumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&rootFlags.configPath, "config", "", "config file (default ~/.config/pianoreel/config.json)")
	rootCmd.Flags().StringVar(&rootFlags.soundFont, "soundfont", "", "SoundFont (.sf2) used for replay and export")
	rootCmd.Flags().StringVarP(&rootFlags.port, "port", "p", "", "MIDI input port to record from")
}

func run(cmd *cobra.Command, args []string) error {
	var (
		cfg *config.Config
		err error
	)
	if rootFlags.configPath != "" {
		cfg, err = config.LoadFile(rootFlags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if rootFlags.soundFont != "" {
		cfg.SoundFont = rootFlags.soundFont
	}
	port := rootFlags.port
	if port == "" {
		port = cfg.Input.PortName
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var sy synth.Synthesizer = synth.Unavailable{Reason: "no SoundFont configured (use --soundfont)"}
	if cfg.SoundFont != "" {
		sf, err := synth.LoadSoundFont(cfg.SoundFont)
		if err != nil {
			return err
		}
		sy = sf
	}

	var path string
	if len(args) > 0 {
		if path, err = filepath.Abs(args[0]); err != nil {
			return err
		}
	}
	g, err := newGame(cfg, logger, sy, path, port)
	if err != nil {
		return err
	}
	defer g.Close()

	ebiten.SetWindowSize(viewW, viewH+statusH)
	ebiten.SetWindowTitle("pianoreel")
	return ebiten.RunGame(g)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
