package encode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/pianoreel/internal/faults"
)

// FFmpegVideo pipes raw RGBA frames into ffmpeg's stdin and encodes them
// with libx264.
type FFmpegVideo struct {
	Bin             string
	Preset          string // x264 preset, e.g. "veryfast"
	CRF             int
	ShutdownTimeout time.Duration
	Log             *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr syncBuffer
	waitCh chan error
	path   string
	width  int
	height int
	frames int
}

// syncBuffer collects a child's stderr. exec copies into it from its own
// goroutine while the encoder may read it for a diagnostic.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	b.buf.Reset()
	b.mu.Unlock()
}

func (e *FFmpegVideo) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log.Named("ffmpeg")
}

func (e *FFmpegVideo) Begin(fps, width, height int, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		return fmt.Errorf("encode: video encoder already started")
	}
	bin, err := LookPath(e.Bin)
	if err != nil {
		return err
	}
	fps, width, height = max(fps, 1), max(width, 2), max(height, 2)
	preset := e.Preset
	if preset == "" {
		preset = "veryfast"
	}
	crf := e.CRF
	if crf <= 0 {
		crf = 20
	}
	args := []string{
		"-y", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-an",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", "libx264", "-preset", preset, "-crf", strconv.Itoa(crf),
		"-pix_fmt", "yuv420p",
		path,
	}
	cmd := exec.Command(bin, args...)
	e.stderr.Reset()
	cmd.Stderr = &e.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return faults.Wrap(err, "video encoder stdin")
	}
	if err := cmd.Start(); err != nil {
		return faults.Unavailable(err, "start video encoder")
	}
	e.cmd, e.stdin, e.path = cmd, stdin, path
	e.width, e.height, e.frames = width, height, 0
	e.waitCh = make(chan error, 1)
	go func() { e.waitCh <- cmd.Wait() }()
	e.logger().Debug("video encoder started", zap.Strings("args", args))
	return nil
}

func (e *FFmpegVideo) PushFrame(frame *image.RGBA) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return fmt.Errorf("encode: video encoder not started")
	}
	b := frame.Bounds()
	if b.Dx() != e.width || b.Dy() != e.height {
		return faults.Malformed("frame is %dx%d, encoder expects %dx%d", b.Dx(), b.Dy(), e.width, e.height)
	}
	row := e.width * 4
	for y := 0; y < e.height; y++ {
		off := frame.PixOffset(b.Min.X, b.Min.Y+y)
		if _, err := e.stdin.Write(frame.Pix[off : off+row]); err != nil {
			return faults.External(err, "write frame to video encoder", TruncateDiagnostic(e.stderr.String(), 0))
		}
	}
	e.frames++
	return nil
}

// End closes stdin and waits for ffmpeg to exit, killing it after
// ShutdownTimeout.
func (e *FFmpegVideo) End() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return nil
	}
	_ = e.stdin.Close()
	err := e.waitLocked()
	e.cmd = nil
	if err != nil {
		return faults.External(err, "video encoder failed", TruncateDiagnostic(e.stderr.String(), 0))
	}
	e.logger().Debug("video encoder finished", zap.Int("frames", e.frames), zap.String("path", e.path))
	return nil
}

func (e *FFmpegVideo) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return
	}
	_ = e.stdin.Close()
	_ = e.cmd.Process.Kill()
	<-e.waitCh
	e.cmd = nil
	_ = os.Remove(e.path)
	e.logger().Debug("video encoder aborted", zap.String("path", e.path))
}

func (e *FFmpegVideo) waitLocked() error {
	timeout := e.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-e.waitCh:
		return err
	case <-timer.C:
		e.logger().Warn("video encoder did not exit, killing", zap.Duration("timeout", timeout))
		_ = e.cmd.Process.Kill()
		<-e.waitCh
		return fmt.Errorf("encoder shutdown timed out after %s", timeout)
	}
}

// FFmpegMux muxes with `ffmpeg -c:v copy -c:a aac -shortest`.
type FFmpegMux struct {
	Bin          string
	AudioBitrate string
	Log          *zap.Logger
}

func (m *FFmpegMux) Mux(ctx context.Context, video, audio, out string) error {
	bin, err := LookPath(m.Bin)
	if err != nil {
		return err
	}
	bitrate := m.AudioBitrate
	if bitrate == "" {
		bitrate = "192k"
	}
	args := []string{
		"-y", "-loglevel", "error",
		"-i", video, "-i", audio,
		"-map", "0:v:0", "-map", "1:a:0",
		"-c:v", "copy", "-c:a", "aac", "-b:a", bitrate,
		"-shortest",
		out,
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return faults.External(err, "mux failed", TruncateDiagnostic(string(output), 0))
	}
	if m.Log != nil {
		m.Log.Named("ffmpeg").Debug("muxed", zap.String("out", out))
	}
	return nil
}
