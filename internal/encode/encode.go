// Package encode wraps the external collaborators of an export: a video
// frame encoder, an audio/video muxer and the PCM file the audio is rendered
// to. Video and mux run ffmpeg as a subprocess.
package encode

import (
	"context"
	"image"
	"os/exec"

	"github.com/cbegin/pianoreel/internal/faults"
)

// VideoEncoder turns fixed-size frames into a video-only file.
type VideoEncoder interface {
	Begin(fps, width, height int, path string) error
	PushFrame(frame *image.RGBA) error
	// End finalizes the file.
	End() error
	// Abort discards the file. It is safe to call after End or twice.
	Abort()
}

// Muxer combines one video and one audio file into out, copying the video
// stream and encoding the audio.
type Muxer interface {
	Mux(ctx context.Context, video, audio, out string) error
}

// LookPath resolves an encoder executable. A missing executable is
// ResourceUnavailable.
func LookPath(name string) (string, error) {
	if name == "" {
		name = "ffmpeg"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", faults.Unavailable(err, "encoder executable "+name+" not found")
	}
	return path, nil
}

// DiagnosticLimit bounds the process output kept in errors.
const DiagnosticLimit = 4096

// TruncateDiagnostic keeps the head and tail of long process output.
func TruncateDiagnostic(s string, limit int) string {
	if limit <= 0 {
		limit = DiagnosticLimit
	}
	if len(s) <= limit {
		return s
	}
	const marker = "\n...\n"
	if limit <= len(marker)+2 {
		return s[len(s)-limit:]
	}
	keep := limit - len(marker)
	head := keep / 2
	return s[:head] + marker + s[len(s)-(keep-head):]
}
