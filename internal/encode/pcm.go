package encode

import (
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/cbegin/pianoreel/internal/faults"
)

// PCMWriter writes 16-bit stereo WAV from float blocks.
type PCMWriter struct {
	f      *os.File
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	frames int64
}

func NewPCMWriter(path string, sampleRate int) (*PCMWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, faults.Wrap(err, "create pcm file")
	}
	return &PCMWriter{
		f:   f,
		enc: wav.NewEncoder(f, sampleRate, 16, 2, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 2, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// Write appends min(len(left), len(right)) frames, clipping to full scale.
func (w *PCMWriter) Write(left, right []float32) error {
	n := min(len(left), len(right))
	if cap(w.buf.Data) < 2*n {
		w.buf.Data = make([]int, 2*n)
	}
	w.buf.Data = w.buf.Data[:2*n]
	for i := 0; i < n; i++ {
		w.buf.Data[2*i] = quantize(left[i])
		w.buf.Data[2*i+1] = quantize(right[i])
	}
	if err := w.enc.Write(w.buf); err != nil {
		return faults.Wrap(err, "write pcm")
	}
	w.frames += int64(n)
	return nil
}

// Frames is the number of stereo frames written.
func (w *PCMWriter) Frames() int64 { return w.frames }

// Close finalizes the header and closes the file.
func (w *PCMWriter) Close() error {
	err := w.enc.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func quantize(v float32) int {
	v = min(max(v, -1), 1)
	return int(v * 32767)
}
