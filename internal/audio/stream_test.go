package audio

import (
	"encoding/binary"
	"io"
	"math"
	"testing"
)

type rampSource struct{ n float32 }

func (s *rampSource) Render(left, right []float32) {
	for i := range left {
		s.n++
		left[i] = s.n
		right[i] = -s.n
	}
}

func TestStreamReaderInterleaves(t *testing.T) {
	r := NewStreamReader(&rampSource{})
	buf := make([]byte, 8*3+5)
	n, err := r.Read(buf)
	if err != nil || n != 24 {
		t.Fatalf("read %d bytes, err %v", n, err)
	}
	want := []float32{1, -1, 2, -2, 3, -3}
	for i, w := range want {
		got := math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		if got != w {
			t.Fatalf("sample %d = %f, want %f", i, got, w)
		}
	}
	if n, _ := r.Read(make([]byte, 7)); n != 0 {
		t.Fatalf("partial frame should read nothing, got %d", n)
	}
	_ = r.Close()
	if _, err := r.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}
