package visual

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/colornames"

	"github.com/cbegin/pianoreel/internal/notes"
)

const (
	lowestKey  = 21  // A0
	highestKey = 108 // C8
)

// DefaultTravelMicros is how long a note takes to fall to the keyboard.
const DefaultTravelMicros = 3_000_000

var channelColors = []color.RGBA{
	colornames.Dodgerblue,
	colornames.Orange,
	colornames.Mediumseagreen,
	colornames.Orchid,
	colornames.Gold,
	colornames.Tomato,
	colornames.Turquoise,
	colornames.Slateblue,
}

var (
	background = colornames.Black
	whiteKey   = colornames.Whitesmoke
	blackKey   = colornames.Darkslategray
	keyGap     = colornames.Dimgray
)

type RasterOption func(*Raster)

// WithTravel sets the fall time in microseconds.
func WithTravel(micros int64) RasterOption {
	return func(r *Raster) {
		if micros > 0 {
			r.travel = micros
		}
	}
}

// Raster is a software Surface drawing into an RGBA image. It is used by
// exports and by the viewer, which uploads each frame to a texture.
type Raster struct {
	img      *image.RGBA
	travel   int64
	keyboard int // y of the top of the keyboard

	falling []notes.Note
	held    [16][128]int64 // KeyDownUntil deadlines
	live    [16][128]uint8 // live velocity, 0 when up
	last    int64
}

func NewRaster(width, height int, opts ...RasterOption) *Raster {
	width, height = max(width, 1), max(height, 1)
	r := &Raster{
		img:      image.NewRGBA(image.Rect(0, 0, width, height)),
		travel:   DefaultTravelMicros,
		keyboard: height - max(height/7, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Raster) Size() (int, int) {
	b := r.img.Bounds()
	return b.Dx(), b.Dy()
}

func (r *Raster) Travel() int64 { return r.travel }

// Falling is the number of notes currently on screen.
func (r *Raster) Falling() int { return len(r.falling) }

func (r *Raster) SpawnVisual(n notes.Note) {
	r.falling = append(r.falling, n)
}

func (r *Raster) KeyDownUntil(channel, key uint8, untilMicros int64) {
	if channel > 15 || key > 127 {
		return
	}
	if untilMicros > r.held[channel][key] {
		r.held[channel][key] = untilMicros
	}
}

func (r *Raster) NoteOn(channel, key, velocity uint8) {
	if channel > 15 || key > 127 {
		return
	}
	r.live[channel][key] = velocity
}

func (r *Raster) NoteOff(channel, key uint8) {
	if channel > 15 || key > 127 {
		return
	}
	r.live[channel][key] = 0
}

func (r *Raster) AllNotesOff(channel uint8) {
	if channel > 15 {
		return
	}
	r.live[channel] = [128]uint8{}
	r.held[channel] = [128]int64{}
}

func (r *Raster) Reset() {
	r.falling = r.falling[:0]
	r.held = [16][128]int64{}
	r.live = [16][128]uint8{}
	r.last = 0
}

// KeyDown reports whether any channel holds key at atMicros.
func (r *Raster) KeyDown(key uint8, atMicros int64) bool {
	if key > 127 {
		return false
	}
	for ch := range r.live {
		if r.live[ch][key] > 0 || r.held[ch][key] > atMicros {
			return true
		}
	}
	return false
}

func (r *Raster) CaptureFrame(atMicros int64) (*image.RGBA, error) {
	if atMicros < r.last {
		// Moving back in time: held deadlines refer to the old position.
		r.held = [16][128]int64{}
	}
	r.last = atMicros

	draw.Draw(r.img, r.img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)

	kept := r.falling[:0]
	for _, n := range r.falling {
		if n.ReleaseMicros < atMicros {
			continue
		}
		kept = append(kept, n)
		r.drawNote(n, atMicros)
	}
	r.falling = kept

	r.drawKeyboard(atMicros)
	return r.img, nil
}

// yAt maps a sequence time to a y coordinate: onsets at atMicros touch the
// keyboard, onsets travel later sit at the top edge.
func (r *Raster) yAt(micros, atMicros int64) int {
	return r.keyboard - int((micros-atMicros)*int64(r.keyboard)/r.travel)
}

func (r *Raster) drawNote(n notes.Note, atMicros int64) {
	x0, x1 := r.keySpan(n.Key)
	if x1 <= x0 {
		return
	}
	bottom := min(r.yAt(n.OnMicros, atMicros), r.keyboard)
	top := max(r.yAt(n.ReleaseMicros, atMicros), 0)
	if bottom <= top {
		bottom = top + 1
	}
	c := channelColors[int(n.Channel)%len(channelColors)]
	// Louder notes are drawn brighter.
	shade := 96 + int(n.Velocity)
	c = color.RGBA{R: uint8(int(c.R) * shade / 223), G: uint8(int(c.G) * shade / 223), B: uint8(int(c.B) * shade / 223), A: 255}
	draw.Draw(r.img, image.Rect(x0+1, top, x1-1, bottom), &image.Uniform{C: c}, image.Point{}, draw.Src)
}

func (r *Raster) drawKeyboard(atMicros int64) {
	w, h := r.Size()
	draw.Draw(r.img, image.Rect(0, r.keyboard, w, h), &image.Uniform{C: keyGap}, image.Point{}, draw.Src)
	for key := lowestKey; key <= highestKey; key++ {
		x0, x1 := r.keySpan(uint8(key))
		c := whiteKey
		bottom := h
		if isBlack(key) {
			c = blackKey
			bottom = r.keyboard + (h-r.keyboard)*2/3
		}
		if r.KeyDown(uint8(key), atMicros) {
			c = channelColors[0]
		}
		draw.Draw(r.img, image.Rect(x0, r.keyboard+1, max(x1-1, x0+1), bottom), &image.Uniform{C: c}, image.Point{}, draw.Src)
	}
}

func (r *Raster) keySpan(key uint8) (int, int) {
	if key < lowestKey || key > highestKey {
		return 0, 0
	}
	w, _ := r.Size()
	n := highestKey - lowestKey + 1
	i := int(key) - lowestKey
	return i * w / n, (i + 1) * w / n
}

func isBlack(key int) bool {
	switch key % 12 {
	case 1, 3, 6, 8, 10:
		return true
	}
	return false
}
