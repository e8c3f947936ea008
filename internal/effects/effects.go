// Package effects is the mastering stage applied to synthesized audio before
// it reaches a speaker or a 16-bit file.
package effects

// Effector processes one stereo frame.
type Effector interface {
	Process(l, r float32) (float32, float32)
	Reset()
}

// Chain applies a sequence of effects in order.
type Chain struct {
	effects []Effector
}

func NewChain(effects ...Effector) *Chain {
	return &Chain{effects: effects}
}

// Mastering is the chain shared by live output and export: a gentle bus
// compressor followed by a brickwall limiter just under full scale.
func Mastering(sampleRate int) *Chain {
	return NewChain(
		NewCompressor(sampleRate, -12, 3, 5, 120, 2),
		NewLimiter(sampleRate, -0.3),
	)
}

func (c *Chain) Process(l, r float32) (float32, float32) {
	for _, e := range c.effects {
		l, r = e.Process(l, r)
	}
	return l, r
}

// ProcessPlanar runs the chain in place over separate channel buffers.
func (c *Chain) ProcessPlanar(left, right []float32) {
	n := min(len(left), len(right))
	for i := 0; i < n; i++ {
		left[i], right[i] = c.Process(left[i], right[i])
	}
}

// ProcessInterleaved runs the chain in place over L,R,L,R samples.
func (c *Chain) ProcessInterleaved(dst []float32) {
	for i := 0; i+1 < len(dst); i += 2 {
		dst[i], dst[i+1] = c.Process(dst[i], dst[i+1])
	}
}

func (c *Chain) Reset() {
	for _, e := range c.effects {
		e.Reset()
	}
}

func (c *Chain) Add(e Effector) {
	c.effects = append(c.effects, e)
}
