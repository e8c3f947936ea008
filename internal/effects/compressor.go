package effects

import "math"

// Compressor is a stereo-linked downward compressor: both channels follow
// one envelope so the image does not shift under gain reduction.
type Compressor struct {
	threshold float32
	ratio     float32
	attack    float32 // coefficient
	release   float32 // coefficient
	makeup    float32
	env       float32
}

// NewCompressor creates a compressor.
// thresholdDB: threshold in dB (e.g., -12)
// ratio: compression ratio (e.g., 3 for 3:1)
// attackMs, releaseMs: envelope times in ms
// makeupDB: makeup gain in dB
func NewCompressor(sampleRate int, thresholdDB, ratio, attackMs, releaseMs, makeupDB float32) *Compressor {
	if ratio < 1 {
		ratio = 1
	}
	return &Compressor{
		threshold: dbToGain(thresholdDB),
		ratio:     ratio,
		attack:    coefficient(sampleRate, attackMs),
		release:   coefficient(sampleRate, releaseMs),
		makeup:    dbToGain(makeupDB),
	}
}

func (c *Compressor) Process(l, r float32) (float32, float32) {
	peak := max(abs32(l), abs32(r))
	if peak > c.env {
		c.env += c.attack * (peak - c.env)
	} else {
		c.env += c.release * (peak - c.env)
	}
	g := c.gain(c.env) * c.makeup
	return l * g, r * g
}

func (c *Compressor) gain(env float32) float32 {
	if env <= c.threshold || c.threshold <= 0 {
		return 1
	}
	over := env / c.threshold
	return float32(math.Pow(float64(over), float64(1/c.ratio-1)))
}

func (c *Compressor) Reset() { c.env = 0 }

// Limiter holds peaks at or under a ceiling. Gain drops instantly on a peak
// and recovers with a release time.
type Limiter struct {
	ceiling float32
	release float32
	gain    float32
}

// NewLimiter creates a limiter with ceilingDB, e.g. -0.3 dBFS.
func NewLimiter(sampleRate int, ceilingDB float32) *Limiter {
	return &Limiter{
		ceiling: dbToGain(ceilingDB),
		release: coefficient(sampleRate, 80),
		gain:    1,
	}
}

func (m *Limiter) Process(l, r float32) (float32, float32) {
	peak := max(abs32(l), abs32(r))
	if peak*m.gain > m.ceiling {
		m.gain = m.ceiling / peak
	} else {
		m.gain += m.release * (1 - m.gain)
	}
	l, r = l*m.gain, r*m.gain
	return clamp(l, m.ceiling), clamp(r, m.ceiling)
}

func (m *Limiter) Reset() { m.gain = 1 }

func dbToGain(db float32) float32 {
	return float32(math.Pow(10, float64(db)/20))
}

func coefficient(sampleRate int, ms float32) float32 {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if ms <= 0 {
		return 1
	}
	return float32(1.0 - math.Exp(-1.0/(float64(ms)*float64(sampleRate)/1000.0)))
}

func abs32(v float32) float32 { return float32(math.Abs(float64(v))) }

func clamp(v, limit float32) float32 {
	return min(max(v, -limit), limit)
}
