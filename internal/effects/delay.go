package effects

// Delay is a stereo feedback delay with optional ping-pong cross feedback.
type Delay struct {
	sampleRate int
	bufL, bufR []float32
	pos        int
	feedback   float32
	cross      float32
	wet        float32
}

// NewDelay creates a delay of seconds. feedback is clamped below 0.95 so
// the repeats always die away; cross 1 is full ping-pong.
func NewDelay(sampleRate int, seconds float64, feedback, cross, wet float32) *Delay {
	d := &Delay{
		sampleRate: sampleRate,
		feedback:   clamp(feedback, 0, 0.95),
		cross:      clamp(cross, 0, 1),
		wet:        clamp(wet, 0, 1),
	}
	d.SetTime(seconds)
	return d
}

// SetTime changes the delay length. Pending repeats are discarded.
func (d *Delay) SetTime(seconds float64) {
	n := max(int(seconds*float64(d.sampleRate)), 1)
	d.bufL = make([]float32, n)
	d.bufR = make([]float32, n)
	d.pos = 0
}

// Frames is the delay length in frames.
func (d *Delay) Frames() int { return len(d.bufL) }

func (d *Delay) Process(l, r float32) (float32, float32) {
	delL := d.bufL[d.pos]
	delR := d.bufR[d.pos]
	fbL := delL*d.feedback*(1-d.cross) + delR*d.feedback*d.cross
	fbR := delR*d.feedback*(1-d.cross) + delL*d.feedback*d.cross
	d.bufL[d.pos] = l + fbL
	d.bufR[d.pos] = r + fbR
	d.pos++
	if d.pos >= len(d.bufL) {
		d.pos = 0
	}
	return l*(1-d.wet) + delL*d.wet, r*(1-d.wet) + delR*d.wet
}

func (d *Delay) Reset() {
	clear(d.bufL)
	clear(d.bufR)
	d.pos = 0
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
