package effects

import "math"

// Comb lengths in seconds, mutually prime at common sample rates.
var combSeconds = [4]float64{0.0253, 0.0269, 0.0290, 0.0307}

var allpassSeconds = [2]float64{0.0051, 0.0017}

// Reverb is a Schroeder reverb: a pre-delay feeding four parallel comb
// filters and two series allpass filters.
type Reverb struct {
	pre     delayLine
	combs   [4]combFilter
	allpass [2]allpassFilter
	wet     float32
}

type combFilter struct {
	buf []float32
	pos int
	fb  float32
}

type allpassFilter struct {
	buf []float32
	pos int
	fb  float32
}

type delayLine struct {
	buf []float32
	pos int
}

// NewReverb creates a reverb whose tail falls by 60 dB after decay seconds.
// preDelay holds the wet signal back before it reaches the combs. wet is
// the wet/dry mix, 1 for a send return.
func NewReverb(sampleRate int, decay, preDelay float64, wet float32) *Reverb {
	decay = math.Max(decay, 0.01)
	r := &Reverb{wet: clamp(wet, 0, 1)}
	if n := int(preDelay * float64(sampleRate)); n > 0 {
		r.pre.buf = make([]float32, n)
	}
	for i, sec := range combSeconds {
		n := max(int(sec*float64(sampleRate)), 1)
		// each pass through the comb loses 60 dB * (loop / decay)
		fb := math.Pow(10, -3*float64(n)/float64(sampleRate)/decay)
		r.combs[i] = combFilter{buf: make([]float32, n), fb: clamp(float32(fb), 0, 0.98)}
	}
	for i, sec := range allpassSeconds {
		r.allpass[i] = allpassFilter{buf: make([]float32, max(int(sec*float64(sampleRate)), 1)), fb: 0.5}
	}
	return r
}

func (r *Reverb) Process(l, r2 float32) (float32, float32) {
	mono := r.pre.process((l + r2) * 0.5)
	var out float32
	for i := range r.combs {
		out += r.combs[i].process(mono)
	}
	out *= 0.25
	for i := range r.allpass {
		out = r.allpass[i].process(out)
	}
	return l*(1-r.wet) + out*r.wet, r2*(1-r.wet) + out*r.wet
}

func (r *Reverb) Reset() {
	clear(r.pre.buf)
	r.pre.pos = 0
	for i := range r.combs {
		clear(r.combs[i].buf)
		r.combs[i].pos = 0
	}
	for i := range r.allpass {
		clear(r.allpass[i].buf)
		r.allpass[i].pos = 0
	}
}

func (d *delayLine) process(in float32) float32 {
	if len(d.buf) == 0 {
		return in
	}
	out := d.buf[d.pos]
	d.buf[d.pos] = in
	d.pos++
	if d.pos >= len(d.buf) {
		d.pos = 0
	}
	return out
}

func (c *combFilter) process(in float32) float32 {
	out := c.buf[c.pos]
	c.buf[c.pos] = in + out*c.fb
	c.pos++
	if c.pos >= len(c.buf) {
		c.pos = 0
	}
	return out
}

func (a *allpassFilter) process(in float32) float32 {
	bufOut := a.buf[a.pos]
	out := -in + bufOut
	a.buf[a.pos] = in + bufOut*a.fb
	a.pos++
	if a.pos >= len(a.buf) {
		a.pos = 0
	}
	return out
}
