package effects

import "github.com/viterin/vek/vek32"

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

func (c *Chain) Process(l, r float32) (float32, float32) {
	for _, e := range c.effects {
		l, r = e.Process(l, r)
	}
	return l, r
}

func (c *Chain) Reset() {
	for _, e := range c.effects {
		e.Reset()
	}
}

func (c *Chain) Add(e Effector) {
	c.effects = append(c.effects, e)
}

// Bus is a send/return effect. Sources add scaled copies of their
// interleaved stereo output with Send during a block, then Return runs the
// effect over the accumulated input and mixes the result into the master
// buffer. The effect keeps running on silence so tails ring out.
type Bus struct {
	fx  Effector
	in  []float32
	tmp []float32
}

func NewBus(fx Effector) *Bus {
	return &Bus{fx: fx}
}

func (b *Bus) grow(n int) {
	if len(b.in) < n {
		in := make([]float32, n)
		copy(in, b.in)
		b.in = in
		b.tmp = make([]float32, n)
	}
}

// Send accumulates src scaled by level into the bus input.
func (b *Bus) Send(src []float32, level float32) {
	if level <= 0 {
		return
	}
	b.grow(len(src))
	tmp := b.tmp[:len(src)]
	copy(tmp, src)
	if level != 1 {
		vek32.MulNumber_Inplace(tmp, level)
	}
	vek32.Add_Inplace(b.in[:len(src)], tmp)
}

// Return processes one block of bus input, adds it to dst and clears the
// input for the next block.
func (b *Bus) Return(dst []float32) {
	b.grow(len(dst))
	in := b.in[:len(dst)]
	for i := 0; i+1 < len(dst); i += 2 {
		l, r := b.fx.Process(in[i], in[i+1])
		dst[i] += l
		dst[i+1] += r
	}
	clear(in)
}

func (b *Bus) Reset() {
	clear(b.in)
	b.fx.Reset()
}
